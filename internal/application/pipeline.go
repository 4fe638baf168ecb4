package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// Handler is one post-import step. Handlers are loosely coupled: they
// see the import target and the enriched configuration, and may read
// earlier handlers' results off the configuration, but never call each
// other.
type Handler interface {
	// Name identifies the handler in results, logs and configuration.
	Name() string

	// CanRun reports whether the handler applies to this layer. A
	// false return is a silent skip, not a failure.
	CanRun(target string, cfg *domain.LayerConfiguration) bool

	// Run performs the step and returns its result value.
	Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, kwargs map[string]any) (any, error)
}

// FailurePolicy controls what a handler error does to the rest of the
// chain.
type FailurePolicy int

// Failure policies. The default logs the failure and continues, so one
// broken enrichment step never loses imported data.
const (
	ContinueOnError FailurePolicy = iota
	StopOnError
)

// Pipeline runs an ordered handler chain over imported layers.
type Pipeline struct {
	handlers []Handler
	policy   FailurePolicy
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewPipeline builds a pipeline over the given handlers, in order.
func NewPipeline(handlers []Handler, policy FailurePolicy, metrics output.MetricsCollector, logger *slog.Logger) *Pipeline {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &Pipeline{handlers: handlers, policy: policy, metrics: metrics, logger: logger}
}

// Run executes the chain for one imported layer. Every handler's
// outcome is recorded, including nil results for skipped or failed
// steps, so downstream consumers can see which steps ran.
func (p *Pipeline) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, kwargs map[string]any) ([]domain.HandlerResult, error) {
	results := make([]domain.HandlerResult, 0, len(p.handlers))
	for _, h := range p.handlers {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !h.CanRun(target, cfg) {
			p.logger.Debug("handler skipped", "handler", h.Name(), "layer", target)
			results = append(results, domain.HandlerResult{Name: h.Name()})
			continue
		}
		// Results so far are visible to the next handler.
		cfg.HandlerResults = results

		value, err := h.Run(ctx, target, cfg, kwargs)
		if err != nil {
			p.metrics.IncHandlerRuns(h.Name(), false)
			herr := &domain.HandlerError{Handler: h.Name(), Layer: target, Err: err}
			if p.policy == StopOnError {
				return append(results, domain.HandlerResult{Name: h.Name()}), herr
			}
			p.logger.Error("handler failed, continuing",
				"handler", h.Name(), "layer", target, "error", err)
			results = append(results, domain.HandlerResult{Name: h.Name()})
			continue
		}
		p.metrics.IncHandlerRuns(h.Name(), true)
		results = append(results, domain.HandlerResult{Name: h.Name(), Value: value})
	}
	cfg.HandlerResults = results
	return results, nil
}

// handlerRegistry maps registered handler names to their factories so
// the configured chain can be assembled by name.
type handlerRegistry struct {
	mu        sync.Mutex
	factories map[string]func() Handler
}

var registry = &handlerRegistry{factories: map[string]func() Handler{}}

// RegisterHandler makes a handler constructible by name. Registration
// happens from the wiring layer at startup; duplicate names panic
// because they always indicate a programming error.
func RegisterHandler(name string, factory func() Handler) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.factories[name]; dup {
		panic(fmt.Sprintf("handler %q registered twice", name))
	}
	registry.factories[name] = factory
}

// BuildHandlers assembles a chain from registered names, preserving the
// given order.
func BuildHandlers(names []string) ([]Handler, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	handlers := make([]Handler, 0, len(names))
	for _, name := range names {
		factory, ok := registry.factories[name]
		if !ok {
			return nil, &domain.ConfigError{
				Field:   "pipeline.handlers",
				Message: fmt.Sprintf("unknown handler %q", name),
			}
		}
		handlers = append(handlers, factory())
	}
	return handlers, nil
}

// RegisteredHandlers lists the registered handler names, sorted.
func RegisteredHandlers() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
