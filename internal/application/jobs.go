package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/input"
	"github.com/jobrunner/strata/internal/ports/output"
)

// JobStatus is the lifecycle state of an asynchronous import job.
type JobStatus string

// Job statuses.
const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one asynchronous import request and its outcome.
type Job struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	Status      JobStatus              `json:"status"`
	SubmittedAt time.Time              `json:"submitted_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Layers      []domain.ImportedLayer `json:"layers,omitempty"`
}

// JobManager runs imports asynchronously with a bounded level of
// parallelism. Distinct sources import in parallel; the per-layer-name
// collision rules in the importer keep concurrent claims safe.
type JobManager struct {
	service input.ImportService
	sem     *semaphore.Weighted
	metrics output.MetricsCollector
	logger  *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	queued  int
	running int

	wg sync.WaitGroup
}

// NewJobManager builds a manager allowing maxConcurrent imports at
// once.
func NewJobManager(service input.ImportService, maxConcurrent int64, metrics output.MetricsCollector, logger *slog.Logger) *JobManager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &JobManager{
		service: service,
		sem:     semaphore.NewWeighted(maxConcurrent),
		metrics: metrics,
		logger:  logger,
		jobs:    map[string]*Job{},
	}
}

// Submit queues one import and returns immediately with the job record.
func (m *JobManager) Submit(ctx context.Context, source string, configs []domain.LayerConfiguration, kwargs map[string]any) *Job {
	job := &Job{
		ID:          uuid.NewString(),
		Source:      source,
		Status:      JobQueued,
		SubmittedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.queued++
	m.metrics.SetJobsQueued(m.queued)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, job, configs, kwargs)
	return m.snapshot(job.ID)
}

func (m *JobManager) run(ctx context.Context, job *Job, configs []domain.LayerConfiguration, kwargs map[string]any) {
	defer m.wg.Done()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(job.ID, nil, err)
		return
	}
	defer m.sem.Release(1)

	started := time.Now().UTC()
	m.mu.Lock()
	job.Status = JobRunning
	job.StartedAt = &started
	m.queued--
	m.running++
	m.metrics.SetJobsQueued(m.queued)
	m.metrics.SetJobsRunning(m.running)
	m.mu.Unlock()

	m.logger.Info("import job started", "job", job.ID, "source", job.Source)
	layers, err := m.service.Handle(ctx, job.Source, configs, kwargs)
	m.finish(job.ID, layers, err)
}

func (m *JobManager) finish(id string, layers []domain.ImportedLayer, err error) {
	finished := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	if job.Status == JobRunning {
		m.running--
	} else {
		m.queued--
	}
	m.metrics.SetJobsQueued(m.queued)
	m.metrics.SetJobsRunning(m.running)

	job.FinishedAt = &finished
	job.Layers = layers
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		m.logger.Error("import job failed", "job", job.ID, "error", err)
		return
	}
	job.Status = JobDone
	m.logger.Info("import job finished", "job", job.ID, "layers", len(layers))
}

// GetJob returns a copy of one job, or ErrJobNotFound.
func (m *JobManager) GetJob(id string) (*Job, error) {
	job := m.snapshot(id)
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns copies of all known jobs.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(m.jobs))
	for id := range m.jobs {
		out = append(out, m.copyLocked(id))
	}
	return out
}

// Wait blocks until all submitted jobs have finished. Used by the CLI
// import command and by tests.
func (m *JobManager) Wait() { m.wg.Wait() }

func (m *JobManager) snapshot(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyLocked(id)
}

func (m *JobManager) copyLocked(id string) *Job {
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *job
	cp.Layers = append([]domain.ImportedLayer(nil), job.Layers...)
	return &cp
}
