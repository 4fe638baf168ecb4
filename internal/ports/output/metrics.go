package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncImportCount increments the per-layer import counter.
	IncImportCount(layerType string, success bool)

	// ObserveImportDuration records one layer's import duration.
	ObserveImportDuration(layerType string, duration time.Duration)

	// AddFeaturesCopied adds to the copied-feature counter.
	AddFeaturesCopied(n int64)

	// IncFeatureSkips counts features dropped after all fallbacks.
	IncFeatureSkips()

	// IncHandlerRuns counts handler executions by name and outcome.
	IncHandlerRuns(handler string, success bool)

	// SetJobsQueued sets the number of queued import jobs.
	SetJobsQueued(count int)

	// SetJobsRunning sets the number of running import jobs.
	SetJobsRunning(count int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncImportCount implements MetricsCollector.
func (n *NoOpMetrics) IncImportCount(_ string, _ bool) {}

// ObserveImportDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveImportDuration(_ string, _ time.Duration) {}

// AddFeaturesCopied implements MetricsCollector.
func (n *NoOpMetrics) AddFeaturesCopied(_ int64) {}

// IncFeatureSkips implements MetricsCollector.
func (n *NoOpMetrics) IncFeatureSkips() {}

// IncHandlerRuns implements MetricsCollector.
func (n *NoOpMetrics) IncHandlerRuns(_ string, _ bool) {}

// SetJobsQueued implements MetricsCollector.
func (n *NoOpMetrics) SetJobsQueued(_ int) {}

// SetJobsRunning implements MetricsCollector.
func (n *NoOpMetrics) SetJobsRunning(_ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
