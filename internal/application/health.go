package application

import (
	"context"

	"github.com/jobrunner/strata/internal/ports/input"
	"github.com/jobrunner/strata/internal/ports/output"
)

// HealthService provides health check functionality.
type HealthService struct {
	stores func(ctx context.Context) (output.TargetStore, error)
	jobs   *JobManager
}

// NewHealthService creates a new health service.
func NewHealthService(stores func(ctx context.Context) (output.TargetStore, error), jobs *JobManager) *HealthService {
	return &HealthService{stores: stores, jobs: jobs}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true
}

// IsReady returns true if the target datastore accepts connections.
func (s *HealthService) IsReady(ctx context.Context) bool {
	if s.stores == nil {
		return false
	}
	store, err := s.stores(ctx)
	if err != nil {
		return false
	}
	_ = store.Close()
	return true
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{"datastore": "ok"}
	ready := s.IsReady(ctx)
	if !ready {
		components["datastore"] = "unreachable"
	}

	var queued, running int
	if s.jobs != nil {
		for _, job := range s.jobs.ListJobs() {
			switch job.Status {
			case JobQueued:
				queued++
			case JobRunning:
				running++
			}
		}
	}

	return input.HealthDetails{
		Healthy:     s.IsHealthy(ctx),
		Ready:       ready,
		JobsQueued:  queued,
		JobsRunning: running,
		Components:  components,
	}
}
