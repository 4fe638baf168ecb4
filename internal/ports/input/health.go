package input

import "context"

// HealthService is the primary port for liveness and readiness probes.
type HealthService interface {
	IsHealthy(ctx context.Context) bool
	IsReady(ctx context.Context) bool
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails is the detailed health report served by the API.
type HealthDetails struct {
	Healthy     bool              `json:"healthy"`
	Ready       bool              `json:"ready"`
	JobsQueued  int               `json:"jobs_queued"`
	JobsRunning int               `json:"jobs_running"`
	Components  map[string]string `json:"components"`
}
