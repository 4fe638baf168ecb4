package application

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jobrunner/strata/internal/domain"
)

// stubImportService implements input.ImportService with canned results.
type stubImportService struct {
	mu      sync.Mutex
	calls   int
	layers  []domain.ImportedLayer
	err     error
	release chan struct{}
}

func (s *stubImportService) ImportFile(ctx context.Context, source string, configs []domain.LayerConfiguration) ([]domain.ImportedLayer, error) {
	return s.Handle(ctx, source, configs, nil)
}

func (s *stubImportService) Handle(_ context.Context, _ string, _ []domain.LayerConfiguration, _ map[string]any) ([]domain.ImportedLayer, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.layers, s.err
}

func TestJobManagerRunsJob(t *testing.T) {
	svc := &stubImportService{
		layers: []domain.ImportedLayer{{Target: "roads", Config: &domain.LayerConfiguration{}}},
	}
	m := NewJobManager(svc, 2, nil, testLogger())

	job := m.Submit(context.Background(), "roads.geojson", nil, nil)
	if job.ID == "" || job.Source != "roads.geojson" {
		t.Fatalf("submitted job = %+v", job)
	}
	m.Wait()

	done, err := m.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != JobDone {
		t.Errorf("status = %q, want done", done.Status)
	}
	if done.FinishedAt == nil || done.StartedAt == nil {
		t.Error("timestamps not recorded")
	}
	if len(done.Layers) != 1 || done.Layers[0].Target != "roads" {
		t.Errorf("layers = %v", done.Layers)
	}
}

func TestJobManagerRecordsFailure(t *testing.T) {
	svc := &stubImportService{err: errors.New("datastore gone")}
	m := NewJobManager(svc, 1, nil, testLogger())

	job := m.Submit(context.Background(), "roads.geojson", nil, nil)
	m.Wait()

	done, err := m.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != JobFailed {
		t.Errorf("status = %q, want failed", done.Status)
	}
	if done.Error != "datastore gone" {
		t.Errorf("error = %q", done.Error)
	}
}

func TestJobManagerBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	svc := &stubImportService{release: release}
	m := NewJobManager(svc, 1, nil, testLogger())

	a := m.Submit(context.Background(), "a.geojson", nil, nil)
	b := m.Submit(context.Background(), "b.geojson", nil, nil)

	// With one slot, at most one job can be past the semaphore while
	// the other is still queued.
	statuses := map[JobStatus]int{}
	for _, id := range []string{a.ID, b.ID} {
		job, err := m.GetJob(id)
		if err != nil {
			t.Fatal(err)
		}
		statuses[job.Status]++
	}
	if statuses[JobRunning] > 1 {
		t.Errorf("more than one job running: %v", statuses)
	}

	close(release)
	m.Wait()
	for _, id := range []string{a.ID, b.ID} {
		job, _ := m.GetJob(id)
		if job.Status != JobDone {
			t.Errorf("job %s status = %q, want done", id, job.Status)
		}
	}
}

func TestJobManagerGetUnknownJob(t *testing.T) {
	m := NewJobManager(&stubImportService{}, 1, nil, testLogger())
	if _, err := m.GetJob("nope"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestJobManagerListJobs(t *testing.T) {
	svc := &stubImportService{}
	m := NewJobManager(svc, 4, nil, testLogger())
	m.Submit(context.Background(), "a.geojson", nil, nil)
	m.Submit(context.Background(), "b.geojson", nil, nil)
	m.Wait()

	jobs := m.ListJobs()
	if len(jobs) != 2 {
		t.Errorf("ListJobs() returned %d jobs", len(jobs))
	}
}
