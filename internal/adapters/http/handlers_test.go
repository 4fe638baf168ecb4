package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jobrunner/strata/internal/application"
	"github.com/jobrunner/strata/internal/config"
	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/input"
)

// mockInspect implements input.InspectService for testing.
type mockInspect struct {
	descriptions []domain.SourceDescription
	fileType     string
	validateErr  error
	describeErr  error
}

func (m *mockInspect) DescribeFields(_ context.Context, _ string) ([]domain.SourceDescription, error) {
	if m.describeErr != nil {
		return nil, m.describeErr
	}
	return m.descriptions, nil
}

func (m *mockInspect) FileType(_ context.Context, _ string) (string, error) {
	return m.fileType, nil
}

func (m *mockInspect) ValidateFile(_ context.Context, _ string) error {
	return m.validateErr
}

// mockImportService records Handle calls and succeeds immediately.
type mockImportService struct {
	mu      sync.Mutex
	sources []string
	configs [][]domain.LayerConfiguration
}

func (m *mockImportService) ImportFile(_ context.Context, _ string, _ []domain.LayerConfiguration) ([]domain.ImportedLayer, error) {
	return nil, nil
}

func (m *mockImportService) Handle(_ context.Context, source string, configs []domain.LayerConfiguration, _ map[string]any) ([]domain.ImportedLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
	m.configs = append(m.configs, configs)
	return []domain.ImportedLayer{{Target: "roads"}}, nil
}

// mockHealthService implements input.HealthService for testing.
type mockHealthService struct {
	healthy bool
	ready   bool
	details input.HealthDetails
}

func (m *mockHealthService) IsHealthy(_ context.Context) bool { return m.healthy }
func (m *mockHealthService) IsReady(_ context.Context) bool   { return m.ready }
func (m *mockHealthService) GetHealthDetails(_ context.Context) input.HealthDetails {
	return m.details
}

func testServer(t *testing.T, inspect *mockInspect) (*Server, *mockImportService, *application.JobManager) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := &mockImportService{}
	jobs := application.NewJobManager(service, 2, nil, logger)

	health := &mockHealthService{
		healthy: true,
		ready:   true,
		details: input.HealthDetails{Healthy: true, Ready: true},
	}

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 8080}, inspect, jobs, health, "/data/uploads", logger)
	return srv, service, jobs
}

func describedSource() *mockInspect {
	return &mockInspect{
		fileType: "GPKG",
		descriptions: []domain.SourceDescription{
			{
				Index:             0,
				LayerName:         "roads",
				InternalLayerName: "roads",
				LayerType:         domain.LayerTypeVector,
				GeometryType:      domain.GeomLineString,
				FeatureCount:      12,
			},
		},
	}
}

func TestHandleDescribe(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/describe?source=roads.gpkg", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body struct {
		Source           string                      `json:"source"`
		FileType         string                      `json:"file_type"`
		Layers           []domain.SourceDescription  `json:"layers"`
		SuggestedConfigs []domain.LayerConfiguration `json:"suggested_configs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if body.Source != "/data/uploads/roads.gpkg" {
		t.Errorf("source = %q, want work-dir resolved path", body.Source)
	}
	if body.FileType != "GPKG" {
		t.Errorf("file_type = %q, want GPKG", body.FileType)
	}
	if len(body.Layers) != 1 || body.Layers[0].LayerName != "roads" {
		t.Errorf("layers = %+v, want one roads layer", body.Layers)
	}
	if len(body.SuggestedConfigs) != 1 || body.SuggestedConfigs[0].UploadLayerID == "" {
		t.Errorf("suggested_configs = %+v, want one entry with a correlation id", body.SuggestedConfigs)
	}
}

func TestHandleDescribeRequiresSource(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/describe", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleDescribeRejectsDisallowedType(t *testing.T) {
	inspect := describedSource()
	inspect.validateErr = domain.ErrFileTypeNotAllowed

	srv, _, _ := testServer(t, inspect)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/describe?source=notes.docx", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleDescribeUnopenableSource(t *testing.T) {
	inspect := describedSource()
	inspect.describeErr = domain.ErrNoDataSource

	srv, _, _ := testServer(t, inspect)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/describe?source=corrupt.gpkg", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestHandleSubmitImport(t *testing.T) {
	srv, service, jobs := testServer(t, describedSource())

	idx := 0
	reqBody, _ := json.Marshal(ImportRequest{
		Source: "roads.gpkg",
		Configs: []domain.LayerConfiguration{
			{Index: &idx, UploadLayerID: "upload-1", LayerName: "roads"},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var job application.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.ID == "" {
		t.Error("job id missing")
	}
	if job.Source != "/data/uploads/roads.gpkg" {
		t.Errorf("job source = %q, want work-dir resolved path", job.Source)
	}

	jobs.Wait()
	service.mu.Lock()
	defer service.mu.Unlock()
	if len(service.configs) != 1 || service.configs[0][0].UploadLayerID != "upload-1" {
		t.Errorf("service ran with configs %+v, want the submitted entry", service.configs)
	}
}

func TestHandleSubmitImportDefaultsConfigs(t *testing.T) {
	srv, service, jobs := testServer(t, describedSource())

	reqBody, _ := json.Marshal(ImportRequest{Source: "roads.gpkg"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	jobs.Wait()
	service.mu.Lock()
	defer service.mu.Unlock()
	if len(service.configs) != 1 {
		t.Fatalf("service ran %d times, want 1", len(service.configs))
	}
	got := service.configs[0]
	if len(got) != 1 {
		t.Fatalf("derived configs = %d, want one per described layer", len(got))
	}
	if got[0].LayerName != "roads" || got[0].UploadLayerID == "" {
		t.Errorf("derived config = %+v, want named layer with a correlation id", got[0])
	}
}

func TestHandleSubmitImportRequiresSource(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleSubmitImportBadBody(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleGetJob(t *testing.T) {
	srv, _, jobs := testServer(t, describedSource())

	job := jobs.Submit(context.Background(), "/data/uploads/roads.gpkg", []domain.LayerConfiguration{
		{UploadLayerID: "upload-1"},
	}, nil)
	jobs.Wait()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got application.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("job id = %q, want %q", got.ID, job.ID)
	}
	if got.Status != application.JobDone {
		t.Errorf("job status = %q, want %q", got.Status, application.JobDone)
	}
}

func TestHandleGetJobNotFound(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/no-such-job", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleListJobs(t *testing.T) {
	srv, _, jobs := testServer(t, describedSource())

	jobs.Submit(context.Background(), "a.gpkg", []domain.LayerConfiguration{{UploadLayerID: "u1"}}, nil)
	jobs.Submit(context.Background(), "b.gpkg", []domain.LayerConfiguration{{UploadLayerID: "u2"}}, nil)
	jobs.Wait()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Jobs  []application.Job `json:"jobs"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Count != 2 || len(body.Jobs) != 2 {
		t.Errorf("count = %d with %d jobs, want 2", body.Count, len(body.Jobs))
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestHandleHealthUnhealthy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	health := &mockHealthService{
		details: input.HealthDetails{
			Components: map[string]string{"datastore": "unreachable"},
		},
	}
	srv := NewServer(config.ServerConfig{Port: 8080}, describedSource(), nil, health, "", logger)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleLivenessAndReadiness(t *testing.T) {
	srv, _, _ := testServer(t, describedSource())

	for _, path := range []string{"/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestResolveSource(t *testing.T) {
	srv := &Server{workDir: "/data/uploads"}

	tests := []struct {
		source   string
		expected string
	}{
		{"roads.gpkg", "/data/uploads/roads.gpkg"},
		{"/tmp/abs.gpkg", "/tmp/abs.gpkg"},
		{"nested/pack.zip!roads.shp", "/data/uploads/nested/pack.zip!roads.shp"},
	}
	for _, tt := range tests {
		if got := srv.resolveSource(tt.source); got != tt.expected {
			t.Errorf("resolveSource(%q) = %q, want %q", tt.source, got, tt.expected)
		}
	}
}

func TestJobSurvivesRequestCancellation(t *testing.T) {
	srv, _, jobs := testServer(t, describedSource())

	reqBody, _ := json.Marshal(ImportRequest{Source: "roads.gpkg"})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", bytes.NewReader(reqBody)).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	cancel()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	jobs.Wait()

	var job application.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}

	done := false
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := jobs.GetJob(job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status == application.JobDone {
			done = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !done {
		t.Error("job did not finish after request cancellation")
	}
}
