package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobrunner/strata/internal/config"
)

func corsServer(origins []string) *Server {
	return &Server{
		config: config.ServerConfig{
			CORS: config.CORSConfig{AllowedOrigins: origins},
		},
	}
}

func TestOriginHost(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"https://example.com", "example.com"},
		{"https://example.com:8080", "example.com"},
		{"https://example.com/path/to/resource", "example.com"},
		{"https://example.com:443/path", "example.com"},
		{"https://deep.sub.example.com", "deep.sub.example.com"},
		{"http://localhost:3000", "localhost"},
		{"http://192.168.1.1:8080", "192.168.1.1"},
		{"example.com", "example.com"},
	}
	for _, tt := range tests {
		if got := originHost(tt.origin); got != tt.want {
			t.Errorf("originHost(%q) = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		origin   string
		want     bool
	}{
		{"exact match", []string{"https://example.com"}, "https://example.com", true},
		{"one of several", []string{"https://a.com", "https://b.com"}, "https://b.com", true},
		{"scheme differs", []string{"https://example.com"}, "http://example.com", false},
		{"port differs", []string{"https://example.com:8080"}, "https://example.com:9090", false},
		{"wildcard subdomain", []string{"*.example.com"}, "https://app.example.com", true},
		{"wildcard deep subdomain", []string{"*.example.com"}, "https://a.b.example.com", true},
		{"wildcard excludes bare domain", []string{"*.example.com"}, "https://example.com", false},
		{"wildcard wrong suffix", []string{"*.example.com"}, "https://notexample.com", false},
		{"mixed patterns", []string{"https://exact.com", "*.wild.com"}, "https://sub.wild.com", true},
		{"no patterns", nil, "https://example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := corsServer(tt.patterns)
			if got := s.originAllowed(tt.origin); got != tt.want {
				t.Errorf("originAllowed(%q) with %v = %v, want %v",
					tt.origin, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsServer([]string{"https://example.com"}).corsMiddleware(next)

	do := func(method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/jobs", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := do(http.MethodGet, "https://example.com")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	// The submission endpoint takes POST, so preflights must see it.
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q, want GET, POST, OPTIONS", got)
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q", got)
	}

	rr = do(http.MethodGet, "https://evil.com")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}

	rr = do(http.MethodGet, "")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("request without Origin got Allow-Origin %q", got)
	}
}

func TestCORSMiddlewarePreflightShortCircuits(t *testing.T) {
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	})
	handler := corsServer([]string{"https://example.com"}).corsMiddleware(next)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if nextCalled {
		t.Error("preflight reached the next handler")
	}
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}
