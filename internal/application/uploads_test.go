package application

import (
	"testing"
)

func TestDefaultConfigurations(t *testing.T) {
	src := vectorSource()
	configs := DefaultConfigurations(src.descriptions)
	if len(configs) != 1 {
		t.Fatalf("got %d configurations", len(configs))
	}
	cfg := configs[0]
	if cfg.Index == nil || *cfg.Index != 0 {
		t.Errorf("index = %v", cfg.Index)
	}
	if cfg.UploadLayerID == "" {
		t.Error("correlation id not generated")
	}
	if cfg.LayerName != "Roads Layer" {
		t.Errorf("layer name = %q", cfg.LayerName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration invalid: %v", err)
	}
}

func TestSizeString(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := SizeString(tt.n); got != tt.want {
			t.Errorf("SizeString(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
