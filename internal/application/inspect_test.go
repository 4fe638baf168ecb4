package application

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobrunner/strata/internal/domain"
)

func writeZip(t *testing.T, name string, members map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for member, body := range members {
		w, err := zw.Create(member)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateFileExtensions(t *testing.T) {
	svc := NewInspect(&mockInspector{}, nil)
	ctx := context.Background()

	tests := []struct {
		path    string
		allowed bool
	}{
		{"data.geojson", true},
		{"data.csv", true},
		{"data.kml", true},
		{"data.gpkg", true},
		{"scene.tif", true},
		{"report.docx", false},
		{"script.py", false},
		{"notes.txt", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		err := svc.ValidateFile(ctx, tt.path)
		if tt.allowed && err != nil {
			t.Errorf("ValidateFile(%q) = %v, want nil", tt.path, err)
		}
		if !tt.allowed && !errors.Is(err, domain.ErrFileTypeNotAllowed) {
			t.Errorf("ValidateFile(%q) = %v, want ErrFileTypeNotAllowed", tt.path, err)
		}
	}
}

func TestValidateFileRejectsSidecars(t *testing.T) {
	svc := NewInspect(&mockInspector{}, nil)
	for _, path := range []string{"layer.shx", "layer.dbf", "layer.prj", "layer.cpg"} {
		err := svc.ValidateFile(context.Background(), path)
		if !errors.Is(err, domain.ErrFileTypeNotAllowed) {
			t.Errorf("ValidateFile(%q) = %v, want ErrFileTypeNotAllowed", path, err)
		}
	}
}

func TestValidateFileCustomWhitelist(t *testing.T) {
	svc := NewInspect(&mockInspector{}, []string{"geojson"})
	if err := svc.ValidateFile(context.Background(), "data.geojson"); err != nil {
		t.Errorf("whitelisted extension rejected: %v", err)
	}
	if err := svc.ValidateFile(context.Background(), "data.csv"); !errors.Is(err, domain.ErrFileTypeNotAllowed) {
		t.Errorf("csv should be rejected under custom whitelist, got %v", err)
	}
}

func TestValidateArchive(t *testing.T) {
	svc := NewInspect(&mockInspector{}, nil)
	ctx := context.Background()

	t.Run("with importable member", func(t *testing.T) {
		path := writeZip(t, "ok.zip", map[string]string{
			"readme.txt":    "ignored",
			"roads.geojson": "{}",
		})
		if err := svc.ValidateFile(ctx, path); err != nil {
			t.Errorf("ValidateFile() = %v", err)
		}
	})

	t.Run("sidecars only", func(t *testing.T) {
		path := writeZip(t, "sidecars.zip", map[string]string{
			"layer.dbf": "x",
			"layer.prj": "x",
		})
		err := svc.ValidateFile(ctx, path)
		if !errors.Is(err, domain.ErrFileTypeNotAllowed) {
			t.Errorf("ValidateFile() = %v, want ErrFileTypeNotAllowed", err)
		}
	})

	t.Run("missing archive", func(t *testing.T) {
		err := svc.ValidateFile(ctx, filepath.Join(t.TempDir(), "nope.zip"))
		if !errors.Is(err, domain.ErrNoDataSource) {
			t.Errorf("ValidateFile() = %v, want ErrNoDataSource", err)
		}
	})

	t.Run("member reference validates the archive", func(t *testing.T) {
		path := writeZip(t, "ref.zip", map[string]string{"roads.geojson": "{}"})
		if err := svc.ValidateFile(ctx, path+"!roads.geojson"); err != nil {
			t.Errorf("ValidateFile() = %v", err)
		}
	})
}

func TestInspectDescribeFields(t *testing.T) {
	src := vectorSource()
	svc := NewInspect(&mockInspector{source: src}, nil)

	descriptions, err := svc.DescribeFields(context.Background(), "roads.geojson")
	if err != nil {
		t.Fatal(err)
	}
	if len(descriptions) != 1 || descriptions[0].LayerName != "Roads Layer" {
		t.Errorf("descriptions = %v", descriptions)
	}
	if !src.closed {
		t.Error("source not closed after describe")
	}
}

func TestInspectFileType(t *testing.T) {
	svc := NewInspect(&mockInspector{source: &mockSource{fileType: "GPKG"}}, nil)
	got, err := svc.FileType(context.Background(), "tiles.gpkg")
	if err != nil {
		t.Fatal(err)
	}
	if got != "GPKG" {
		t.Errorf("FileType() = %q", got)
	}
}
