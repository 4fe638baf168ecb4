package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLocalStorageList(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"uploads/roads.geojson",
		"uploads/parcels.zip",
		"uploads/scene.tif",
		"uploads/notes.docx",
		"readme.md",
	)

	storage := NewLocalStorage(dir, nil)
	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	// Only whitelisted dataset extensions are listed.
	if len(objects) != 3 {
		t.Fatalf("len(objects) = %d, want 3: %v", len(objects), objects)
	}
	for _, obj := range objects {
		if obj.Size != 4 {
			t.Errorf("object %q size = %d, want 4", obj.Key, obj.Size)
		}
		if obj.LastModified == 0 {
			t.Errorf("object %q LastModified should not be 0", obj.Key)
		}
	}
}

func TestLocalStorageListCustomExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.geojson", "b.csv")

	storage := NewLocalStorage(dir, []string{"csv"})
	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 || objects[0].Key != "b.csv" {
		t.Errorf("objects = %v", objects)
	}
}

func TestLocalStorageListNonExistent(t *testing.T) {
	storage := NewLocalStorage("/nonexistent/path", nil)
	if _, err := storage.List(context.Background()); err == nil {
		t.Error("List() should error for non-existent path")
	}
}

func TestLocalStorageExists(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "exists.gpkg")
	storage := NewLocalStorage(dir, nil)

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"existing file", "exists.gpkg", true},
		{"non-existing file", "nonexistent.gpkg", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exists, err := storage.Exists(context.Background(), tt.key)
			if err != nil {
				t.Errorf("Exists() error = %v", err)
			}
			if exists != tt.want {
				t.Errorf("Exists() = %v, want %v", exists, tt.want)
			}
		})
	}
}

func TestLocalStorageGetReader(t *testing.T) {
	dir := t.TempDir()
	content := "feature data"
	if err := os.WriteFile(filepath.Join(dir, "roads.geojson"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	storage := NewLocalStorage(dir, nil)
	reader, err := storage.GetReader(context.Background(), "roads.geojson")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	defer func() { _ = reader.Close() }()

	buf := make([]byte, len(content))
	if _, err := reader.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf) != content {
		t.Errorf("content = %q, want %q", string(buf), content)
	}
}

func TestLocalStorageDownload(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	content := "uploaded bytes"
	if err := os.WriteFile(filepath.Join(srcDir, "source.zip"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	storage := NewLocalStorage(srcDir, nil)

	// Destination in a nested directory that does not exist yet.
	dest := filepath.Join(destDir, "work", "source.zip")
	if err := storage.Download(context.Background(), "source.zip", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("content = %q, want %q", string(got), content)
	}
}

func TestLocalStorageDownloadSameFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.gpkg")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	storage := NewLocalStorage(dir, nil)
	if err := storage.Download(context.Background(), "test.gpkg", path); err != nil {
		t.Errorf("Download() to same location should not error, got: %v", err)
	}
}

func TestLocalStorageDownloadNonExistent(t *testing.T) {
	storage := NewLocalStorage(t.TempDir(), nil)
	dest := filepath.Join(t.TempDir(), "dest.gpkg")
	if err := storage.Download(context.Background(), "nonexistent.gpkg", dest); err == nil {
		t.Error("Download() should error for non-existent source")
	}
}

func TestLocalStorageFullPath(t *testing.T) {
	storage := NewLocalStorage("/data/uploads", nil)

	tests := []struct {
		key  string
		want string
	}{
		{"roads.geojson", "/data/uploads/roads.geojson"},
		{"batch/parcels.zip", "/data/uploads/batch/parcels.zip"},
		{"", "/data/uploads"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := storage.FullPath(tt.key); got != tt.want {
				t.Errorf("FullPath(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestExtensionFilter(t *testing.T) {
	f := newExtensionFilter([]string{"GeoJSON", ".zip"})
	if !f.match("a/b/roads.geojson") || !f.match("parcels.ZIP") {
		t.Error("filter must match case-insensitively and ignore leading dots")
	}
	if f.match("roads.shp") || f.match("noext") {
		t.Error("filter matched an extension outside the list")
	}
}
