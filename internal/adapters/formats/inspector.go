package formats

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// DatasetInspector opens any supported source by extension and is the
// concrete implementation of the inspector port. Archive members are
// addressed with the "file.zip!member" syntax; without a member the
// first data file in the archive is taken.
type DatasetInspector struct {
	// CSV carries the candidate geometry column names for delimited
	// files.
	CSV CSVOptions
}

// NewDatasetInspector builds an inspector with the given CSV column
// candidates (zero value means defaults).
func NewDatasetInspector(csv CSVOptions) *DatasetInspector {
	return &DatasetInspector{CSV: csv}
}

// Open opens a source path. Failures to recognize or parse the bytes
// wrap domain.ErrNoDataSource.
func (di *DatasetInspector) Open(ctx context.Context, source string) (output.Source, error) {
	path, member := SplitArchivePath(source)
	if Ext(path) == "zip" {
		return di.openArchive(ctx, path, member)
	}
	if member != "" {
		return nil, fmt.Errorf("member syntax on non-archive %s: %w", source, domain.ErrNoDataSource)
	}
	return di.openByExt(ctx, path)
}

func (di *DatasetInspector) openByExt(ctx context.Context, path string) (output.Source, error) {
	switch ext := Ext(path); {
	case ext == "geojson" || ext == "json":
		return openGeoJSON(path)
	case ext == "csv":
		return openCSV(path, di.CSV)
	case ext == "shp":
		return openShapefile(path)
	case ext == "kml":
		return openKML(path)
	case ext == "gpx":
		return openGPX(path)
	case ext == "gpkg":
		return openGeoPackage(ctx, path)
	case IsRasterExt(ext):
		return openRaster(path)
	}
	return nil, fmt.Errorf("no driver for %s: %w", path, domain.ErrNoDataSource)
}

// SplitArchivePath splits the "file.zip!member" addressing syntax.
func SplitArchivePath(source string) (path, member string) {
	if i := strings.Index(source, "!"); i >= 0 {
		return source[:i], strings.TrimPrefix(source[i+1:], "/")
	}
	return source, ""
}

// openArchive extracts a zip next to a temp directory and opens the
// addressed member. Extraction keeps sidecars together, which the
// shapefile driver needs.
func (di *DatasetInspector) openArchive(ctx context.Context, path, member string) (output.Source, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %v: %w", path, err, domain.ErrNoDataSource)
	}
	defer zr.Close()

	dir, err := os.MkdirTemp("", "strata-zip-*")
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", path, err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	var target string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || Ignored(f.Name) {
			continue
		}
		dest, err := extractMember(dir, f)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("zip %s: extracting %s: %w", path, f.Name, err)
		}
		switch {
		case member != "" && f.Name == member:
			target = dest
		case member == "" && target == "" && isDataExt(Ext(f.Name)):
			target = dest
		}
	}
	if target == "" {
		cleanup()
		if member != "" {
			return nil, fmt.Errorf("zip %s: member %s: %w", path, member, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("zip %s: no data file: %w", path, domain.ErrNoDataSource)
	}

	inner, err := di.openByExt(ctx, target)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &archiveSource{Source: inner, dir: dir}, nil
}

// isDataExt reports whether ext names a dataset rather than a sidecar.
func isDataExt(ext string) bool {
	for _, nd := range NondataExtensions {
		if ext == nd {
			return false
		}
	}
	return typeForExt(ext) != "" && ext != "zip"
}

// extractMember writes one archive member under dir, refusing paths
// that escape it.
func extractMember(dir string, f *zip.File) (string, error) {
	name := filepath.Clean(f.Name)
	if name == ".." || strings.HasPrefix(name, "../") || filepath.IsAbs(name) {
		return "", fmt.Errorf("unsafe member path %q", f.Name)
	}
	dest := filepath.Join(dir, filepath.Base(name))
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil { //#nosec G110 -- upload sizes are validated upstream
		return "", err
	}
	return dest, nil
}

// archiveSource wraps a member source and removes the extraction
// directory on close.
type archiveSource struct {
	output.Source
	dir string
}

func (a *archiveSource) Close() error {
	err := a.Source.Close()
	_ = os.RemoveAll(a.dir)
	return err
}
