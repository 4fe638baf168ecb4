package application

import (
	"archive/zip"
	"context"
	"fmt"
	"os"

	"github.com/jobrunner/strata/internal/adapters/formats"
	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// Inspect answers the read-only questions the upload surfaces ask:
// what is in a file, which driver reads it, and whether it is
// acceptable at all.
type Inspect struct {
	inspector       output.Inspector
	validExtensions map[string]bool
}

// NewInspect builds the inspection service. An empty extension list
// falls back to the default whitelist.
func NewInspect(inspector output.Inspector, validExtensions []string) *Inspect {
	if len(validExtensions) == 0 {
		validExtensions = formats.DefaultValidExtensions
	}
	valid := make(map[string]bool, len(validExtensions))
	for _, ext := range validExtensions {
		valid[ext] = true
	}
	return &Inspect{inspector: inspector, validExtensions: valid}
}

// DescribeFields opens the source and returns its layer descriptions.
func (s *Inspect) DescribeFields(ctx context.Context, source string) ([]domain.SourceDescription, error) {
	src, err := s.inspector.Open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	return src.DescribeFields(ctx)
}

// FileType reports the short driver name for a source.
func (s *Inspect) FileType(ctx context.Context, source string) (string, error) {
	src, err := s.inspector.Open(ctx, source)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	return src.FileType(), nil
}

// ValidateFile applies the upload rules before any driver touches the
// bytes: the extension whitelist, the sidecar blacklist and, for
// archives, the same rules member by member.
func (s *Inspect) ValidateFile(ctx context.Context, path string) error {
	if _, member := formats.SplitArchivePath(path); member != "" {
		path, _ = formats.SplitArchivePath(path)
	}
	if formats.Ignored(path) {
		return s.typeError(path, "file is ignored by policy")
	}
	ext := formats.Ext(path)
	if ext == "zip" {
		return s.validateArchive(ctx, path)
	}
	return s.validateExt(path, ext)
}

func (s *Inspect) validateExt(path, ext string) error {
	for _, nd := range formats.NondataExtensions {
		if ext == nd {
			return s.typeError(path, fmt.Sprintf("%q is a sidecar extension, upload the dataset it belongs to", ext))
		}
	}
	if !s.validExtensions[ext] {
		return s.typeError(path, fmt.Sprintf("extension %q is not allowed", ext))
	}
	return nil
}

// validateArchive accepts a zip when at least one member passes the
// extension rules.
func (s *Inspect) validateArchive(ctx context.Context, path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if _, serr := os.Stat(path); serr != nil {
			return fmt.Errorf("archive %s: %w", path, domain.ErrNoDataSource)
		}
		return fmt.Errorf("archive %s: %v: %w", path, err, domain.ErrNoDataSource)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() || formats.Ignored(f.Name) {
			continue
		}
		ext := formats.Ext(f.Name)
		if s.validExtensions[ext] && ext != "zip" {
			return nil
		}
	}
	return s.typeError(path, "archive contains no importable member")
}

func (s *Inspect) typeError(path, message string) error {
	return fmt.Errorf("%s: %s: %w", path, message, domain.ErrFileTypeNotAllowed)
}
