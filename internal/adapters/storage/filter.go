package storage

import (
	"path/filepath"
	"strings"

	"github.com/jobrunner/strata/internal/adapters/formats"
)

// extensionFilter reports whether a storage key names an uploadable
// dataset file.
type extensionFilter map[string]bool

// newExtensionFilter builds a filter from an extension allow-list.
// An empty list falls back to the default upload whitelist.
func newExtensionFilter(extensions []string) extensionFilter {
	if len(extensions) == 0 {
		extensions = formats.DefaultValidExtensions
	}
	f := make(extensionFilter, len(extensions))
	for _, ext := range extensions {
		f[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return f
}

func (f extensionFilter) match(key string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(key), "."))
	return f[ext]
}
