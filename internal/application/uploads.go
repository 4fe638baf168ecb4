package application

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jobrunner/strata/internal/domain"
)

// DefaultConfigurations builds one complete configuration entry per
// described layer, each with a fresh correlation id. This serves
// callers that import everything a source offers without a curated
// configuration: drop-directory imports and the import-all API.
func DefaultConfigurations(descriptions []domain.SourceDescription) []domain.LayerConfiguration {
	configs := make([]domain.LayerConfiguration, 0, len(descriptions))
	for i := range descriptions {
		d := &descriptions[i]
		idx := d.Index
		configs = append(configs, domain.LayerConfiguration{
			Index:             &idx,
			InternalLayerName: d.InternalLayerName,
			UploadLayerID:     uuid.NewString(),
			LayerName:         d.LayerName,
		})
	}
	return configs
}

// SizeString renders a byte count in the human-readable form used by
// upload listings and log records.
func SizeString(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	units := []string{"KiB", "MiB", "GiB", "TiB", "PiB"}
	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), units[exp])
}
