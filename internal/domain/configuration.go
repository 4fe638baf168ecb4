package domain

import (
	"fmt"
)

// LayerConfiguration drives the import of a single layer. Callers supply
// a partial configuration carrying a lookup key (Index or
// InternalLayerName) plus the correlation identifier; Merge fills in the
// rest from the matching SourceDescription. Exactly one configuration
// exists per imported layer per import attempt.
type LayerConfiguration struct {
	// Index addresses a layer by its 0-based position in the source.
	// It is the preferred lookup key; nil means unset.
	Index *int `mapstructure:"index" json:"index,omitempty"`

	// InternalLayerName addresses a layer by the immutable name the
	// driver reported at inspection time.
	InternalLayerName string `mapstructure:"internal_layer_name" json:"internal_layer_name,omitempty"`

	// UploadLayerID correlates this entry back to the caller's own
	// bookkeeping record. Required on every entry.
	UploadLayerID string `mapstructure:"upload_layer_id" json:"upload_layer_id"`

	// LayerName is the target name. It may be renamed on collision.
	LayerName string `mapstructure:"layer_name" json:"layer_name,omitempty"`

	LayerType    LayerType    `mapstructure:"layer_type" json:"layer_type,omitempty"`
	Fields       []FieldDef   `mapstructure:"fields" json:"fields,omitempty"`
	GeometryType GeometryType `mapstructure:"geom_type" json:"geom_type,omitempty"`
	FeatureCount int64        `mapstructure:"feature_count" json:"feature_count,omitempty"`
	Driver       string       `mapstructure:"driver" json:"driver,omitempty"`
	Path         string       `mapstructure:"path" json:"path,omitempty"`

	// SRS is the authority:code reference of the layer, resolved
	// during import when the source declares none.
	SRS string `mapstructure:"srs" json:"srs,omitempty"`

	// ConvertToDate lists source string fields to rewrite into typed
	// date columns after import.
	ConvertToDate []string `mapstructure:"convert_to_date" json:"convert_to_date,omitempty"`

	// StartDate and EndDate reference fields used for the temporal
	// dimension; updated when the referenced field is converted.
	StartDate string `mapstructure:"start_date" json:"start_date,omitempty"`
	EndDate   string `mapstructure:"end_date" json:"end_date,omitempty"`

	// ConfigureTime requests temporal-dimension configuration on the
	// published layer.
	ConfigureTime bool `mapstructure:"configure_time" json:"configureTime,omitempty"`

	// ModifiedFields maps original field names to the names the target
	// backend actually created, populated during import so later
	// handlers can resolve renamed fields.
	ModifiedFields map[string]string `mapstructure:"-" json:"modified_fields,omitempty"`

	// HandlerResults is populated after the pipeline runs.
	HandlerResults []HandlerResult `mapstructure:"-" json:"handler_results,omitempty"`

	// Extra carries handler-specific keys the engine does not
	// interpret.
	Extra map[string]any `mapstructure:",remain" json:"extra,omitempty"`
}

// HasLookup reports whether the configuration carries a recognized layer
// lookup key.
func (c *LayerConfiguration) HasLookup() bool {
	return c.Index != nil || c.InternalLayerName != ""
}

// Matches reports whether a description is the one this configuration
// addresses.
func (c *LayerConfiguration) Matches(d *SourceDescription) bool {
	if c.Index != nil {
		return *c.Index == d.Index
	}
	if c.InternalLayerName != "" {
		return c.InternalLayerName == d.InternalLayerName
	}
	return false
}

// Merge copies the description into the configuration. The caller's
// intended layer name, layer type and SRS survive the merge; everything
// else reflects what the inspector reported.
func (c *LayerConfiguration) Merge(d *SourceDescription) {
	intended := c.LayerName

	idx := d.Index
	c.Index = &idx
	c.InternalLayerName = d.InternalLayerName
	if c.LayerType == "" {
		c.LayerType = d.LayerType
	}
	c.Fields = d.Fields
	c.GeometryType = d.GeometryType
	c.FeatureCount = d.FeatureCount
	c.Driver = d.Driver
	c.Path = d.Path
	if c.SRS == "" {
		c.SRS = d.SRS
	}

	if intended != "" {
		c.LayerName = intended
	} else {
		c.LayerName = d.LayerName
	}
	if c.ModifiedFields == nil {
		c.ModifiedFields = map[string]string{}
	}
}

// ResolveField maps a field name through ModifiedFields, returning the
// name the target backend actually created.
func (c *LayerConfiguration) ResolveField(name string) string {
	if renamed, ok := c.ModifiedFields[name]; ok {
		return renamed
	}
	return name
}

// HandlerResult is the outcome of one handler run, addressable by the
// handler's registered name. Value is whatever the handler returned; a
// nil Value records a skipped or failed handler.
type HandlerResult struct {
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

// ResultsNamed filters results to those produced by a specific handler.
func ResultsNamed(results []HandlerResult, name string) []HandlerResult {
	var out []HandlerResult
	for _, r := range results {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks the structural requirements the engine cannot recover
// from.
func (c *LayerConfiguration) Validate() error {
	if c.UploadLayerID == "" {
		return &ValidationError{
			Field:      "upload_layer_id",
			Constraint: "required",
			Message:    "every configuration entry must carry a correlation identifier",
		}
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (c *LayerConfiguration) String() string {
	if c.Index != nil {
		return fmt.Sprintf("layer[index=%d name=%q]", *c.Index, c.LayerName)
	}
	return fmt.Sprintf("layer[internal=%q name=%q]", c.InternalLayerName, c.LayerName)
}
