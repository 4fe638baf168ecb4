package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	// ErrNoDataSource signals that no inspector could open the byte
	// source. It marks bad input, never a programming error, and is
	// never retried automatically.
	ErrNoDataSource = fmt.Errorf("no data source found: %w", ErrInvalidInput)

	// ErrFileTypeNotAllowed signals an extension outside the
	// configured allow-list, detected before any inspector runs.
	ErrFileTypeNotAllowed = fmt.Errorf("file type not allowed: %w", ErrInvalidInput)

	// ErrFileExists signals a refusal to overwrite an existing output
	// file after collision increments were exhausted.
	ErrFileExists = fmt.Errorf("file already exists: %w", ErrInternal)

	ErrLayerNotFound = fmt.Errorf("layer: %w", ErrNotFound)
	ErrJobNotFound   = fmt.Errorf("job: %w", ErrNotFound)
)

// ValidationError reports a structurally invalid configuration entry.
type ValidationError struct {
	Field      string // Field that failed validation
	Value      any    // The invalid value
	Constraint string // The constraint that was violated
	Message    string // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// ConfigMismatchError reports a configuration entry whose lookup key did
// not resolve to exactly one source description. It is logged and the
// entry skipped; sibling entries in the same batch are unaffected.
type ConfigMismatchError struct {
	Config  *LayerConfiguration
	Matches int
}

// Error implements the error interface.
func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("configuration %s resolved to %d source layers, want exactly 1",
		e.Config, e.Matches)
}

// Unwrap returns the underlying error type.
func (e *ConfigMismatchError) Unwrap() error {
	return ErrInvalidInput
}

// ImportError reports a per-layer import failure. It is recorded against
// the failing entry without aborting sibling layers.
type ImportError struct {
	Layer string // Target layer name
	Stage string // Import stage that failed (open, schema, copy, raster)
	Err   error  // Underlying error
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	return fmt.Sprintf("import of layer %s failed during %s: %v", e.Layer, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *ImportError) Unwrap() error {
	return e.Err
}

// TargetError reports a target-store failure that is fatal for the
// affected layer.
type TargetError struct {
	Operation string // Operation that failed (open, ensure, field, write)
	Layer     string // Target layer name, empty for store-level failures
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *TargetError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("target error during %s for layer %s: %v", e.Operation, e.Layer, e.Err)
	}
	return fmt.Sprintf("target error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *TargetError) Unwrap() error {
	return e.Err
}

// StorageError reports an object-storage failure while acquiring an
// uploaded source.
type StorageError struct {
	Operation string // Operation that failed (download, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// HandlerError reports a failure inside one pipeline handler. The
// pipeline records it and continues; it never aborts sibling handlers.
type HandlerError struct {
	Handler string // Registered handler name
	Layer   string // Layer the handler was processing
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for layer %s: %v", e.Handler, e.Layer, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
