// Package errs defines the error types reported by the segmentation engine.
// Stages wrap them with context using fmt.Errorf and %w, so callers match them
// with errors.As.
package errs

import "fmt"

// InvalidSpacingError reports a non-positive voxel spacing
type InvalidSpacingError struct {
	// Source is either "volume" or "target"
	Source string
	Axis   int
	Value  float64
}

func (e *InvalidSpacingError) Error() string {
	return fmt.Sprintf("invalid %s spacing on axis %d: %g (must be > 0)", e.Source, e.Axis, e.Value)
}

// ShapeMismatchError reports an inconsistency between a patch grid, a tensor and
// the data they are applied to
type ShapeMismatchError struct {
	Detail string
}

func (e *ShapeMismatchError) Error() string {
	return "shape mismatch: " + e.Detail
}

// ShapeMismatch builds a ShapeMismatchError with a formatted detail
func ShapeMismatch(format string, args ...interface{}) error {
	return &ShapeMismatchError{Detail: fmt.Sprintf(format, args...)}
}

// EmptyInputError reports an input with nothing to process: no slices, no folds
// or no patches
type EmptyInputError struct {
	What string
}

func (e *EmptyInputError) Error() string {
	return "empty input: " + e.What
}

// DegenerateThresholdError reports that Otsu's threshold is undefined because the
// volume holds a single intensity
type DegenerateThresholdError struct {
	Value float64
}

func (e *DegenerateThresholdError) Error() string {
	return fmt.Sprintf("cannot threshold constant volume (all voxels = %g)", e.Value)
}

// UnsupportedFormatError reports a file whose extension has no reader/writer
type UnsupportedFormatError struct {
	Path string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported volume format: %s", e.Path)
}

// NonFiniteError reports a NaN or infinite value where only finite values can be used
type NonFiniteError struct {
	What  string
	Value float64
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("non-finite value %g in %s", e.Value, e.What)
}

// DuplicateOutputError reports two inputs of one batch that map to the same
// output file
type DuplicateOutputError struct {
	Output string
	// Previous is the input that was assigned Output first
	Previous string
}

func (e *DuplicateOutputError) Error() string {
	return fmt.Sprintf("output %s is already written for %s", e.Output, e.Previous)
}
