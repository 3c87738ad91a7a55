// Package errors defines the error taxonomy shared by the compression
// packages. Import it as apperrors to avoid shadowing the standard library.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for reporting.
type Category string

const (
	CategoryInput   Category = "input"
	CategoryDecode  Category = "decode"
	CategoryCodec   Category = "codec"
	CategoryTask    Category = "task"
	CategoryPackage Category = "package"
	CategoryBatch   Category = "batch"
)

// Sentinel errors for batch-level and per-task failure modes.
var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNothingToPackage  = errors.New("nothing to package")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrBatchSuperseded   = errors.New("batch superseded by a newer run")
	ErrNameCollision     = errors.New("archive entry name collision")
	ErrEmptyInput        = errors.New("empty input")
)

// InvalidParameter returns an error wrapping ErrInvalidParameter.
func InvalidParameter(op, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// DecodeError reports that input bytes could not be turned into a raster.
type DecodeError struct {
	Format string
	Cause  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("[%s] decode %s: %v", CategoryDecode, e.Format, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// CodecError reports a failure inside a codec adapter. Op is "direct" or
// "raster".
type CodecError struct {
	Format string
	Op     string
	Cause  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("[%s] %s %s: %v", CategoryCodec, e.Format, e.Op, e.Cause)
}

func (e *CodecError) Unwrap() error { return e.Cause }

// NewCodecError builds a CodecError, returning nil for a nil cause.
func NewCodecError(format, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &CodecError{Format: format, Op: op, Cause: cause}
}

// TaskFailure is the terminal error of one file in a batch. It is recorded
// next to the batch and never fails the batch itself.
type TaskFailure struct {
	Identifier string
	Index      int
	Cause      error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("[%s] %s: %v", CategoryTask, e.Identifier, e.Cause)
}

func (e *TaskFailure) Unwrap() error { return e.Cause }

// CategoryOf returns the category of err, or "" when it is not one of ours.
func CategoryOf(err error) Category {
	var (
		de *DecodeError
		ce *CodecError
		tf *TaskFailure
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &tf):
		return CategoryTask
	case errors.As(err, &de):
		return CategoryDecode
	case errors.As(err, &ce):
		return CategoryCodec
	case errors.Is(err, ErrInvalidParameter):
		return CategoryInput
	case errors.Is(err, ErrNothingToPackage), errors.Is(err, ErrNameCollision):
		return CategoryPackage
	case errors.Is(err, ErrBatchSuperseded):
		return CategoryBatch
	}
	return ""
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// IsCodecError reports whether err carries a CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}
