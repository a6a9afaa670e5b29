package session

import (
	"errors"
	"fmt"

	"github.com/haohanyang/compass/internal/probe"
)

var (
	// ErrInProgress is returned when a run is requested while one is active.
	ErrInProgress = errors.New("operation already in progress")
	// ErrNotOpened is returned by operations that need an opened session.
	ErrNotOpened = errors.New("session is not opened")
	// ErrUnknownField is returned by SetField for a path the listing lacks.
	ErrUnknownField = errors.New("unknown field")
	// ErrNotCSV is returned by Analyze for JSON inputs.
	ErrNotCSV = errors.New("type analysis needs a CSV input")
	// ErrSourceChanged is wrapped in a FileAccessError when the input's
	// prefix no longer matches the fingerprint taken by Open.
	ErrSourceChanged = errors.New("source changed since it was opened")
)

// FormatDetectionError reports an input whose format was not recognized.
type FormatDetectionError struct {
	Path string
	Err  error
}

func (e *FormatDetectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FormatDetectionError) Unwrap() error { return e.Err }

// FileAccessError reports a missing or unreadable input, an unwritable error
// log or export destination, or an input that changed after it was opened.
type FileAccessError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// ParseError is a malformed row or line. The record is dropped.
type ParseError struct {
	Index int64
	Line  int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return e.Err.Error()
	}
	if e.Line > 0 {
		return fmt.Sprintf("record %d (line %d): %v", e.Index, e.Line, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldCastError is a value that could not be converted to its field type.
type FieldCastError struct {
	Index int64
	Field string
	Value string
	Type  probe.Type
	Err   error
}

func (e *FieldCastError) Error() string {
	return fmt.Sprintf("record %d: field %q: cannot cast %q to %s: %v", e.Index, e.Field, e.Value, e.Type, e.Err)
}

func (e *FieldCastError) Unwrap() error { return e.Err }

// WriteError is a rejection from the store. Index is -1 when the whole batch
// failed.
type WriteError struct {
	Index int64
	Err   error
}

func (e *WriteError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("write: %v", e.Err)
	}
	return fmt.Sprintf("record %d: write: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
