// Package datasource defines where import bytes come from.
package datasource

import (
	"context"
	"io"
)

// Source opens a fresh stream from the start of the input on every call.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Opener returns a Source for a path. Sessions take one so tests can supply
// in-memory inputs.
type Opener func(path string) Source

// Sizer is implemented by sources that know their length before reading.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// Size returns the length of src, or 0 when src cannot report one.
func Size(ctx context.Context, src Source) (int64, error) {
	if sz, ok := src.(Sizer); ok {
		return sz.Size(ctx)
	}
	return 0, nil
}
