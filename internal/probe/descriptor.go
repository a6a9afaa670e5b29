package probe

import (
	"context"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"

	"github.com/haohanyang/compass/internal/datasource"
)

// InputDescriptor identifies the file selected for import. It is created when
// the file is opened and not changed afterwards; changing the delimiter
// produces a new descriptor.
type InputDescriptor struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Format      Format `json:"format"`
	Delimiter   rune   `json:"delimiter,omitempty"`
	Fingerprint uint64 `json:"fingerprint"`
}

// WithDelimiter returns a copy using delim.
func (d InputDescriptor) WithDelimiter(delim rune) InputDescriptor {
	d.Delimiter = delim
	return d
}

// Describe sizes src and runs DetectFormat on its prefix. Size is 0 when
// src cannot report one.
func Describe(ctx context.Context, path string, src datasource.Source) (InputDescriptor, error) {
	size, err := datasource.Size(ctx, src)
	if err != nil {
		return InputDescriptor{}, err
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return InputDescriptor{}, err
	}
	defer rc.Close()

	det, err := DetectFormat(rc)
	desc := InputDescriptor{
		Path:        path,
		Size:        size,
		Format:      det.Format,
		Delimiter:   det.Delimiter,
		Fingerprint: det.Fingerprint,
	}
	return desc, err
}

// Fingerprint hashes the same bounded prefix DetectFormat looks at.
func Fingerprint(r io.Reader) (uint64, error) {
	buf := make([]byte, SniffBytes)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, fmt.Errorf("read prefix: %w", err)
	}
	return xxh3.Hash(buf[:n]), nil
}
