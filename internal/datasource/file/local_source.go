// Package file implements a local filesystem-backed data source.
//
// Streams are decoded on the fly: a UTF-16 byte order mark switches to the
// matching decoder and a UTF-8 byte order mark is dropped. Input without a BOM
// passes through untouched.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/haohanyang/compass/internal/datasource"
)

// Local is a filesystem data source that opens files from the local disk.
type Local struct{ path string }

var (
	_ datasource.Source = (*Local)(nil)
	_ datasource.Sizer  = (*Local)(nil)
)

// NewLocal returns a Local bound to path.
func NewLocal(path string) *Local { return &Local{path: path} }

// Opener is a datasource.Opener for local files.
func Opener(path string) datasource.Source { return NewLocal(path) }

// Path returns the bound path.
func (l *Local) Path() string { return l.path }

// Open opens the configured path for sequential reading.
//
// If ctx is already done, Open returns its error without touching the
// filesystem. Filesystem errors are wrapped with the path and still match
// errors.Is(err, os.ErrNotExist) and friends.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	adviseSequential(f)
	return &decodingReader{
		Reader: transform.NewReader(f, unicode.BOMOverride(encoding.Nop.NewDecoder())),
		f:      f,
	}, nil
}

// Size stats the file. A directory is an error.
func (l *Local) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st, err := os.Stat(l.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", l.path, err)
	}
	if st.IsDir() {
		return 0, fmt.Errorf("%s is a directory", l.path)
	}
	return st.Size(), nil
}

type decodingReader struct {
	io.Reader
	f *os.File
}

func (r *decodingReader) Close() error { return r.f.Close() }

// Create creates (or truncates) path for writing, making parent directories
// as needed.
func Create(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, nil
}
