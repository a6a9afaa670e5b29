package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return p
}

// TestLocalOpen covers plain content, BOM handling, a missing file and a
// pre-canceled context.
func TestLocalOpen(t *testing.T) {
	t.Parallel()

	type tc struct {
		name            string
		prepare         func(t *testing.T) string
		makeCtx         func() context.Context
		wantErrIs       error
		wantErrContains string
		wantContent     string
	}

	cases := []tc{
		{
			name:        "plain_utf8",
			prepare:     func(t *testing.T) string { return writeFile(t, []byte("a,b\n1,2\n")) },
			makeCtx:     context.Background,
			wantContent: "a,b\n1,2\n",
		},
		{
			name:        "utf8_bom_dropped",
			prepare:     func(t *testing.T) string { return writeFile(t, []byte("\xef\xbb\xbfname\nAda\n")) },
			makeCtx:     context.Background,
			wantContent: "name\nAda\n",
		},
		{
			name: "utf16le_decoded",
			prepare: func(t *testing.T) string {
				// BOM + "a,b\n" in UTF-16LE.
				return writeFile(t, []byte{0xff, 0xfe, 'a', 0, ',', 0, 'b', 0, '\n', 0})
			},
			makeCtx:     context.Background,
			wantContent: "a,b\n",
		},
		{
			name:            "missing_file_errors_with_wrapping",
			prepare:         func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.csv") },
			makeCtx:         context.Background,
			wantErrIs:       os.ErrNotExist,
			wantErrContains: "open ",
		},
		{
			name:    "pre_canceled_context_short_circuits",
			prepare: func(t *testing.T) string { return writeFile(t, []byte("ignored")) },
			makeCtx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantErrIs: context.Canceled,
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			rc, err := Opener(c.prepare(t)).Open(c.makeCtx())
			if c.wantErrIs != nil {
				if !errors.Is(err, c.wantErrIs) {
					t.Fatalf("err=%v, want errors.Is %v", err, c.wantErrIs)
				}
				if c.wantErrContains != "" && !strings.Contains(err.Error(), c.wantErrContains) {
					t.Fatalf("err=%q, want substring %q", err, c.wantErrContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer rc.Close()
			b, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(b) != c.wantContent {
				t.Fatalf("content=%q want %q", b, c.wantContent)
			}
		})
	}
}

func TestLocalSize(t *testing.T) {
	t.Parallel()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name         string
		path         func(t *testing.T) string
		ctx          context.Context
		want         int64
		wantErr      bool
		wantNotExist bool
	}{
		{name: "file", path: func(t *testing.T) string { return writeFile(t, []byte("a,b\n1,2\n")) }, ctx: context.Background(), want: 8},
		{name: "directory", path: func(t *testing.T) string { return t.TempDir() }, ctx: context.Background(), wantErr: true},
		{name: "missing", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.csv") }, ctx: context.Background(), wantErr: true, wantNotExist: true},
		{name: "canceled", path: func(t *testing.T) string { return writeFile(t, nil) }, ctx: canceled, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n, err := NewLocal(tc.path(t)).Size(tc.ctx)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if tc.wantNotExist && !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("err=%v, want not-exist", err)
			}
			if n != tc.want {
				t.Fatalf("size=%d want %d", n, tc.want)
			}
		})
	}
}

func TestCreate_MakesParentDirs(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "a", "b", "out.json")
	f, err := Create(p)
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	if _, err := os.Stat(p); err != nil {
		t.Fatal(err)
	}
}
