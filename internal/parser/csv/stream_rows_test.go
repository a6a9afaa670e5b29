package csv

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func TestReader_HeaderStripsBOMAndPadsShortRows(t *testing.T) {
	src := "\uFEFFname,age\nAda,36\nBo\n"
	r := NewReader(strings.NewReader(src), Options{})

	hdr, err := r.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if !reflect.DeepEqual(hdr, []string{"name", "age"}) {
		t.Fatalf("header=%q", hdr)
	}

	rec, line, err := r.Next()
	if err != nil || line != 2 || !reflect.DeepEqual(rec, []string{"Ada", "36"}) {
		t.Fatalf("row1 = %q line=%d err=%v", rec, line, err)
	}
	rec, line, err = r.Next()
	if err != nil || line != 3 || !reflect.DeepEqual(rec, []string{"Bo", ""}) {
		t.Fatalf("row2 = %q line=%d err=%v", rec, line, err)
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("want EOF, got %v", err)
	}
}

func TestReader_EmptyInput(t *testing.T) {
	r := NewReader(strings.NewReader(""), Options{})
	if _, err := r.Header(); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("want ErrNoHeader, got %v", err)
	}
}

func TestReader_StrictRejectsWideRows(t *testing.T) {
	r := NewReader(strings.NewReader("a,b\n1,2,3\n4,5\n"), Options{Strict: true})
	if _, err := r.Header(); err != nil {
		t.Fatal(err)
	}
	_, line, err := r.Next()
	var re *RowError
	if !errors.As(err, &re) || line != 2 {
		t.Fatalf("want RowError at line 2, got line=%d err=%v", line, err)
	}
	rec, _, err := r.Next()
	if err != nil || !reflect.DeepEqual(rec, []string{"4", "5"}) {
		t.Fatalf("reader did not recover: rec=%q err=%v", rec, err)
	}
}

func TestStreamRows_SkipsMalformedAndReportsLine(t *testing.T) {
	// Line 3 has a bare quote inside an unquoted field.
	src := "a;b\n1;2\nx\"y;3\n4;5\n"
	out := make(chan Record, 8)
	var errLines []int
	var errIndex []int64

	err := StreamRows(context.Background(), strings.NewReader(src), Options{Comma: ';'}, out,
		func(re *RowError) bool {
			errLines = append(errLines, re.Line)
			errIndex = append(errIndex, re.Index)
			return true
		})
	close(out)
	if err != nil {
		t.Fatalf("StreamRows: %v", err)
	}

	var got [][]string
	var idx []int64
	for rec := range out {
		got = append(got, rec.Cells)
		idx = append(idx, rec.Index)
	}
	want := [][]string{{"1", "2"}, {"4", "5"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rows=%q want %q", got, want)
	}
	if !reflect.DeepEqual(idx, []int64{0, 2}) {
		t.Fatalf("indexes=%v", idx)
	}
	if !reflect.DeepEqual(errLines, []int{3}) || !reflect.DeepEqual(errIndex, []int64{1}) {
		t.Fatalf("error lines=%v indexes=%v", errLines, errIndex)
	}
}

func TestStreamRows_OnErrFalseStops(t *testing.T) {
	src := "a\n\"bad\"x\nok\n"
	out := make(chan Record, 8)
	err := StreamRows(context.Background(), strings.NewReader(src), Options{}, out,
		func(*RowError) bool { return false })
	close(out)
	var re *RowError
	if !errors.As(err, &re) {
		t.Fatalf("want RowError, got %v", err)
	}
	if n := len(out); n != 0 {
		t.Fatalf("rows after stop = %d", n)
	}
}

func TestStreamRows_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan Record)
	err := StreamRows(ctx, strings.NewReader("a\n1\n2\n"), Options{}, out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestStreamRows_ReadErrorIsFatal(t *testing.T) {
	t.Parallel()
	eio := errors.New("input/output error")
	tests := []struct {
		name     string
		src      io.Reader
		wantRows int
	}{
		{"after rows", io.MultiReader(strings.NewReader("a,b\n1,2\n"), iotest.ErrReader(eio)), 1},
		{"before header", iotest.ErrReader(eio), 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := make(chan Record, 8)
			calls := 0
			done := make(chan error, 1)
			go func() {
				done <- StreamRows(context.Background(), tc.src, Options{}, out, func(*RowError) bool {
					calls++
					return true
				})
			}()
			var err error
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("StreamRows did not return")
			}
			close(out)
			if !errors.Is(err, eio) {
				t.Fatalf("err=%v", err)
			}
			var re *RowError
			if errors.As(err, &re) {
				t.Fatalf("read error surfaced as row error: %v", err)
			}
			if calls != 0 {
				t.Fatalf("onErr called %d times", calls)
			}
			if n := len(out); n != tc.wantRows {
				t.Fatalf("rows=%d want %d", n, tc.wantRows)
			}
		})
	}
}
