// Package csv streams delimited text into raw string rows.
//
// The reader is a thin layer over encoding/csv that:
//   - strips a UTF-8 BOM from the first header cell,
//   - reports the 1-based source line of every record,
//   - turns malformed records into *RowError values the caller can log and
//     skip, so a bad line never stops the stream. Errors from the underlying
//     reader are returned as they are and end the stream.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// Options configures a Reader.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// Lazy enables csv.Reader.LazyQuotes. The type analyzer reads lazily so
	// that a stray quote does not hide a whole row from voting; imports read
	// strictly so malformed rows surface as row errors.
	Lazy bool

	// Strict rejects rows wider than the header.
	Strict bool
}

// RowError describes a malformed row. The row is dropped; reading continues.
type RowError struct {
	Index int64 // set by StreamRows
	Line  int
	Err   error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// ErrNoHeader is returned by Header when the input has no records.
var ErrNoHeader = errors.New("csv: input has no header row")

// Reader yields header and data rows with their line numbers.
type Reader struct {
	cr     *csv.Reader
	opt    Options
	width  int
	header bool
}

// NewReader constructs a Reader over r.
func NewReader(r io.Reader, opt Options) *Reader {
	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.Lazy
	cr.FieldsPerRecord = -1 // width is enforced here, not by encoding/csv
	return &Reader{cr: cr, opt: opt}
}

// Header reads the first record. It must be called before Next.
func (r *Reader) Header() ([]string, error) {
	rec, err := r.cr.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		if isParseError(err) {
			return nil, &RowError{Line: errLine(err), Err: fmt.Errorf("read header: %w", err)}
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	r.header = true
	r.width = len(rec)
	return StripHeaderBOM(rec), nil
}

// Next returns the next data row and its starting line. Rows shorter than the
// header are padded with empty cells. A malformed row returns a *RowError;
// the caller may keep calling Next. io.EOF marks the end of input. Any other
// error comes from the underlying reader and is fatal.
func (r *Reader) Next() ([]string, int, error) {
	rec, err := r.cr.Read()
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		if !isParseError(err) {
			return nil, 0, err
		}
		line := errLine(err)
		return nil, line, &RowError{Line: line, Err: err}
	}
	line := 0
	if len(rec) > 0 {
		line, _ = r.cr.FieldPos(0)
	}
	if r.header && r.width > 0 {
		switch {
		case len(rec) > r.width && r.opt.Strict:
			return nil, line, &RowError{Line: line, Err: fmt.Errorf("row has %d fields, header has %d", len(rec), r.width)}
		case len(rec) < r.width:
			padded := make([]string, r.width)
			copy(padded, rec)
			rec = padded
		}
	}
	return rec, line, nil
}

func isParseError(err error) bool {
	var pe *csv.ParseError
	return errors.As(err, &pe)
}

func errLine(err error) int {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return pe.StartLine
	}
	return 0
}

// InputOffset returns the number of bytes consumed from the underlying reader.
func (r *Reader) InputOffset() int64 { return r.cr.InputOffset() }
