// Package json streams JSON documents from a JSON array or from a
// line-delimited (JSONL / NDJSON) input without loading the whole input.
//
// Array inputs are decoded element by element through encoding/json's token
// API. A syntax error inside an array cannot be resynchronized and ends the
// stream; a non-object element is reported and skipped. Line-delimited
// inputs are read line by line, so a malformed line is reported and the next
// line is read normally.
package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/haohanyang/compass/internal/doc"
)

// Variant selects the input layout.
type Variant int

const (
	// Array is a top-level JSON array of documents. A single top-level object
	// is accepted as a one-document input.
	Array Variant = iota
	// Lines is one JSON document per line.
	Lines
)

func (v Variant) String() string {
	if v == Lines {
		return "jsonl"
	}
	return "json"
}

// RowError is a recoverable per-document error.
type RowError struct {
	Index int64 // 0-based document position
	Line  int   // source line (Lines variant only)
	Err   error
}

func (e *RowError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("document %d: %v", e.Index, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// SyntaxError is malformed input the reader cannot skip past. It ends the
// stream; Index is the document being decoded.
type SyntaxError struct {
	Index int64
	Err   error
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("document %d: %v", e.Index, e.Err) }

func (e *SyntaxError) Unwrap() error { return e.Err }

// sourceReader remembers the first error of the underlying reader, so that
// decoder failures can be told apart from read failures.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// Record is one decoded document.
type Record struct {
	Index int64
	Line  int
	Doc   doc.Document
}

// Reader pulls documents one at a time.
type Reader struct {
	variant Variant

	src     *sourceReader
	dec     *json.Decoder
	started bool
	done    bool

	br   *bufio.Reader
	line int

	index int64
}

// NewReader constructs a Reader for the given variant.
func NewReader(r io.Reader, v Variant) *Reader {
	rd := &Reader{variant: v}
	if v == Lines {
		rd.br = bufio.NewReaderSize(r, 64<<10)
	} else {
		rd.src = &sourceReader{r: r}
		rd.dec = doc.NewDecoder(rd.src)
	}
	return rd
}

// Next returns the next document. Recoverable problems come back as
// *RowError and the caller may continue; io.EOF ends the stream. A
// *SyntaxError and any read error are fatal.
func (r *Reader) Next() (Record, error) {
	if r.variant == Lines {
		return r.nextLine()
	}
	return r.nextElement()
}

func (r *Reader) nextElement() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}
	if !r.started {
		r.started = true
		tok, err := r.dec.Token()
		if err == io.EOF {
			r.done = true
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, r.fatal(fmt.Errorf("json: read root: %w", err))
		}
		switch tok {
		case json.Delim('['):
		case json.Delim('{'):
			v, err := doc.DecodeFrom(r.dec, tok)
			r.done = true
			if err != nil {
				return Record{}, r.fatal(fmt.Errorf("json: decode root object: %w", err))
			}
			return r.emit(v, 0)
		default:
			return Record{}, r.fatal(fmt.Errorf("json: unsupported root %v (want array of documents)", tok))
		}
	}

	if !r.dec.More() {
		r.done = true
		if _, err := r.dec.Token(); err != nil {
			return Record{}, r.fatal(fmt.Errorf("json: close array: %w", err))
		}
		return Record{}, io.EOF
	}
	v, err := doc.DecodeValue(r.dec)
	if err != nil {
		r.done = true
		return Record{}, r.fatal(fmt.Errorf("json: %w", err))
	}
	return r.emit(v, 0)
}

// fatal classifies an array decoding failure. A failed read is returned as
// is; everything else is a SyntaxError at the current document.
func (r *Reader) fatal(err error) error {
	if r.src.err != nil {
		return fmt.Errorf("json: read: %w", r.src.err)
	}
	return &SyntaxError{Index: r.index, Err: err}
}

func (r *Reader) nextLine() (Record, error) {
	for {
		b, err := r.br.ReadBytes('\n')
		if len(b) == 0 && err == io.EOF {
			return Record{}, io.EOF
		}
		if err != nil && err != io.EOF {
			return Record{}, fmt.Errorf("jsonl: read: %w", err)
		}
		r.line++
		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			if err == io.EOF {
				return Record{}, io.EOF
			}
			continue
		}
		var d doc.Document
		if perr := doc.Unmarshal(b, &d); perr != nil {
			idx := r.index
			r.index++
			return Record{}, &RowError{Index: idx, Line: r.line, Err: perr}
		}
		return r.emit(d, r.line)
	}
}

func (r *Reader) emit(v any, line int) (Record, error) {
	idx := r.index
	r.index++
	d, ok := v.(doc.Document)
	if !ok {
		return Record{}, &RowError{Index: idx, Line: line, Err: fmt.Errorf("not a document (got %T)", v)}
	}
	return Record{Index: idx, Line: line, Doc: d}, nil
}

// StreamDocuments reads src and sends every document to out.
//
// Recoverable errors are passed to onErr; returning false stops the stream
// and StreamDocuments returns that error. Cancellation is checked before
// every document and while waiting on out.
func StreamDocuments(
	ctx context.Context,
	src io.Reader,
	v Variant,
	out chan<- Record,
	onErr func(err *RowError) bool,
) error {
	r := NewReader(src, v)

	const logEveryN = 100_000
	seen := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var re *RowError
			if !errors.As(err, &re) {
				return err
			}
			if onErr != nil && !onErr(re) {
				return err
			}
			continue
		}

		select {
		case out <- rec:
			seen++
			if seen%logEveryN == 0 {
				log.Printf("reader: %s documents=%d", v, seen)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
