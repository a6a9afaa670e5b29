// Package export streams documents out of a store into a CSV, JSON array or
// JSON-lines file. It mirrors the import writer: pages come from a
// storage.Cursor, progress is throttled, and cancellation yields a partial
// file with Aborted set rather than an error.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/progress"
	"github.com/haohanyang/compass/internal/storage"
)

// Options controls Run.
type Options struct {
	Format probe.Format
	// Fields selects columns for CSV (flattened paths, e.g. tags[0]) and
	// projects JSON output to the given dotted paths. Empty means all; for
	// CSV the header is then gathered with GatherFields.
	Fields    []string
	BatchSize int
	Limit     int64

	ProgressInterval time.Duration
}

// Hooks receive notifications from Run. All fields are optional.
type Hooks struct {
	OnProgress progress.Func
	// OnError is called for a document that could not be encoded. The
	// export continues.
	OnError func(index int64, err error)
}

// Result summarizes an export.
type Result struct {
	Processed int64    `json:"processed"`
	Exported  int64    `json:"exported"`
	Errors    int64    `json:"errors"`
	Bytes     int64    `json:"bytes"`
	Fields    []string `json:"fields,omitempty"`
	Aborted   bool     `json:"aborted"`
}

// Run exports ns to w.
func Run(ctx context.Context, store storage.Store, ns storage.Namespace, w io.Writer, opt Options, hooks Hooks) (Result, error) {
	var res Result
	enc, err := newEncoder(opt.Format)
	if err != nil {
		return res, err
	}

	fields := opt.Fields
	if opt.Format == probe.FormatCSV && len(fields) == 0 {
		fields, err = GatherFields(ctx, store, ns, GatherOptions{BatchSize: opt.BatchSize, Limit: opt.Limit})
		if err != nil {
			if ctx.Err() != nil {
				res.Aborted = true
				return res, nil
			}
			return res, fmt.Errorf("gather fields: %w", err)
		}
	}
	res.Fields = fields

	cur, err := store.Find(ctx, ns, storage.FindOptions{BatchSize: opt.BatchSize, Limit: opt.Limit})
	if err != nil {
		return res, fmt.Errorf("find %s: %w", ns, err)
	}
	defer cur.Close()

	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	interval := opt.ProgressInterval
	if interval == 0 {
		interval = progress.DefaultInterval
	}
	th := progress.NewThrottle(interval, hooks.OnProgress)
	snapshot := func() progress.Update {
		return progress.Update{Bytes: cw.n + int64(bw.Buffered()), Processed: res.Processed, Written: res.Exported}
	}
	finish := func() {
		res.Bytes = cw.n
		th.Final(snapshot())
	}

	if err := enc.begin(bw, fields); err != nil {
		return res, fmt.Errorf("write header: %w", err)
	}

	start := time.Now()
	var index int64
	for ctx.Err() == nil && cur.Next(ctx) {
		d := cur.Doc()
		res.Processed++
		if err := enc.write(bw, d, fields, res.Exported == 0); err != nil {
			if isWriteErr(err) {
				finish()
				return res, fmt.Errorf("write: %w", err)
			}
			res.Errors++
			if hooks.OnError != nil {
				hooks.OnError(index, err)
			}
		} else {
			res.Exported++
		}
		index++
		th.Report(snapshot())
	}
	if err := cur.Err(); err != nil && ctx.Err() == nil {
		_ = enc.end(bw)
		_ = bw.Flush()
		finish()
		return res, fmt.Errorf("read %s: %w", ns, err)
	}
	res.Aborted = ctx.Err() != nil

	if err := enc.end(bw); err != nil {
		finish()
		return res, fmt.Errorf("write trailer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		finish()
		return res, fmt.Errorf("flush: %w", err)
	}
	finish()
	log.Printf("export: ns=%s format=%s exported=%d errors=%d aborted=%v elapsed=%s",
		ns, opt.Format, res.Exported, res.Errors, res.Aborted, time.Since(start).Truncate(time.Millisecond))
	return res, nil
}

// GatherOptions bounds GatherFields.
type GatherOptions struct {
	BatchSize int
	// Limit caps the number of documents scanned. Zero scans all.
	Limit int64
}

// GatherFields returns the union of flattened paths over the scanned
// documents in first-seen order. ctx is checked before every document.
func GatherFields(ctx context.Context, store storage.Store, ns storage.Namespace, opt GatherOptions) ([]string, error) {
	cur, err := store.Find(ctx, ns, storage.FindOptions{BatchSize: opt.BatchSize, Limit: opt.Limit})
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	seen := map[string]bool{}
	var out []string
	for cur.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, p := range doc.Flatten(cur.Doc()) {
			if !seen[p.Path] {
				seen[p.Path] = true
				out = append(out, p.Path)
			}
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- encoders ----

type encoder interface {
	begin(w *bufio.Writer, fields []string) error
	write(w *bufio.Writer, d doc.Document, fields []string, first bool) error
	end(w *bufio.Writer) error
}

func newEncoder(f probe.Format) (encoder, error) {
	switch f {
	case probe.FormatCSV:
		return &csvEncoder{}, nil
	case probe.FormatJSON:
		return jsonArrayEncoder{}, nil
	case probe.FormatJSONL:
		return jsonLinesEncoder{}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

// writeErr marks failures of the destination writer, which end the export.
type writeErr struct{ err error }

func (e writeErr) Error() string { return e.err.Error() }
func (e writeErr) Unwrap() error { return e.err }

func isWriteErr(err error) bool {
	_, ok := err.(writeErr)
	return ok
}

type csvEncoder struct {
	cw  *csv.Writer
	row []string
}

func (e *csvEncoder) begin(w *bufio.Writer, fields []string) error {
	e.cw = csv.NewWriter(w)
	e.row = make([]string, len(fields))
	if err := e.cw.Write(fields); err != nil {
		return writeErr{err}
	}
	return nil
}

func (e *csvEncoder) write(_ *bufio.Writer, d doc.Document, fields []string, _ bool) error {
	vals := make(map[string]string)
	for _, p := range doc.Flatten(d) {
		vals[p.Path] = doc.FormatScalar(p.Value)
	}
	for i, f := range fields {
		e.row[i] = vals[f]
	}
	if err := e.cw.Write(e.row); err != nil {
		return writeErr{err}
	}
	return nil
}

func (e *csvEncoder) end(*bufio.Writer) error {
	e.cw.Flush()
	if err := e.cw.Error(); err != nil {
		return writeErr{err}
	}
	return nil
}

type jsonArrayEncoder struct{}

func (jsonArrayEncoder) begin(w *bufio.Writer, _ []string) error {
	_, err := w.WriteString("[")
	return wrapWrite(err)
}

func (jsonArrayEncoder) write(w *bufio.Writer, d doc.Document, fields []string, first bool) error {
	b, err := project(d, fields).MarshalJSON()
	if err != nil {
		return err
	}
	sep := ",\n"
	if first {
		sep = "\n"
	}
	if _, err := w.WriteString(sep); err != nil {
		return writeErr{err}
	}
	_, err = w.Write(b)
	return wrapWrite(err)
}

func (jsonArrayEncoder) end(w *bufio.Writer) error {
	_, err := w.WriteString("\n]\n")
	return wrapWrite(err)
}

type jsonLinesEncoder struct{}

func (jsonLinesEncoder) begin(*bufio.Writer, []string) error { return nil }

func (jsonLinesEncoder) write(w *bufio.Writer, d doc.Document, fields []string, _ bool) error {
	b, err := project(d, fields).MarshalJSON()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return writeErr{err}
	}
	return wrapWrite(w.WriteByte('\n'))
}

func (jsonLinesEncoder) end(*bufio.Writer) error { return nil }

func wrapWrite(err error) error {
	if err != nil {
		return writeErr{err}
	}
	return nil
}

// project keeps only the given dotted paths. Index suffixes select the whole
// array.
func project(d doc.Document, fields []string) doc.Document {
	if len(fields) == 0 {
		return d
	}
	var out doc.Document
	for _, f := range fields {
		if i := strings.IndexByte(f, '['); i >= 0 {
			f = f[:i]
		}
		v, ok := d.Lookup(f)
		if !ok {
			continue
		}
		out = setPath(out, strings.Split(f, "."), v)
	}
	return out
}

func setPath(d doc.Document, segs []string, v any) doc.Document {
	if len(segs) == 1 {
		if _, ok := d.Get(segs[0]); !ok {
			d = append(d, doc.Elem{Key: segs[0], Value: v})
		}
		return d
	}
	for i := range d {
		if d[i].Key == segs[0] {
			if sub, ok := d[i].Value.(doc.Document); ok {
				d[i].Value = setPath(sub, segs[1:], v)
			}
			return d
		}
	}
	return append(d, doc.Elem{Key: segs[0], Value: setPath(nil, segs[1:], v)})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
