// Package transformer turns parsed source rows into documents.
//
// CSV rows go through a plan compiled once from the field list: only
// included fields are kept, each with its caster, and every header cell
// carries its parsed path so the hot loop never re-parses headers. JSON
// documents keep their parsed types and only have excluded paths removed.
package transformer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
)

// Options controls CSV document construction.
type Options struct {
	// IgnoreBlanks omits blank cells. Otherwise a blank cell becomes "".
	IgnoreBlanks bool
}

// FieldError is a non-fatal cast failure. The row is still produced with the
// raw string in place of the typed value.
type FieldError struct {
	Field  string
	Header string
	Value  string
	Type   probe.Type
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: cannot cast %q to %s: %v", e.Header, e.Value, e.Type, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }

type fieldPlan struct {
	path string
	typ  probe.Type
	cols []probe.Column
	cast caster
}

// CSV converts CSV rows into documents.
type CSV struct {
	plan []fieldPlan
	opt  Options
}

// NewCSV compiles the plan for the included fields.
func NewCSV(fields []probe.CSVField, opt Options) *CSV {
	t := &CSV{opt: opt}
	for _, f := range fields {
		if !f.Include {
			continue
		}
		typ := f.TargetType
		if typ == "" {
			typ = probe.TypeString
		}
		cols := make([]probe.Column, len(f.Columns))
		copy(cols, f.Columns)
		for i := range cols {
			if cols[i].Segments == nil {
				cols[i].Segments = probe.ParseHeader(cols[i].Header)
			}
		}
		t.plan = append(t.plan, fieldPlan{path: f.Path, typ: typ, cols: cols, cast: casterFor(typ)})
	}
	return t
}

// Transform builds one document from a row. Cast failures are returned
// alongside the document and never drop the row.
func (t *CSV) Transform(row []string) (doc.Document, []FieldError) {
	b := newBuilder()
	var errs []FieldError
	for _, fp := range t.plan {
		for _, c := range fp.cols {
			if c.Index >= len(row) {
				continue
			}
			cell := row[c.Index]
			if cell == "" {
				if t.opt.IgnoreBlanks {
					continue
				}
				b.set(c.Segments, "")
				continue
			}
			v, err := fp.cast(cell)
			if err != nil {
				errs = append(errs, FieldError{Field: fp.path, Header: c.Header, Value: cell, Type: fp.typ, Err: err})
				v = cell
			}
			b.set(c.Segments, v)
		}
	}
	return b.document(), errs
}

// --- document builder ---------------------------------------------------------

// objNode and arrNode hold a document under construction. Array members are
// keyed by their header index and compacted when the document is finished,
// so skipped blanks never leave holes.
type objNode struct {
	keys []string
	vals map[string]any
}

type arrNode struct {
	vals map[int]any
}

type builder struct{ root *objNode }

func newBuilder() *builder { return &builder{root: newObj()} }

func newObj() *objNode { return &objNode{vals: map[string]any{}} }

func newArr() *arrNode { return &arrNode{vals: map[int]any{}} }

// set stores v at segs. A later column wins over an earlier one when two
// headers resolve to the same location.
func (b *builder) set(segs []probe.Segment, v any) {
	var cur any = b.root
	for i, seg := range segs {
		last := i == len(segs)-1
		var next func() any
		if !last {
			if segs[i+1].IsIndex {
				next = func() any { return newArr() }
			} else {
				next = func() any { return newObj() }
			}
		}
		switch c := cur.(type) {
		case *objNode:
			key := seg.Key
			if seg.IsIndex {
				key = fmt.Sprintf("[%d]", seg.Index)
			}
			if _, ok := c.vals[key]; !ok {
				c.keys = append(c.keys, key)
			}
			if last {
				c.vals[key] = v
				return
			}
			child, ok := c.vals[key]
			if !ok || !sameKind(child, segs[i+1]) {
				child = next()
				c.vals[key] = child
			}
			cur = child
		case *arrNode:
			if last {
				c.vals[seg.Index] = v
				return
			}
			child, ok := c.vals[seg.Index]
			if !ok || !sameKind(child, segs[i+1]) {
				child = next()
				c.vals[seg.Index] = child
			}
			cur = child
		}
	}
}

func sameKind(node any, nextSeg probe.Segment) bool {
	switch node.(type) {
	case *arrNode:
		return nextSeg.IsIndex
	case *objNode:
		return !nextSeg.IsIndex
	}
	return false
}

func (b *builder) document() doc.Document { return b.root.finish() }

func (o *objNode) finish() doc.Document {
	d := make(doc.Document, 0, len(o.keys))
	for _, k := range o.keys {
		d = append(d, doc.Elem{Key: k, Value: finishValue(o.vals[k])})
	}
	return d
}

func (a *arrNode) finish() []any {
	idx := make([]int, 0, len(a.vals))
	for i := range a.vals {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]any, 0, len(idx))
	for _, i := range idx {
		out = append(out, finishValue(a.vals[i]))
	}
	return out
}

func finishValue(v any) any {
	switch n := v.(type) {
	case *objNode:
		return n.finish()
	case *arrNode:
		return n.finish()
	}
	return v
}

// --- JSON ---------------------------------------------------------------------

// JSON removes excluded paths from parsed documents.
type JSON struct {
	exclude [][]string
}

// NewJSON compiles the exclusion list. Excluding "a.b" removes only the
// nested key b under a.
func NewJSON(fields []probe.JSONField) *JSON {
	t := &JSON{}
	for _, f := range fields {
		if !f.Include {
			t.exclude = append(t.exclude, strings.Split(f.Path, "."))
		}
	}
	return t
}

// Transform returns d without the excluded paths. d is modified in place.
func (t *JSON) Transform(d doc.Document) doc.Document {
	for _, segs := range t.exclude {
		d = removePath(d, segs)
	}
	return d
}

func removePath(d doc.Document, segs []string) doc.Document {
	if len(segs) == 1 {
		return d.Delete(segs[0])
	}
	for i := range d {
		if d[i].Key != segs[0] {
			continue
		}
		if sub, ok := d[i].Value.(doc.Document); ok {
			d[i].Value = removePath(sub, segs[1:])
		}
	}
	return d
}
