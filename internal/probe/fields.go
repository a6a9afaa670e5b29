package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	csvparser "github.com/haohanyang/compass/internal/parser/csv"
)

// DefaultPreviewRows is the preview window used when none is configured.
const DefaultPreviewRows = 10

// Segment is one step of a header path: a key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParseHeader splits a CSV header into path segments:
//
//	"a.b[2].c"  -> a, b, [2], c
//	"m[0][1]"   -> m, [0], [1]
//
// Bracket suffixes that are not non-negative integers stay part of the key.
func ParseHeader(h string) []Segment {
	var segs []Segment
	for _, part := range strings.Split(h, ".") {
		key := part
		var idx []int
		for strings.HasSuffix(key, "]") {
			open := strings.LastIndexByte(key, '[')
			if open <= 0 {
				break
			}
			n, err := strconv.Atoi(key[open+1 : len(key)-1])
			if err != nil || n < 0 {
				break
			}
			idx = append([]int{n}, idx...)
			key = key[:open]
		}
		segs = append(segs, Segment{Key: key})
		for _, n := range idx {
			segs = append(segs, Segment{Index: n, IsIndex: true})
		}
	}
	return segs
}

// GroupPath renders segments with every index replaced by "[]".
func GroupPath(segs []Segment) string {
	var b strings.Builder
	for i, s := range segs {
		if s.IsIndex {
			b.WriteString("[]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

// Column ties a field to one header cell.
type Column struct {
	Index    int       `json:"index"`
	Header   string    `json:"header"`
	Segments []Segment `json:"-"`
}

// CSVField describes one logical CSV field. Columns whose headers group to the
// same path (tags[0], tags[1] -> tags[]) share a single CSVField.
type CSVField struct {
	Path       string           `json:"path"`
	IsArray    bool             `json:"isArray"`
	Include    bool             `json:"include"`
	TargetType Type             `json:"type"`
	Detection  *DetectionResult `json:"detection,omitempty"`
	Columns    []Column         `json:"columns"`

	// UserType is set when TargetType came from an override; analysis then
	// leaves TargetType alone.
	UserType bool `json:"userType,omitempty"`
}

// IsLeafArray reports whether the field is an array of scalars (tags[]) as
// opposed to a sub-field of an array of documents (items[].name).
func (f CSVField) IsLeafArray() bool {
	return strings.HasSuffix(f.Path, "[]")
}

// JSONField is a path found in sampled JSON documents. JSON values keep their
// parsed types, so only inclusion can be changed.
type JSONField struct {
	Path    string `json:"path"`
	Include bool   `json:"include"`
}

// FieldSet is the per-format field list owned by an import session. Exactly
// one of CSV and JSON is used, selected by Format.
type FieldSet struct {
	Format Format      `json:"format"`
	CSV    []CSVField  `json:"csv,omitempty"`
	JSON   []JSONField `json:"json,omitempty"`
}

// Paths returns the field paths of the active case.
func (s FieldSet) Paths() []string {
	var out []string
	if s.Format == FormatCSV {
		for _, f := range s.CSV {
			out = append(out, f.Path)
		}
		return out
	}
	for _, f := range s.JSON {
		out = append(out, f.Path)
	}
	return out
}

// GroupFields builds the field list for a header row. Header names are NFC
// normalized and blank headers are named fieldN (1-based). The result only
// depends on headers, so grouping the same header twice is identical.
func GroupFields(headers []string) []CSVField {
	var fields []CSVField
	byPath := make(map[string]int)
	for i, h := range headers {
		h = norm.NFC.String(h)
		if strings.TrimSpace(h) == "" {
			h = "field" + strconv.Itoa(i+1)
		}
		segs := ParseHeader(h)
		path := GroupPath(segs)
		col := Column{Index: i, Header: h, Segments: segs}
		if j, ok := byPath[path]; ok {
			fields[j].Columns = append(fields[j].Columns, col)
			continue
		}
		byPath[path] = len(fields)
		fields = append(fields, CSVField{
			Path:       path,
			IsArray:    strings.Contains(path, "[]"),
			Include:    true,
			TargetType: TypeString,
			Columns:    []Column{col},
		})
	}
	return fields
}

// ListOptions configures ListCSVFields.
type ListOptions struct {
	Delimiter   rune
	PreviewRows int
}

// Listing is the result of ListCSVFields. Preview is row-major and each row
// has one cell per field.
type Listing struct {
	Headers []string   `json:"headers"`
	Fields  []CSVField `json:"fields"`
	Preview [][]string `json:"preview"`
}

// ListCSVFields reads the header and up to PreviewRows data rows. Malformed
// preview rows are skipped.
func ListCSVFields(ctx context.Context, r io.Reader, opt ListOptions) (Listing, error) {
	if opt.PreviewRows <= 0 {
		opt.PreviewRows = DefaultPreviewRows
	}
	cr := csvparser.NewReader(r, csvparser.Options{Comma: opt.Delimiter, Lazy: true})
	headers, err := cr.Header()
	if err != nil {
		return Listing{}, fmt.Errorf("list fields: %w", err)
	}
	l := Listing{Headers: append([]string(nil), headers...), Fields: GroupFields(headers)}

	for len(l.Preview) < opt.PreviewRows {
		if err := ctx.Err(); err != nil {
			return l, err
		}
		rec, _, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			var re *csvparser.RowError
			if errors.As(err, &re) {
				continue
			}
			return l, fmt.Errorf("list fields: %w", err)
		}
		l.Preview = append(l.Preview, PreviewRow(l.Fields, rec))
	}
	return l, nil
}

// PreviewRow renders one data row with one cell per field. Blank members of a
// group are skipped.
func PreviewRow(fields []CSVField, rec []string) []string {
	row := make([]string, len(fields))
	for i, f := range fields {
		var vals []string
		for _, c := range f.Columns {
			if c.Index < len(rec) && rec[c.Index] != "" {
				vals = append(vals, rec[c.Index])
			}
		}
		switch {
		case !f.IsArray:
			if len(vals) > 0 {
				row[i] = vals[len(vals)-1]
			}
		case f.IsLeafArray():
			if vals == nil {
				vals = []string{}
			}
			b, _ := json.Marshal(vals)
			row[i] = string(b)
		default:
			row[i] = strings.Join(vals, ", ")
		}
	}
	return row
}
