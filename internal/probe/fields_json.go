package probe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/haohanyang/compass/internal/doc"
	jsonparser "github.com/haohanyang/compass/internal/parser/json"
)

// DefaultSampleDocs is the number of documents ListJSONFields samples when
// none is configured.
const DefaultSampleDocs = 100

// JSONVariant maps a JSON format to the parser variant.
func JSONVariant(f Format) jsonparser.Variant {
	if f == FormatJSONL {
		return jsonparser.Lines
	}
	return jsonparser.Array
}

// ListJSONFields samples up to sampleDocs documents and returns every dotted
// path seen, in first-seen order, plus the sampled documents as a preview.
// Paths descend into nested documents but not into arrays.
func ListJSONFields(ctx context.Context, r io.Reader, f Format, sampleDocs int) ([]JSONField, []doc.Document, error) {
	if f != FormatJSON && f != FormatJSONL {
		return nil, nil, fmt.Errorf("list json fields: format %q is not JSON", f)
	}
	if sampleDocs <= 0 {
		sampleDocs = DefaultSampleDocs
	}
	jr := jsonparser.NewReader(r, JSONVariant(f))

	var (
		fields  []JSONField
		seen    = map[string]bool{}
		preview []doc.Document
	)
	for len(preview) < sampleDocs {
		if err := ctx.Err(); err != nil {
			return fields, preview, err
		}
		rec, err := jr.Next()
		if err == io.EOF {
			break
		}
		var re *jsonparser.RowError
		if errors.As(err, &re) {
			continue
		}
		if err != nil {
			if len(preview) > 0 {
				// Keep what was sampled; the import reports the error again.
				break
			}
			return nil, nil, fmt.Errorf("list json fields: %w", err)
		}
		preview = append(preview, rec.Doc)
		collectPaths("", rec.Doc, seen, &fields)
	}
	return fields, preview, nil
}

func collectPaths(prefix string, d doc.Document, seen map[string]bool, out *[]JSONField) {
	for _, e := range d {
		p := e.Key
		if prefix != "" {
			p = prefix + "." + e.Key
		}
		if !seen[p] {
			seen[p] = true
			*out = append(*out, JSONField{Path: p, Include: true})
		}
		if sub, ok := e.Value.(doc.Document); ok {
			collectPaths(p, sub, seen, out)
		}
	}
}
