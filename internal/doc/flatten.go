package doc

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Pair is one leaf of a flattened document.
type Pair struct {
	Path  string
	Value any
}

// Flatten walks d depth-first and returns its scalar leaves. Nested
// documents join keys with "." and array members use an index suffix, so
//
//	{"tags": ["a","b"], "items": [{"name": "x"}]}
//
// flattens to tags[0], tags[1], items[0].name. Empty documents and arrays
// produce no leaves.
func Flatten(d Document) []Pair {
	var out []Pair
	flattenDoc("", d, &out)
	return out
}

func flattenDoc(prefix string, d Document, out *[]Pair) {
	for _, e := range d {
		key := e.Key
		if prefix != "" {
			key = prefix + "." + e.Key
		}
		flattenValue(key, e.Value, out)
	}
}

func flattenValue(path string, v any, out *[]Pair) {
	switch x := v.(type) {
	case Document:
		flattenDoc(path, x, out)
	case []any:
		for i, el := range x {
			flattenValue(path+"["+strconv.Itoa(i)+"]", el, out)
		}
	default:
		*out = append(*out, Pair{Path: path, Value: v})
	}
}

// FormatScalar renders a leaf value as CSV cell text.
func FormatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case ObjectID:
		return x.Hex()
	case uuid.UUID:
		return x.String()
	default:
		b, err := writeJSON(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func writeJSON(v any) ([]byte, error) {
	var d Document
	d = append(d, Elem{Key: "v", Value: v})
	b, err := d.MarshalJSON()
	if err != nil {
		return nil, err
	}
	// strip {"v": ... }
	return b[5 : len(b)-1], nil
}
