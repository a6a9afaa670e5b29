package probe

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haohanyang/compass/internal/doc"
)

// Type is a field type as presented to users and applied by the transformer.
type Type string

const (
	TypeString   Type = "string"
	TypeNumber   Type = "number"
	TypeInt      Type = "int"
	TypeLong     Type = "long"
	TypeDouble   Type = "double"
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeObjectID Type = "objectId"
	TypeUUID     Type = "uuid"
	TypeNull     Type = "null"
	TypeMixed    Type = "mixed"
)

var allTypes = []Type{
	TypeString, TypeNumber, TypeInt, TypeLong, TypeDouble, TypeBoolean,
	TypeDate, TypeObjectID, TypeUUID, TypeNull, TypeMixed,
}

// ParseType validates a type name. Matching is case-insensitive.
func ParseType(s string) (Type, error) {
	for _, t := range allTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown type %q", s)
}

// IsNumeric reports whether t is one of the numeric types.
func (t Type) IsNumeric() bool {
	switch t {
	case TypeNumber, TypeInt, TypeLong, TypeDouble:
		return true
	}
	return false
}

// Classify returns the single type a raw cell votes for. Order matters: the
// first matching rule wins, so "1" is an int rather than a boolean or date.
//
//	null      literal null
//	int       integer in int32 range
//	long      integer in int64 range
//	double    finite float
//	boolean   true / false (any case)
//	objectId  24 hex characters
//	uuid      canonical 36 character UUID
//	date      one of the date or timestamp layouts
//	string    anything else, including the empty string
func Classify(s string) Type {
	v := strings.TrimSpace(s)
	if v == "" {
		return TypeString
	}
	if v == "null" {
		return TypeNull
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return TypeInt
		}
		return TypeLong
	}
	if isFloat(v) {
		return TypeDouble
	}
	if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
		return TypeBoolean
	}
	if doc.IsObjectIDHex(v) {
		return TypeObjectID
	}
	if len(v) == 36 {
		if _, err := uuid.Parse(v); err == nil {
			return TypeUUID
		}
	}
	if _, ok := ParseDate(v); ok {
		return TypeDate
	}
	return TypeString
}

// isFloat accepts decimal or scientific notation floats but not the special
// spellings strconv also parses (inf, nan, hex floats).
func isFloat(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9', c == '.', c == '-', c == '+', c == 'e', c == 'E':
		default:
			return false
		}
	}
	return true
}

// ParseDate parses s with the timestamp layouts first, then the date
// layouts. Results are UTC.
func ParseDate(s string) (time.Time, bool) {
	st := strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, st); err == nil {
			return ts.UTC(), true
		}
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, st); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// dateLayouts are common date formats (no time component). Day-first forms
// come before month-first ones, so 02/03/2024 is the 2nd of March.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"2006/01/02",
}

// timestampLayouts are common timestamp formats (with time component).
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
}

// DetectionResult is the outcome of voting for one field.
type DetectionResult struct {
	Counts   map[Type]int `json:"counts"`
	Detected Type         `json:"detected"`
}

// Vote adds one classified value.
func (d *DetectionResult) Vote(t Type) {
	if d.Counts == nil {
		d.Counts = make(map[Type]int)
	}
	d.Counts[t]++
}

// Total returns the number of votes cast.
func (d *DetectionResult) Total() int {
	n := 0
	for _, c := range d.Counts {
		n += c
	}
	return n
}

// Resolve picks the detected type from the counts:
//
//  1. no votes                                  -> string
//  2. only null votes                           -> null
//  3. one non-null type                         -> that type
//  4. only numeric types (int, long, double)    -> the widest of them
//  5. anything else                             -> mixed
//
// Null votes never count as counter-examples.
func (d *DetectionResult) Resolve() Type {
	if d.Total() == 0 {
		d.Detected = TypeString
		return d.Detected
	}
	var seen []Type
	for _, t := range allTypes {
		if t == TypeNull {
			continue
		}
		if d.Counts[t] > 0 {
			seen = append(seen, t)
		}
	}
	switch {
	case len(seen) == 0:
		d.Detected = TypeNull
	case len(seen) == 1:
		d.Detected = seen[0]
	case allNumeric(seen):
		d.Detected = widestNumeric(seen)
	default:
		d.Detected = TypeMixed
	}
	return d.Detected
}

func allNumeric(ts []Type) bool {
	for _, t := range ts {
		if !t.IsNumeric() {
			return false
		}
	}
	return true
}

func widestNumeric(ts []Type) Type {
	rank := map[Type]int{TypeInt: 1, TypeLong: 2, TypeDouble: 3, TypeNumber: 4}
	best := ts[0]
	for _, t := range ts[1:] {
		if rank[t] > rank[best] {
			best = t
		}
	}
	return best
}
