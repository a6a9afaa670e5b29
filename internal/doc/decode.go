package doc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewDecoder returns a json.Decoder configured for DecodeValue.
func NewDecoder(r io.Reader) *json.Decoder {
	d := json.NewDecoder(r)
	// UseNumber so integers survive without a float64 round-trip.
	d.UseNumber()
	return d
}

// DecodeValue reads exactly one JSON value from dec. Objects become
// Documents with their key order kept, integral numbers become int64 and
// other numbers float64. Extended JSON wrappers ($oid, $date, $uuid,
// $numberInt, $numberLong, $numberDouble) decode to their typed values.
//
// dec must have UseNumber set (see NewDecoder). io.EOF is returned unchanged
// when the stream has no further value.
func DecodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFrom(dec, tok)
}

// DecodeFrom decodes the value that starts with tok, a token the caller has
// already read from dec.
func DecodeFrom(dec *json.Decoder, tok json.Token) (any, error) {
	return decodeFrom(dec, tok)
}

func decodeFrom(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case json.Number:
		return numberValue(t)
	case string, bool, nil:
		return t, nil
	case float64:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected token %T", tok)
	}
}

func decodeObject(dec *json.Decoder) (any, error) {
	d := Document{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		key, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T", kt)
		}
		v, err := DecodeValue(dec)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		d = append(d, Elem{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, unexpectedEOF(err)
	}
	if v, ok := unwrapExtended(d); ok {
		return v, nil
	}
	return d, nil
}

func decodeArray(dec *json.Decoder) (any, error) {
	out := []any{}
	for dec.More() {
		v, err := DecodeValue(dec)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		out = append(out, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, unexpectedEOF(err)
	}
	return out, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func numberValue(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("number %q: %w", n, err)
	}
	return f, nil
}

// unwrapExtended maps single-key extended JSON objects back to typed values.
// Anything that does not parse cleanly is left as a plain Document.
func unwrapExtended(d Document) (any, bool) {
	if len(d) != 1 {
		return nil, false
	}
	s, ok := d[0].Value.(string)
	if !ok {
		return nil, false
	}
	switch d[0].Key {
	case "$oid":
		if id, err := ParseObjectID(s); err == nil {
			return id, true
		}
	case "$date":
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), true
		}
	case "$uuid":
		if u, err := uuid.Parse(s); err == nil {
			return u, true
		}
	case "$numberInt":
		if i, err := strconv.ParseInt(s, 10, 32); err == nil {
			return int32(i), true
		}
	case "$numberLong":
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	case "$numberDouble":
		switch s {
		case "NaN":
			return math.NaN(), true
		case "Infinity", "+Inf":
			return math.Inf(1), true
		case "-Infinity", "-Inf":
			return math.Inf(-1), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return nil, false
}

// Unmarshal decodes a single JSON document from b.
func Unmarshal(b []byte, out *Document) error {
	dec := NewDecoder(bytes.NewReader(b))
	v, err := DecodeValue(dec)
	if err != nil {
		return err
	}
	d, ok := v.(Document)
	if !ok {
		return fmt.Errorf("expected a JSON object, got %T", v)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON object")
	}
	*out = d
	return nil
}
