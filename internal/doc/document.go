// Package doc holds the ordered document model shared by the import and
// export pipelines.
//
// A Document keeps its keys in insertion order, so documents built from a CSV
// row follow the column order and documents read from JSON keep the order of
// the source. Values are one of:
//
//	string, int32, int64, float64, bool, nil,
//	time.Time, ObjectID, uuid.UUID,
//	Document, []any
package doc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Elem is a single key/value entry.
type Elem struct {
	Key   string
	Value any
}

// Document is an ordered set of fields.
type Document []Elem

// Get returns the value stored under key.
func (d Document) Get(key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, or appends a new entry.
func (d *Document) Set(key string, v any) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = v
			return
		}
	}
	*d = append(*d, Elem{Key: key, Value: v})
}

// Delete returns d without key. The receiver's backing array is reused.
func (d Document) Delete(key string) Document {
	out := d[:0]
	for _, e := range d {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}

// Keys returns the keys in order.
func (d Document) Keys() []string {
	keys := make([]string, len(d))
	for i, e := range d {
		keys[i] = e.Key
	}
	return keys
}

// Lookup resolves a dotted path through nested documents.
func (d Document) Lookup(path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := d.Get(head)
	if !ok || !nested {
		return v, ok
	}
	sub, ok := v.(Document)
	if !ok {
		return nil, false
	}
	return sub.Lookup(rest)
}

// MarshalJSON emits the fields in order. Non-JSON scalars are written as
// relaxed extended JSON wrappers ($oid, $date, $uuid).
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeDocument(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDocument(buf *bytes.Buffer, d Document) error {
	buf.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(e.Key)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := writeValue(buf, e.Value); err != nil {
			return fmt.Errorf("field %q: %w", e.Key, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case Document:
		return writeDocument(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case time.Time:
		buf.WriteString(`{"$date":`)
		buf.WriteString(strconv.Quote(x.UTC().Format(time.RFC3339Nano)))
		buf.WriteByte('}')
		return nil
	case uuid.UUID:
		buf.WriteString(`{"$uuid":"`)
		buf.WriteString(x.String())
		buf.WriteString(`"}`)
		return nil
	case float64:
		// encoding/json rejects NaN and Inf; keep them representable.
		if math.IsNaN(x) || math.IsInf(x, 0) {
			buf.WriteString(`{"$numberDouble":`)
			buf.WriteString(strconv.Quote(strconv.FormatFloat(x, 'g', -1, 64)))
			buf.WriteByte('}')
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// ObjectID is a 12-byte document identifier rendered as 24 hex characters.
type ObjectID [12]byte

// ErrInvalidObjectID is returned when a string is not 24 hex characters.
var ErrInvalidObjectID = errors.New("invalid ObjectID")

var (
	oidCounter = randUint32()
	oidProcess = randProcess()
)

// NewObjectID generates a new id from the current time, a per-process random
// value and a counter.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], oidProcess[:])
	c := atomic.AddUint32(&oidCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// ParseObjectID parses a 24 character hex string.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, ErrInvalidObjectID
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, ErrInvalidObjectID
	}
	return id, nil
}

// IsObjectIDHex reports whether s is 24 hex characters.
func IsObjectIDHex(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// Hex returns the 24 character hex form.
func (id ObjectID) Hex() string { return hex.EncodeToString(id[:]) }

func (id ObjectID) String() string { return id.Hex() }

// MarshalJSON writes {"$oid": "<hex>"}.
func (id ObjectID) MarshalJSON() ([]byte, error) {
	return []byte(`{"$oid":"` + id.Hex() + `"}`), nil
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func randProcess() [5]byte {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return b
}
