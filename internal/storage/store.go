// Package storage defines the backing-store contract used by imports and
// exports, a registry of backends keyed by kind, and the batch writer that
// feeds documents into a store.
//
// The store is borrowed: sessions use it for the duration of a run but never
// close it. Whoever called New owns Close.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haohanyang/compass/internal/doc"
)

// Namespace is a database-qualified collection.
type Namespace struct {
	Database   string
	Collection string
}

// ErrInvalidNamespace is returned by ParseNamespace.
var ErrInvalidNamespace = errors.New("namespace must be database.collection")

// ParseNamespace splits "db.coll" on its first dot.
func ParseNamespace(s string) (Namespace, error) {
	db, coll, ok := strings.Cut(s, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, s)
	}
	return Namespace{Database: db, Collection: coll}, nil
}

func (n Namespace) String() string { return n.Database + "." + n.Collection }

// ErrDuplicateKey marks a per-document failure caused by a repeated _id.
var ErrDuplicateKey = errors.New("duplicate key")

// InsertOptions controls InsertMany.
type InsertOptions struct {
	// Ordered stops at the first failing document. Documents before it stay
	// persisted and documents after it are not attempted.
	Ordered bool
}

// DocFailure is a rejected document within a batch.
type DocFailure struct {
	Index int // position within the batch
	Err   error
}

// InsertResult reports what happened to one batch.
type InsertResult struct {
	// Attempted is the number of documents the store tried to write.
	Attempted int
	// Inserted is the number confirmed persisted. Inserted <= Attempted.
	Inserted int
	Failures []DocFailure
}

// FindOptions controls Find.
type FindOptions struct {
	// BatchSize is the page size fetched per round trip.
	BatchSize int
	// Limit caps the number of documents returned. Zero is unlimited.
	Limit int64
}

// Cursor iterates over documents page by page.
type Cursor interface {
	// Next advances to the next document, fetching a page when needed.
	Next(ctx context.Context) bool
	Doc() doc.Document
	Err() error
	Close() error
}

// Store is a document store.
//
// InsertMany returns a non-nil error only for batch-level failures such as a
// lost connection; individual rejected documents are reported in
// InsertResult.Failures.
type Store interface {
	EnsureCollection(ctx context.Context, ns Namespace) error
	InsertMany(ctx context.Context, ns Namespace, docs []doc.Document, opt InsertOptions) (InsertResult, error)
	Find(ctx context.Context, ns Namespace, opt FindOptions) (Cursor, error)
	Count(ctx context.Context, ns Namespace) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ---- factories ----

// Factory constructs a Store from a DSN.
type Factory func(ctx context.Context, dsn string) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It is called from backend
// init functions and panics on an empty kind, a nil factory or a duplicate
// registration.
func Register(kind string, f Factory) {
	if kind == "" {
		panic("storage: Register with empty kind")
	}
	if f == nil {
		panic("storage: Register with nil factory for " + kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[kind]; dup {
		panic("storage: Register called twice for " + kind)
	}
	factories[kind] = f
}

// New constructs a Store of the given kind.
func New(ctx context.Context, kind, dsn string) (Store, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, dsn)
}

// Kinds lists registered backends in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IDKey returns a canonical string for a document's _id so stores can enforce
// uniqueness in a plain text column. ok is false when the document has no
// _id.
func IDKey(d doc.Document) (string, bool) {
	v, ok := d.Get("_id")
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case doc.ObjectID:
		return "oid:" + x.Hex(), true
	case string:
		return "str:" + x, true
	case nil:
		return "null:", true
	case doc.Document, []any:
		b, err := doc.Document{{Key: "v", Value: x}}.MarshalJSON()
		if err != nil {
			return "", false
		}
		return "json:" + string(b), true
	default:
		return fmt.Sprintf("%T:%s", x, doc.FormatScalar(x)), true
	}
}
