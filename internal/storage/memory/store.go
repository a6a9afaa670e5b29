// Package memory implements an in-process storage.Store. It backs the
// "memory" kind and the tests of every package that writes documents.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/storage"
)

// ErrUnavailable is returned by every operation while the store is down.
var ErrUnavailable = errors.New("memory: store unavailable")

func init() {
	storage.Register("memory", func(context.Context, string) (storage.Store, error) {
		return New(), nil
	})
}

type collection struct {
	docs []doc.Document
	ids  map[string]struct{}
}

// Store keeps collections in maps guarded by a mutex.
type Store struct {
	// FailFn, when set, is consulted for every document before it is
	// stored. seq is the zero-based number of documents attempted so far
	// across all collections. A non-nil error rejects the document.
	FailFn func(seq int64, d doc.Document) error
	// Delay is slept, honoring ctx, before each InsertMany.
	Delay time.Duration

	mu      sync.Mutex
	colls   map[string]*collection
	seq     int64
	down    bool
	batches int
	closed  bool
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{colls: map[string]*collection{}}
}

// SetDown makes every operation fail with ErrUnavailable until called again
// with false.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Batches returns the number of InsertMany calls that reached the store.
func (s *Store) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Docs returns a snapshot of the documents stored in ns.
func (s *Store) Docs(ns storage.Namespace) []doc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[ns.String()]
	if c == nil {
		return nil
	}
	out := make([]doc.Document, len(c.docs))
	copy(out, c.docs)
	return out
}

func (s *Store) coll(ns storage.Namespace) *collection {
	c := s.colls[ns.String()]
	if c == nil {
		c = &collection{ids: map[string]struct{}{}}
		s.colls[ns.String()] = c
	}
	return c
}

func (s *Store) EnsureCollection(_ context.Context, ns storage.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	s.coll(ns)
	return nil
}

// InsertMany stores docs. Ordered inserts stop at the first rejected
// document; unordered inserts attempt every document.
func (s *Store) InsertMany(ctx context.Context, ns storage.Namespace, docs []doc.Document, opt storage.InsertOptions) (storage.InsertResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return storage.InsertResult{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return storage.InsertResult{}, ErrUnavailable
	}
	s.batches++

	c := s.coll(ns)
	var res storage.InsertResult
	for i, d := range docs {
		res.Attempted++
		seq := s.seq
		s.seq++

		err := s.check(c, seq, d)
		if err != nil {
			res.Failures = append(res.Failures, storage.DocFailure{Index: i, Err: err})
			if opt.Ordered {
				break
			}
			continue
		}
		if key, ok := storage.IDKey(d); ok {
			c.ids[key] = struct{}{}
		}
		c.docs = append(c.docs, d)
		res.Inserted++
	}
	return res, nil
}

func (s *Store) check(c *collection, seq int64, d doc.Document) error {
	if s.FailFn != nil {
		if err := s.FailFn(seq, d); err != nil {
			return err
		}
	}
	if key, ok := storage.IDKey(d); ok {
		if _, dup := c.ids[key]; dup {
			return fmt.Errorf("%w: _id %s", storage.ErrDuplicateKey, key)
		}
	}
	return nil
}

func (s *Store) Find(_ context.Context, ns storage.Namespace, opt storage.FindOptions) (storage.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrUnavailable
	}
	size := opt.BatchSize
	if size <= 0 {
		size = storage.DefaultBatchSize
	}
	return storage.NewPageCursor(size, opt.Limit, func(ctx context.Context, after int64, limit int) ([]storage.Row, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.down {
			return nil, ErrUnavailable
		}
		c := s.colls[ns.String()]
		if c == nil || after >= int64(len(c.docs)) {
			return nil, nil
		}
		end := after + int64(limit)
		if end > int64(len(c.docs)) {
			end = int64(len(c.docs))
		}
		rows := make([]storage.Row, 0, end-after)
		for i := after; i < end; i++ {
			rows = append(rows, storage.Row{Key: i + 1, Doc: c.docs[i]})
		}
		return rows, nil
	}), nil
}

func (s *Store) Count(_ context.Context, ns storage.Namespace) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, ErrUnavailable
	}
	c := s.colls[ns.String()]
	if c == nil {
		return 0, nil
	}
	return int64(len(c.docs)), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
