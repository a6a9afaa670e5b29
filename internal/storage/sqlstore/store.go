// Package sqlstore implements storage.Store on top of database/sql. Each
// namespace maps to one table holding the document as JSON text, an
// auto-incrementing key used for keyset pagination, and a nullable unique
// doc_id column derived from the document's _id.
//
// Backends supply a Dialect for quoting, placeholders, DDL and duplicate-key
// detection. SQL databases have no bulk document API, so batches are written
// row by row inside a transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/storage"
)

// Dialect captures the differences between SQL backends.
type Dialect interface {
	// Name is used in error messages and logs.
	Name() string
	// Table returns the quoted table name for a namespace.
	Table(ns storage.Namespace) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// CreateTable returns the statements that create the table if missing.
	CreateTable(ns storage.Namespace) []string
	// Page returns a query selecting (id, doc) with id > $1 ordered by id,
	// limited to limit rows.
	Page(ns storage.Namespace, limit int) string
	// IsDuplicate reports whether err is a unique-key violation.
	IsDuplicate(err error) bool
}

// Store is a storage.Store backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect

	mu      sync.Mutex
	ensured map[string]bool
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database. The returned Store owns db and closes it in
// Close.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, ensured: map[string]bool{}}
}

// DB exposes the underlying handle for backend-specific tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) EnsureCollection(ctx context.Context, ns storage.Namespace) error {
	key := ns.String()
	s.mu.Lock()
	done := s.ensured[key]
	s.mu.Unlock()
	if done {
		return nil
	}
	for _, stmt := range s.dialect.CreateTable(ns) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: create %s: %w", s.dialect.Name(), key, err)
		}
	}
	s.mu.Lock()
	s.ensured[key] = true
	s.mu.Unlock()
	return nil
}

// InsertMany writes docs in one transaction. Duplicate _id values are
// reported per document; any other error aborts the batch.
func (s *Store) InsertMany(ctx context.Context, ns storage.Namespace, docs []doc.Document, opt storage.InsertOptions) (storage.InsertResult, error) {
	var res storage.InsertResult
	if len(docs) == 0 {
		return res, nil
	}
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return res, err
	}

	stmtSQL := fmt.Sprintf("INSERT INTO %s (doc_id, doc) VALUES (%s, %s)",
		s.dialect.Table(ns), s.dialect.Placeholder(1), s.dialect.Placeholder(2))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("%s: begin tx: %w", s.dialect.Name(), err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return res, fmt.Errorf("%s: prepare insert: %w", s.dialect.Name(), err)
	}
	defer stmt.Close()

	for i, d := range docs {
		id, body, err := EncodeRow(d)
		res.Attempted++
		if err == nil {
			_, err = stmt.ExecContext(ctx, id, body)
			if err != nil && !s.dialect.IsDuplicate(err) {
				_ = tx.Rollback()
				return storage.InsertResult{Attempted: res.Attempted}, fmt.Errorf("%s: insert: %w", s.dialect.Name(), err)
			}
			if err != nil {
				err = fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
			}
		}
		if err != nil {
			res.Failures = append(res.Failures, storage.DocFailure{Index: i, Err: err})
			if opt.Ordered {
				break
			}
			continue
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return storage.InsertResult{Attempted: res.Attempted}, fmt.Errorf("%s: commit: %w", s.dialect.Name(), err)
	}
	return res, nil
}

func (s *Store) Find(ctx context.Context, ns storage.Namespace, opt storage.FindOptions) (storage.Cursor, error) {
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return nil, err
	}
	return storage.NewPageCursor(opt.BatchSize, opt.Limit, func(ctx context.Context, after int64, limit int) ([]storage.Row, error) {
		rows, err := s.db.QueryContext(ctx, s.dialect.Page(ns, limit), after)
		if err != nil {
			return nil, fmt.Errorf("%s: find: %w", s.dialect.Name(), err)
		}
		defer rows.Close()
		return ScanRows(rows)
	}), nil
}

func (s *Store) Count(ctx context.Context, ns storage.Namespace) (int64, error) {
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.dialect.Table(ns)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: count: %w", s.dialect.Name(), err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	log.Printf("%s: closing store", s.dialect.Name())
	return s.db.Close()
}

// EncodeRow returns the doc_id and JSON body for d. doc_id is nil when the
// document has no _id.
func EncodeRow(d doc.Document) (any, string, error) {
	body, err := d.MarshalJSON()
	if err != nil {
		return nil, "", fmt.Errorf("encode document: %w", err)
	}
	if key, ok := storage.IDKey(d); ok {
		return key, string(body), nil
	}
	return nil, string(body), nil
}

// ScanRows reads (id, doc) pairs. The doc column may be returned as text or
// bytes depending on the driver.
func ScanRows(rows *sql.Rows) ([]storage.Row, error) {
	var out []storage.Row
	for rows.Next() {
		var (
			key  int64
			body []byte
		)
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		var d doc.Document
		if err := doc.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("row %d: %w", key, err)
		}
		out = append(out, storage.Row{Key: key, Doc: d})
	}
	return out, rows.Err()
}

// TableName flattens a namespace into one identifier.
func TableName(ns storage.Namespace) string { return ns.Database + "." + ns.Collection }

// QuoteDouble quotes an identifier with double quotes.
func QuoteDouble(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }
