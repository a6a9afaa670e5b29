// Package sqlite registers the "sqlite" storage kind. Documents are kept as
// JSON text in one table per namespace.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/sqlstore"
)

// newStore is a test hook that points to NewStore by default.
var newStore = NewStore

func init() {
	storage.Register("sqlite", func(ctx context.Context, dsn string) (storage.Store, error) {
		return newStore(ctx, dsn)
	})
}

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) Table(ns storage.Namespace) string {
	return sqlstore.QuoteDouble(sqlstore.TableName(ns))
}

func (dialect) Placeholder(int) string { return "?" }

func (d dialect) CreateTable(ns storage.Namespace) []string {
	return []string{fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT UNIQUE,
	doc TEXT NOT NULL
)`, d.Table(ns))}
}

func (d dialect) Page(ns storage.Namespace, limit int) string {
	return fmt.Sprintf("SELECT id, doc FROM %s WHERE id > ? ORDER BY id LIMIT %d", d.Table(ns), limit)
}

func (dialect) IsDuplicate(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// NewStore opens a SQLite database. DSN is passed directly to database/sql;
// for example:
//
//	"file:docs.db?_pragma=busy_timeout(5000)"
//	"file::memory:"
func NewStore(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; this also keeps ":memory:" databases on a single
	// connection.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return sqlstore.New(db, dialect{}), nil
}
