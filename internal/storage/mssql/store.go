// Package mssql registers the "mssql" storage kind on Microsoft SQL Server.
// doc_id uniqueness uses a filtered index so documents without _id can
// coexist.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/sqlstore"
)

// newStore is a test hook that points to NewStore by default.
var newStore = NewStore

func init() {
	storage.Register("mssql", func(ctx context.Context, dsn string) (storage.Store, error) {
		return newStore(ctx, dsn)
	})
}

type dialect struct{}

func (dialect) Name() string { return "mssql" }

func (dialect) Table(ns storage.Namespace) string { return msIdent(sqlstore.TableName(ns)) }

func (dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

func (d dialect) CreateTable(ns storage.Namespace) []string {
	name := sqlstore.TableName(ns)
	lit := strings.ReplaceAll(msIdent(name), "'", "''")
	index := msIdent("ux_" + name + "_doc_id")
	return []string{
		fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	id BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY,
	doc_id NVARCHAR(450) NULL,
	doc NVARCHAR(MAX) NOT NULL
)`, lit, d.Table(ns)),
		fmt.Sprintf(`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s'))
CREATE UNIQUE INDEX %s ON %s (doc_id) WHERE doc_id IS NOT NULL`,
			strings.ReplaceAll("ux_"+name+"_doc_id", "'", "''"), lit, index, d.Table(ns)),
	}
}

func (d dialect) Page(ns storage.Namespace, limit int) string {
	return fmt.Sprintf("SELECT TOP (%d) id, doc FROM %s WHERE id > @p1 ORDER BY id", limit, d.Table(ns))
}

// IsDuplicate matches unique constraint (2627) and unique index (2601)
// violations.
func (dialect) IsDuplicate(err error) bool {
	var me mssql.Error
	if errors.As(err, &me) {
		return me.Number == 2627 || me.Number == 2601
	}
	return false
}

// msIdent quotes an identifier with brackets.
func msIdent(id string) string { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" }

// Store adds a bulk-copy fast path to the generic SQL store.
type Store struct {
	*sqlstore.Store
}

// NewStore validates dsn early, opens the pool and pings it.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{Store: sqlstore.New(db, dialect{})}, nil
}

// InsertMany tries a single bulk copy for the batch. When the copy is
// rejected, typically on a duplicate _id, the batch is replayed row by row so
// each failure is attributed to its document.
func (s *Store) InsertMany(ctx context.Context, ns storage.Namespace, docs []doc.Document, opt storage.InsertOptions) (storage.InsertResult, error) {
	if len(docs) == 0 {
		return storage.InsertResult{}, nil
	}
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return storage.InsertResult{}, err
	}
	n, err := s.bulkCopy(ctx, ns, docs)
	if err == nil {
		return storage.InsertResult{Attempted: len(docs), Inserted: int(n)}, nil
	}
	if ctx.Err() != nil {
		return storage.InsertResult{}, ctx.Err()
	}
	return s.Store.InsertMany(ctx, ns, docs, opt)
}

func (s *Store) bulkCopy(ctx context.Context, ns storage.Namespace, docs []doc.Document) (int64, error) {
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(msIdent(sqlstore.TableName(ns)), mssql.BulkOptions{CheckConstraints: true}, "doc_id", "doc"))
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	for _, d := range docs {
		id, body, err := sqlstore.EncodeRow(d)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, id, body); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return 0, err
		}
	}
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		_ = stmt.Close()
		_ = tx.Rollback()
		return 0, err
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
