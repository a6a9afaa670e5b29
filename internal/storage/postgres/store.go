// Package postgres implements a Postgres document store using pgx v5. Each
// namespace maps to a table with a json column (json, not jsonb, so key order
// is kept). Batches are loaded with COPY; when COPY is rejected the batch is
// replayed one document at a time under savepoints so every failure is
// attributed to its document.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/sqlstore"
)

// newStore is a test hook that points to NewStore by default.
// Tests may replace this variable to avoid real DB connections.
var newStore = NewStore

func init() {
	storage.Register("postgres", func(ctx context.Context, dsn string) (storage.Store, error) {
		return newStore(ctx, dsn)
	})
}

const uniqueViolation = "23505"

// Store is a Postgres-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	ensured map[string]bool
}

var _ storage.Store = (*Store)(nil)

// NewStore constructs a Store over a new connection pool.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, ensured: map[string]bool{}}, nil
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func tableName(ns storage.Namespace) string { return sqlstore.TableName(ns) }

func (s *Store) EnsureCollection(ctx context.Context, ns storage.Namespace) error {
	key := ns.String()
	s.mu.Lock()
	done := s.ensured[key]
	s.mu.Unlock()
	if done {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	doc_id TEXT UNIQUE,
	doc JSON NOT NULL
)`, pgIdent(tableName(ns)))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create %s: %w", key, err)
	}
	s.mu.Lock()
	s.ensured[key] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) InsertMany(ctx context.Context, ns storage.Namespace, docs []doc.Document, opt storage.InsertOptions) (storage.InsertResult, error) {
	if len(docs) == 0 {
		return storage.InsertResult{}, nil
	}
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return storage.InsertResult{}, err
	}

	rows := make([][]any, 0, len(docs))
	var encodeFailed bool
	for _, d := range docs {
		id, body, err := sqlstore.EncodeRow(d)
		if err != nil {
			encodeFailed = true
			break
		}
		rows = append(rows, []any{id, body})
	}
	if !encodeFailed {
		n, err := s.pool.CopyFrom(ctx, pgx.Identifier{tableName(ns)}, []string{"doc_id", "doc"}, pgx.CopyFromRows(rows))
		if err == nil {
			return storage.InsertResult{Attempted: len(docs), Inserted: int(n)}, nil
		}
		if ctx.Err() != nil {
			return storage.InsertResult{}, ctx.Err()
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return storage.InsertResult{}, fmt.Errorf("copy: %w", err)
		}
		log.Printf("postgres: COPY rejected (%s), replaying %d docs individually", pgErr.SQLState(), len(docs))
	}
	return s.insertEach(ctx, ns, docs, opt)
}

// insertEach writes docs one statement at a time in a transaction. A failed
// statement aborts a Postgres transaction, so each insert runs under its own
// savepoint.
func (s *Store) insertEach(ctx context.Context, ns storage.Namespace, docs []doc.Document, opt storage.InsertOptions) (storage.InsertResult, error) {
	var res storage.InsertResult
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := fmt.Sprintf("INSERT INTO %s (doc_id, doc) VALUES ($1, $2)", pgIdent(tableName(ns)))
	for i, d := range docs {
		res.Attempted++
		id, body, err := sqlstore.EncodeRow(d)
		if err == nil {
			err = s.insertOne(ctx, tx, insert, id, body)
			var pgErr *pgconn.PgError
			switch {
			case err == nil:
			case errors.As(err, &pgErr):
				if pgErr.SQLState() == uniqueViolation {
					err = fmt.Errorf("%w: %s", storage.ErrDuplicateKey, pgErr.Detail)
				}
			default:
				return storage.InsertResult{Attempted: res.Attempted}, fmt.Errorf("insert: %w", err)
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
	if err := tx.Commit(ctx); err != nil {
		return storage.InsertResult{Attempted: res.Attempted}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *Store) insertOne(ctx context.Context, tx pgx.Tx, insert string, id any, body string) error {
	if _, err := tx.Exec(ctx, "SAVEPOINT doc"); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insert, id, body); err != nil {
		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT doc"); rbErr != nil {
			return rbErr
		}
		return err
	}
	_, err := tx.Exec(ctx, "RELEASE SAVEPOINT doc")
	return err
}

func (s *Store) Find(ctx context.Context, ns storage.Namespace, opt storage.FindOptions) (storage.Cursor, error) {
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return nil, err
	}
	table := pgIdent(tableName(ns))
	return storage.NewPageCursor(opt.BatchSize, opt.Limit, func(ctx context.Context, after int64, limit int) ([]storage.Row, error) {
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf("SELECT id, doc::text FROM %s WHERE id > $1 ORDER BY id LIMIT %d", table, limit), after)
		if err != nil {
			return nil, fmt.Errorf("find: %w", err)
		}
		defer rows.Close()
		var out []storage.Row
		for rows.Next() {
			var (
				key  int64
				body string
			)
			if err := rows.Scan(&key, &body); err != nil {
				return nil, err
			}
			var d doc.Document
			if err := doc.Unmarshal([]byte(body), &d); err != nil {
				return nil, fmt.Errorf("row %d: %w", key, err)
			}
			out = append(out, storage.Row{Key: key, Doc: d})
		}
		return out, rows.Err()
	}), nil
}

func (s *Store) Count(ctx context.Context, ns storage.Namespace) (int64, error) {
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgIdent(tableName(ns))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
