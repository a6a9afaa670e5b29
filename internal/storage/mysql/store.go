// Package mysql registers the "mysql" storage kind. Documents are kept as
// LONGTEXT so key order survives; MySQL's JSON type normalizes it.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/sqlstore"
)

// newStore is a test hook that points to NewStore by default.
var newStore = NewStore

func init() {
	storage.Register("mysql", func(ctx context.Context, dsn string) (storage.Store, error) {
		return newStore(ctx, dsn)
	})
}

const errDupEntry = 1062

type dialect struct{}

func (dialect) Name() string { return "mysql" }

func (dialect) Table(ns storage.Namespace) string {
	return "`" + strings.ReplaceAll(sqlstore.TableName(ns), "`", "``") + "`"
}

func (dialect) Placeholder(int) string { return "?" }

func (d dialect) CreateTable(ns storage.Namespace) []string {
	return []string{fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	doc_id VARCHAR(512) NULL,
	doc LONGTEXT NOT NULL,
	UNIQUE KEY ux_doc_id (doc_id)
) DEFAULT CHARSET=utf8mb4`, d.Table(ns))}
}

func (d dialect) Page(ns storage.Namespace, limit int) string {
	return fmt.Sprintf("SELECT id, doc FROM %s WHERE id > ? ORDER BY id LIMIT %d", d.Table(ns), limit)
}

func (dialect) IsDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}

// NewStore validates dsn, opens the pool and pings it.
func NewStore(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return sqlstore.New(db, dialect{}), nil
}
