package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	// NOTE: required to register the dialect for goqu.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"
)

const accountsTableName = "accounts"
const accountsTableSchema = `
create table if not exists accounts (
    id text primary key,
    external_id text not null,
    access_token text not null default '',
    refresh_token text not null default '',
    token_expires_at integer not null default 0,
    watermarks text not null default '{}',
    created_at integer not null,
    updated_at integer not null
);
create unique index if not exists idx_accounts_external_id on accounts (external_id);`

var accountColumns = []interface{}{
	"id", "external_id", "access_token", "refresh_token", "token_expires_at", "watermarks", "created_at", "updated_at",
}

// SQLite stores accounts in a local database file.
type SQLite struct {
	rawDb *sql.DB
	db    *goqu.Database
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path. Use ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("store: sqlite: could not create directory: %w", err)
		}
	}

	rawDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection so ":memory:" databases are shared and writes never contend.
	rawDB.SetMaxOpenConns(1)

	for _, p := range []string{"pragma journal_mode = WAL", "pragma busy_timeout = 5000"} {
		if _, err := rawDB.ExecContext(ctx, p); err != nil {
			_ = rawDB.Close()
			return nil, fmt.Errorf("store: sqlite: %s: %w", p, err)
		}
	}

	if _, err := rawDB.ExecContext(ctx, accountsTableSchema); err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("store: sqlite: create schema: %w", err)
	}

	ctxzap.Extract(ctx).Debug("opened account store", zap.String("path", path))

	return &SQLite{
		rawDb: rawDB,
		db:    goqu.New("sqlite3", rawDB),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a                               Account
		expiresAt, createdAt, updatedAt int64
		watermarks                      string
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.AccessToken, &a.RefreshToken, &expiresAt, &watermarks, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.TokenExpiresAt = fromMillis(expiresAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	a.Watermarks, err = unmarshalWatermarks(watermarks)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLite) Find(ctx context.Context, c Criteria) (*Account, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	q := s.db.From(accountsTableName).Select(accountColumns...)
	if c.ID != "" {
		q = q.Where(goqu.C("id").Eq(c.ID))
	} else {
		q = q.Where(goqu.C("external_id").Eq(c.ExternalID))
	}
	q = q.Limit(1)

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("store: find account: %w", err)
	}
	return a, nil
}

func (s *SQLite) Save(ctx context.Context, a *Account) error {
	if err := prepareForSave(a); err != nil {
		return err
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	watermarks, err := marshalWatermarks(a.Watermarks)
	if err != nil {
		return err
	}

	q := s.db.Insert(accountsTableName).
		Prepared(true).
		Rows(goqu.Record{
			"id":               a.ID,
			"external_id":      a.ExternalID,
			"access_token":     a.AccessToken,
			"refresh_token":    a.RefreshToken,
			"token_expires_at": toMillis(a.TokenExpiresAt),
			"watermarks":       watermarks,
			"created_at":       toMillis(a.CreatedAt),
			"updated_at":       toMillis(a.UpdatedAt),
		}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"external_id":      goqu.I("EXCLUDED.external_id"),
			"access_token":     goqu.I("EXCLUDED.access_token"),
			"refresh_token":    goqu.I("EXCLUDED.refresh_token"),
			"token_expires_at": goqu.I("EXCLUDED.token_expires_at"),
			"watermarks":       goqu.I("EXCLUDED.watermarks"),
			"updated_at":       goqu.I("EXCLUDED.updated_at"),
		}))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: save account %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]*Account, error) {
	q := s.db.From(accountsTableName).Select(accountColumns...).Order(goqu.C("external_id").Asc())
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var ret []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLite) Close(_ context.Context) error {
	return s.rawDb.Close()
}
