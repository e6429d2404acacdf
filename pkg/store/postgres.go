package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMPTZ,
	watermarks JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const selectAccountSQL = `
	SELECT id, external_id, access_token, refresh_token, token_expires_at, watermarks::text, created_at, updated_at
	FROM accounts`

// Postgres stores accounts in a shared PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects using connString and ensures the accounts table exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	if connString == "" {
		return nil, fmt.Errorf("store: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func scanPGAccount(row pgx.Row) (*Account, error) {
	var (
		a          Account
		expiresAt  *time.Time
		watermarks string
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.AccessToken, &a.RefreshToken, &expiresAt, &watermarks, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt != nil {
		a.TokenExpiresAt = expiresAt.UTC()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.Watermarks, err = unmarshalWatermarks(watermarks)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) Find(ctx context.Context, c Criteria) (*Account, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	var row pgx.Row
	if c.ID != "" {
		row = p.pool.QueryRow(ctx, selectAccountSQL+` WHERE id = $1`, c.ID)
	} else {
		row = p.pool.QueryRow(ctx, selectAccountSQL+` WHERE external_id = $1`, c.ExternalID)
	}

	a, err := scanPGAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("store: find account: %w", err)
	}
	return a, nil
}

func (p *Postgres) Save(ctx context.Context, a *Account) error {
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

	var expiresAt *time.Time
	if !a.TokenExpiresAt.IsZero() {
		expiresAt = &a.TokenExpiresAt
	}

	const upsertSQL = `
		INSERT INTO accounts (id, external_id, access_token, refresh_token, token_expires_at, watermarks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			watermarks = EXCLUDED.watermarks,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.pool.Exec(ctx, upsertSQL, a.ID, a.ExternalID, a.AccessToken, a.RefreshToken, expiresAt, watermarks, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: save account %s: %w", a.ID, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]*Account, error) {
	rows, err := p.pool.Query(ctx, selectAccountSQL+` ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var ret []*Account
	for rows.Next() {
		a, err := scanPGAccount(rows)
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

func (p *Postgres) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}
