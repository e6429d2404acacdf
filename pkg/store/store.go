package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conductorone/crm-sync/pkg/crm"
)

var (
	ErrAccountNotFound = errors.New("store: account not found")
	ErrInvalidCriteria = errors.New("store: criteria must set an id or external id")
)

// Criteria selects a single account. ID takes precedence over ExternalID.
type Criteria struct {
	ID         string
	ExternalID string
}

func (c Criteria) validate() error {
	if c.ID == "" && c.ExternalID == "" {
		return ErrInvalidCriteria
	}
	return nil
}

// Store persists accounts. Find returns ErrAccountNotFound when nothing matches.
type Store interface {
	Find(ctx context.Context, c Criteria) (*Account, error)
	Save(ctx context.Context, a *Account) error
	List(ctx context.Context) ([]*Account, error)
	Close(ctx context.Context) error
}

// prepareForSave assigns an id to new accounts and initializes the watermark map.
func prepareForSave(a *Account) error {
	if a == nil {
		return errors.New("store: nil account")
	}
	if a.ExternalID == "" {
		return errors.New("store: account external id is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Watermarks == nil {
		a.Watermarks = make(map[crm.EntityKind]time.Time)
	}
	return nil
}

// Open returns a store for a DSN: postgres:// and postgresql:// URLs use Postgres, anything
// else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return nil, fmt.Errorf("store: empty dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	default:
		return NewSQLite(ctx, dsn)
	}
}
