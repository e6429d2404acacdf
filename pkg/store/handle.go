package store

import (
	"context"
	"sync"
)

// Handle owns the in-memory copy of one account for the duration of a run. Every mutation
// goes through Update, which persists a modified copy and only then swaps it in, so a failed
// save never leaves a partially updated account behind.
type Handle struct {
	mu    sync.Mutex
	store Store
	acct  *Account
}

func NewHandle(s Store, a *Account) *Handle {
	return &Handle{store: s, acct: a.Clone()}
}

func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acct.ID
}

// Snapshot returns a copy of the current account.
func (h *Handle) Snapshot() *Account {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acct.Clone()
}

// Reload replaces the in-memory account with the stored one.
func (h *Handle) Reload(ctx context.Context) (*Account, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, err := h.store.Find(ctx, Criteria{ID: h.acct.ID})
	if err != nil {
		return nil, err
	}
	h.acct = a
	return a.Clone(), nil
}

// Update applies fn to a copy of the account and saves it.
func (h *Handle) Update(ctx context.Context, fn func(a *Account)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.acct.Clone()
	fn(next)
	if err := h.store.Save(ctx, next); err != nil {
		return err
	}
	h.acct = next
	return nil
}

// Persist saves the current account unchanged.
func (h *Handle) Persist(ctx context.Context) error {
	return h.Update(ctx, func(*Account) {})
}
