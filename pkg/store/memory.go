package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store used for dry runs and tests.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

var _ Store = (*Memory)(nil)

func NewMemory(accounts ...*Account) *Memory {
	m := &Memory{accounts: make(map[string]*Account)}
	for _, a := range accounts {
		_ = m.Save(context.Background(), a)
	}
	return m
}

func (m *Memory) Find(_ context.Context, c Criteria) (*Account, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if c.ID != "" {
		a, ok := m.accounts[c.ID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		return a.Clone(), nil
	}
	for _, a := range m.accounts {
		if a.ExternalID == c.ExternalID {
			return a.Clone(), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *Memory) Save(_ context.Context, a *Account) error {
	if err := prepareForSave(a); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.accounts[a.ID] = a.Clone()
	return nil
}

func (m *Memory) List(_ context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ret := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		ret = append(ret, a.Clone())
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ExternalID < ret[j].ExternalID
	})
	return ret, nil
}

func (m *Memory) Close(_ context.Context) error {
	return nil
}
