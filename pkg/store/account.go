package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductorone/crm-sync/pkg/crm"
)

// Account is one remote tenant and its per-kind sync watermarks.
type Account struct {
	ID             string
	ExternalID     string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Watermarks     map[crm.EntityKind]time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy so callers never share the watermark map.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Watermarks = make(map[crm.EntityKind]time.Time, len(a.Watermarks))
	for k, v := range a.Watermarks {
		c.Watermarks[k] = v
	}
	return &c
}

// Watermark is the end of the last successfully synced window for kind, zero if never synced.
func (a *Account) Watermark(kind crm.EntityKind) time.Time {
	if a == nil || a.Watermarks == nil {
		return time.Time{}
	}
	return a.Watermarks[kind]
}

// WithWatermark returns a copy of the account with kind's watermark set to t.
func (a *Account) WithWatermark(kind crm.EntityKind, t time.Time) *Account {
	c := a.Clone()
	c.Watermarks[kind] = t.UTC()
	return c
}

type watermarksJSON map[string]string

func marshalWatermarks(w map[crm.EntityKind]time.Time) (string, error) {
	out := make(watermarksJSON, len(w))
	for k, v := range w {
		out[string(k)] = v.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalWatermarks(s string) (map[crm.EntityKind]time.Time, error) {
	ret := make(map[crm.EntityKind]time.Time)
	if s == "" {
		return ret, nil
	}
	in := watermarksJSON{}
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("store: corrupt watermarks: %w", err)
	}
	for k, v := range in {
		kind, err := crm.ParseEntityKind(k)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt watermark for %s: %w", k, err)
		}
		ret[kind] = t.UTC()
	}
	return ret, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
