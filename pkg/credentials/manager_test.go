package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/crm-sync/pkg/store"
)

type tokenServer struct {
	hits     atomic.Int32
	status   int
	body     string
	delay    time.Duration
	lastForm map[string]string
	mu       sync.Mutex
}

func (ts *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ts.hits.Add(1)
	_ = r.ParseForm()
	ts.mu.Lock()
	ts.lastForm = map[string]string{
		"grant_type":    r.PostForm.Get("grant_type"),
		"refresh_token": r.PostForm.Get("refresh_token"),
		"client_id":     r.PostForm.Get("client_id"),
		"client_secret": r.PostForm.Get("client_secret"),
	}
	ts.mu.Unlock()
	if ts.delay > 0 {
		time.Sleep(ts.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	if ts.status != 0 {
		w.WriteHeader(ts.status)
	}
	_, _ = w.Write([]byte(ts.body))
}

func newFixture(t *testing.T, ts *tokenServer, acct *store.Account) (*Manager, *store.Memory, *store.Handle) {
	t.Helper()
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	m := store.NewMemory(acct)
	h := store.NewHandle(m, acct)
	mgr := NewManager(h, Config{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL}, WithHTTPClient(srv.Client()))
	return mgr, m, h
}

func TestRefresh_ReplacesToken(t *testing.T) {
	ctx := context.Background()
	ts := &tokenServer{body: `{"access_token":"new-access","token_type":"bearer","expires_in":1800}`}
	acct := &store.Account{ExternalID: "p1", AccessToken: "old-access", RefreshToken: "refresh-1"}
	mgr, m, h := newFixture(t, ts, acct)

	before := time.Now()
	require.True(t, mgr.Refresh(ctx))
	require.Equal(t, int32(1), ts.hits.Load())
	require.Equal(t, "refresh_token", ts.lastForm["grant_type"])
	require.Equal(t, "refresh-1", ts.lastForm["refresh_token"])
	require.Equal(t, "cid", ts.lastForm["client_id"])
	require.Equal(t, "secret", ts.lastForm["client_secret"])

	tok, err := mgr.Token()
	require.NoError(t, err)
	require.Equal(t, "new-access", tok.AccessToken)
	require.WithinDuration(t, before.Add(30*time.Minute), mgr.Expiry(), 5*time.Second)

	stored, err := m.Find(ctx, store.Criteria{ID: h.ID()})
	require.NoError(t, err)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, "refresh-1", stored.RefreshToken)
	require.WithinDuration(t, mgr.Expiry(), stored.TokenExpiresAt, time.Millisecond)
}

func TestRefresh_RejectedGrantKeepsCredentials(t *testing.T) {
	ctx := context.Background()
	ts := &tokenServer{status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"revoked"}`}
	exp := time.Now().Add(-time.Minute)
	acct := &store.Account{ExternalID: "p1", AccessToken: "old-access", RefreshToken: "refresh-1", TokenExpiresAt: exp}
	mgr, m, h := newFixture(t, ts, acct)

	require.False(t, mgr.Refresh(ctx))

	tok, err := mgr.Token()
	require.NoError(t, err)
	require.Equal(t, "old-access", tok.AccessToken)
	require.True(t, exp.Equal(mgr.Expiry()))

	stored, err := m.Find(ctx, store.Criteria{ID: h.ID()})
	require.NoError(t, err)
	require.Equal(t, "old-access", stored.AccessToken)
}

func TestRefresh_MissingAccount(t *testing.T) {
	ts := &tokenServer{body: `{"access_token":"new-access","expires_in":1800}`}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	h := store.NewHandle(store.NewMemory(), &store.Account{ID: "ghost", ExternalID: "ghost", AccessToken: "a"})
	mgr := NewManager(h, Config{TokenURL: srv.URL}, WithHTTPClient(srv.Client()))

	require.False(t, mgr.Refresh(context.Background()))
	require.Equal(t, int32(0), ts.hits.Load())
}

func TestEnsureValid(t *testing.T) {
	ctx := context.Background()
	ts := &tokenServer{body: `{"access_token":"new-access","expires_in":1800}`}
	// Refreshed expiries come from the real clock, so the fake clock starts there too.
	now := time.Now().UTC()
	acct := &store.Account{ExternalID: "p1", AccessToken: "current", RefreshToken: "r", TokenExpiresAt: now.Add(time.Hour)}
	mgr, _, _ := newFixture(t, ts, acct)
	mgr.now = func() time.Time { return now }

	require.True(t, mgr.EnsureValid(ctx))
	require.Equal(t, int32(0), ts.hits.Load())

	mgr.Force()
	require.True(t, mgr.EnsureValid(ctx))
	require.Equal(t, int32(1), ts.hits.Load())

	// The forced flag is cleared by a successful refresh.
	require.True(t, mgr.EnsureValid(ctx))
	require.Equal(t, int32(1), ts.hits.Load())

	mgr.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.True(t, mgr.EnsureValid(ctx))
	require.Equal(t, int32(2), ts.hits.Load())
}

func TestExpired(t *testing.T) {
	exp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := store.NewHandle(store.NewMemory(), &store.Account{ExternalID: "p", TokenExpiresAt: exp})
	mgr := NewManager(h, Config{})

	require.False(t, mgr.Expired(exp))
	require.True(t, mgr.Expired(exp.Add(time.Millisecond)))

	_, err := mgr.Token()
	require.ErrorIs(t, err, ErrNoToken)

	unknown := NewManager(store.NewHandle(store.NewMemory(), &store.Account{ExternalID: "q"}), Config{})
	require.False(t, unknown.Expired(time.Now()))
}

func TestRefresh_ConcurrentCallersShareExchange(t *testing.T) {
	ts := &tokenServer{body: `{"access_token":"new-access","expires_in":1800}`, delay: 200 * time.Millisecond}
	acct := &store.Account{ExternalID: "p1", AccessToken: "old", RefreshToken: "r"}
	mgr, _, _ := newFixture(t, ts, acct)

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = mgr.Refresh(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for _, ok := range results {
		require.True(t, ok)
	}
	require.Equal(t, int32(1), ts.hits.Load())
}
