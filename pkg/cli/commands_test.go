package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := MakeMainCommand(context.Background(), "crm-sync", "test")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// emptyCRM answers every search with no results and counts the requests it saw.
func emptyCRM(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/search") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		searches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total":0,"results":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &searches
}

func TestAccountsAddAndList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "accounts.db")

	id, err := execute(t, "accounts", "add", "--database-url", db,
		"--external-id", "portal-1", "--access-token", "access-1", "--refresh-token", "refresh-1", "--token-expires-in", "1h")
	require.NoError(t, err)
	id = strings.TrimSpace(id)
	require.NotEmpty(t, id)

	// Adding the same external id again updates the existing account.
	again, err := execute(t, "accounts", "add", "--database-url", db,
		"--external-id", "portal-1", "--refresh-token", "refresh-2")
	require.NoError(t, err)
	require.Equal(t, id, strings.TrimSpace(again))

	out, err := execute(t, "accounts", "list", "--database-url", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "EXTERNAL ID")
	require.Contains(t, lines[0], "ORGANIZATIONS")
	require.Contains(t, lines[1], id)
	require.Contains(t, lines[1], "portal-1")

	st, err := store.Open(context.Background(), db)
	require.NoError(t, err)
	defer st.Close(context.Background())
	acct, err := st.Find(context.Background(), store.Criteria{ExternalID: "portal-1"})
	require.NoError(t, err)
	require.Equal(t, "refresh-2", acct.RefreshToken)
}

func TestAccountsAdd_RequiresExternalID(t *testing.T) {
	_, err := execute(t, "accounts", "add", "--database-url", filepath.Join(t.TempDir(), "a.db"), "--refresh-token", "r")
	require.ErrorContains(t, err, "external-id")
}

func TestSync_CommitsWatermarks(t *testing.T) {
	db := filepath.Join(t.TempDir(), "accounts.db")
	srv, searches := emptyCRM(t)

	_, err := execute(t, "accounts", "add", "--database-url", db,
		"--external-id", "portal-1", "--access-token", "access-1", "--refresh-token", "refresh-1", "--token-expires-in", "1h")
	require.NoError(t, err)

	_, err = execute(t, "sync",
		"--database-url", db,
		"--log-output", filepath.Join(t.TempDir(), "sync.log"),
		"--client-id", "cid",
		"--client-secret", "secret",
		"--api-base-url", srv.URL,
		"--requests-per-second", "0",
		"--kinds", "people,organizations",
	)
	require.NoError(t, err)
	require.Equal(t, int32(2), searches.Load())

	st, err := store.Open(context.Background(), db)
	require.NoError(t, err)
	defer st.Close(context.Background())
	acct, err := st.Find(context.Background(), store.Criteria{ExternalID: "portal-1"})
	require.NoError(t, err)
	require.False(t, acct.Watermark(crm.People).IsZero())
	require.False(t, acct.Watermark(crm.Organizations).IsZero())
	require.True(t, acct.Watermark(crm.Events).IsZero())
}

func TestSync_NoAccounts(t *testing.T) {
	srv, _ := emptyCRM(t)
	_, err := execute(t, "sync",
		"--database-url", filepath.Join(t.TempDir(), "empty.db"),
		"--log-output", filepath.Join(t.TempDir(), "sync.log"),
		"--client-id", "cid",
		"--client-secret", "secret",
		"--api-base-url", srv.URL,
	)
	require.ErrorContains(t, err, "no accounts")
}

func TestSync_InvalidConfig(t *testing.T) {
	_, err := execute(t, "sync", "--database-url", filepath.Join(t.TempDir(), "a.db"), "--sink", "http")
	require.ErrorContains(t, err, "client-id")
	require.ErrorContains(t, err, "sink-url")
}
