package associations

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/crm-sync/pkg/crm"
)

type fakeClient struct {
	assoc     map[string][]string
	emails    map[string]string
	assocErr  error
	readErr   error
	assocReqs [][]string
	readReqs  [][]string
}

func (f *fakeClient) BatchReadAssociations(_ context.Context, _ string, _ string, ids []string) ([]crm.AssociationResult, error) {
	f.assocReqs = append(f.assocReqs, ids)
	if f.assocErr != nil {
		return nil, f.assocErr
	}
	var ret []crm.AssociationResult
	for _, id := range ids {
		to, ok := f.assoc[id]
		if !ok {
			continue
		}
		ret = append(ret, crm.NewAssociationResult(id, to...))
	}
	return ret, nil
}

func (f *fakeClient) BatchRead(_ context.Context, _ string, ids []string, _ []string) ([]crm.Record, error) {
	f.readReqs = append(f.readReqs, ids)
	if f.readErr != nil {
		return nil, f.readErr
	}
	var ret []crm.Record
	for _, id := range ids {
		rec := crm.Record{ID: id, Properties: map[string]*string{"email": nil}}
		if email, ok := f.emails[id]; ok {
			rec.Properties["email"] = &email
		}
		ret = append(ret, rec)
	}
	return ret, nil
}

func newResolver(t *testing.T, c Client, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(c, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestParents(t *testing.T) {
	c := &fakeClient{assoc: map[string][]string{
		"p1": {"o1", "o2"},
		"p2": {"o3"},
	}}
	r := newResolver(t, c)

	got := r.Parents(context.Background(), "contacts", "companies", []string{"p1", "p2", "p3"})
	require.Equal(t, Map{"p1": "o1", "p2": "o3"}, got)
}

func TestParents_Chunked(t *testing.T) {
	c := &fakeClient{assoc: map[string][]string{}}
	ids := make([]string, 250)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
		c.assoc[ids[i]] = []string{"org-" + ids[i]}
	}
	r := newResolver(t, c)

	got := r.Parents(context.Background(), "contacts", "companies", ids)
	require.Len(t, got, 250)
	require.Len(t, c.assocReqs, 3)
	require.Len(t, c.assocReqs[0], 100)
	require.Len(t, c.assocReqs[2], 50)
}

func TestParents_FailureDegrades(t *testing.T) {
	c := &fakeClient{assocErr: errors.New("boom")}
	failures := 0
	r := newResolver(t, c, WithFailureHandler(func(context.Context, string) { failures++ }))

	got := r.Parents(context.Background(), "contacts", "companies", []string{"p1"})
	require.Empty(t, got)
	require.Equal(t, 1, failures)
}

func TestIdentities(t *testing.T) {
	c := &fakeClient{
		assoc: map[string][]string{
			"e1": {"c1", "c2"},
			"e2": {"c2"},
			"e3": {"c3"},
		},
		emails: map[string]string{"c2": "two@example.com"},
	}
	r := newResolver(t, c)

	got := r.Identities(context.Background(), []string{"e1", "e2", "e3", "e4"})
	require.Equal(t, Map{"e1": "two@example.com", "e2": "two@example.com"}, got)

	// The contact union is read once, de-duplicated.
	require.Len(t, c.readReqs, 1)
	read := append([]string(nil), c.readReqs[0]...)
	sort.Strings(read)
	require.Equal(t, []string{"c1", "c2", "c3"}, read)
}

func TestIdentities_CachesEmails(t *testing.T) {
	c := &fakeClient{
		assoc:  map[string][]string{"e1": {"c1"}, "e2": {"c1", "c2"}},
		emails: map[string]string{"c1": "one@example.com", "c2": "two@example.com"},
	}
	r := newResolver(t, c)
	ctx := context.Background()

	require.Equal(t, Map{"e1": "one@example.com"}, r.Identities(ctx, []string{"e1"}))
	require.Equal(t, Map{"e2": "one@example.com"}, r.Identities(ctx, []string{"e2"}))
	require.Len(t, c.readReqs, 2)
	require.Equal(t, []string{"c2"}, c.readReqs[1])
}

func TestIdentities_ReadFailureDegrades(t *testing.T) {
	c := &fakeClient{
		assoc:   map[string][]string{"e1": {"c1"}},
		readErr: errors.New("boom"),
	}
	r := newResolver(t, c)

	require.Empty(t, r.Identities(context.Background(), []string{"e1"}))
}
