package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/conductorone/crm-sync/pkg/crm"
)

// fakeCRM serves the search, association, batch read and token endpoints from memory.
type fakeCRM struct {
	mu gosync.Mutex

	token          string
	objects        map[string][]crm.Record
	assoc          map[string]map[string][]string
	searchFailures int
	assocFailures  bool

	searchCalls map[string]int
	tokenHits   int
}

func newFakeCRM(t *testing.T) (*fakeCRM, *httptest.Server) {
	t.Helper()
	f := &fakeCRM{
		token:       "tok",
		objects:     make(map[string][]crm.Record),
		assoc:       make(map[string]map[string][]string),
		searchCalls: make(map[string]int),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCRM) add(kind crm.EntityKind, recs ...crm.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[kind.ObjectType()] = append(f.objects[kind.ObjectType()], recs...)
}

func (f *fakeCRM) associate(from crm.EntityKind, to crm.EntityKind, id string, related ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := from.ObjectType() + "/" + to.ObjectType()
	if f.assoc[key] == nil {
		f.assoc[key] = make(map[string][]string)
	}
	f.assoc[key][id] = append(f.assoc[key][id], related...)
}

func (f *fakeCRM) searches(kind crm.EntityKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls[kind.ObjectType()]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/oauth/v1/token" {
		f.tokenHits++
		writeJSON(w, map[string]any{"access_token": f.token, "token_type": "bearer", "expires_in": 1800})
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 5 && parts[2] == "objects" && parts[4] == "search":
		f.search(w, r, parts[3])
	case len(parts) == 6 && parts[2] == "associations":
		f.associations(w, r, parts[3]+"/"+parts[4])
	case len(parts) == 6 && parts[2] == "objects" && parts[4] == "batch":
		f.batchRead(w, r, parts[3])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCRM) search(w http.ResponseWriter, r *http.Request, objectType string) {
	f.searchCalls[objectType]++
	if f.searchFailures > 0 {
		f.searchFailures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req crm.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	filters := req.FilterGroups[0].Filters
	prop := filters[0].PropertyName
	gte, _ := strconv.ParseInt(filters[0].Value, 10, 64)
	lte, _ := strconv.ParseInt(filters[1].Value, 10, 64)

	lastModified := func(rec crm.Record) int64 {
		v, ok := rec.Property(prop)
		if !ok {
			return rec.UpdatedAt.UnixMilli()
		}
		ts, _ := crm.ParseTimestamp(v)
		return ts.UnixMilli()
	}

	var matched []crm.Record
	for _, rec := range f.objects[objectType] {
		lm := lastModified(rec)
		if lm >= gte && lm <= lte {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return lastModified(matched[i]) < lastModified(matched[j]) })

	off := 0
	if req.After != "" {
		off, _ = strconv.Atoi(req.After)
	}
	end := min(off+req.Limit, len(matched))
	off = min(off, end)
	page := crm.SearchPage{Total: len(matched), Results: matched[off:end]}
	if end < len(matched) {
		page.Paging = &crm.Paging{Next: &crm.NextPage{After: strconv.Itoa(end)}}
	}
	writeJSON(w, page)
}

type batchRequest struct {
	Inputs []struct {
		ID string `json:"id"`
	} `json:"inputs"`
	Properties []string `json:"properties"`
}

func (f *fakeCRM) associations(w http.ResponseWriter, r *http.Request, key string) {
	if f.assocFailures {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var results []crm.AssociationResult
	for _, in := range req.Inputs {
		if to, ok := f.assoc[key][in.ID]; ok {
			results = append(results, crm.NewAssociationResult(in.ID, to...))
		}
	}
	writeJSON(w, map[string]any{"results": results})
}

func (f *fakeCRM) batchRead(w http.ResponseWriter, r *http.Request, objectType string) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	byID := make(map[string]crm.Record)
	for _, rec := range f.objects[objectType] {
		byID[rec.ID] = rec
	}
	var results []crm.Record
	for _, in := range req.Inputs {
		rec, ok := byID[in.ID]
		if !ok {
			continue
		}
		props := make(map[string]*string)
		for _, p := range req.Properties {
			props[p] = rec.Properties[p]
		}
		results = append(results, crm.Record{ID: rec.ID, Properties: props})
	}
	writeJSON(w, map[string]any{"results": results})
}

func str(s string) *string {
	return &s
}

// remoteRecord builds a record whose last-modified property equals updated.
func remoteRecord(kind crm.EntityKind, id string, created time.Time, updated time.Time, props map[string]*string) crm.Record {
	all := map[string]*string{kind.LastModifiedProperty(): str(updated.Format(time.RFC3339Nano))}
	for k, v := range props {
		all[k] = v
	}
	return crm.Record{ID: id, Properties: all, CreatedAt: created, UpdatedAt: updated}
}

func organizations(n int, base time.Time) []crm.Record {
	ret := make([]crm.Record, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		ret = append(ret, remoteRecord(crm.Organizations, fmt.Sprintf("org-%03d", i), ts, ts, map[string]*string{
			"name": str(fmt.Sprintf("Org %d", i)),
		}))
	}
	return ret
}
