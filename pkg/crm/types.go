package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityKind is one of the record collections synced from the CRM.
type EntityKind string

const (
	People        EntityKind = "people"
	Organizations EntityKind = "organizations"
	Events        EntityKind = "events"
)

// AllKinds is the order entity kinds are synced in.
var AllKinds = []EntityKind{People, Organizations, Events}

func (k EntityKind) String() string {
	return string(k)
}

// ObjectType is the remote object collection backing the kind.
func (k EntityKind) ObjectType() string {
	switch k {
	case People:
		return "contacts"
	case Organizations:
		return "companies"
	case Events:
		return "meetings"
	default:
		return string(k)
	}
}

// LastModifiedProperty is the property the modified-since filter and sort apply to.
func (k EntityKind) LastModifiedProperty() string {
	if k == People {
		return "lastmodifieddate"
	}
	return "hs_lastmodifieddate"
}

func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(s))) {
	case People:
		return People, nil
	case Organizations:
		return Organizations, nil
	case Events:
		return Events, nil
	default:
		return "", fmt.Errorf("crm: unknown entity kind %q", s)
	}
}

// ID accepts both string and numeric ids on the wire.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("crm: invalid id %s: %w", string(data), err)
	}
	*id = ID(n.String())
	return nil
}

// Record is a remote entity as returned by search or batch read. Null property values
// decode to nil.
type Record struct {
	ID         string             `json:"id"`
	Properties map[string]*string `json:"properties"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	Archived   bool               `json:"archived,omitempty"`
}

// Property returns the value of a non-null, non-empty property.
func (r *Record) Property(name string) (string, bool) {
	v, ok := r.Properties[name]
	if !ok || v == nil || *v == "" {
		return "", false
	}
	return *v, true
}

// LastModified reads the kind's last-modified property, falling back to UpdatedAt.
func (r *Record) LastModified(kind EntityKind) time.Time {
	v, ok := r.Property(kind.LastModifiedProperty())
	if !ok {
		return r.UpdatedAt
	}
	if t, err := ParseTimestamp(v); err == nil {
		return t
	}
	return r.UpdatedAt
}

// ParseTimestamp accepts RFC3339 strings and epoch milliseconds.
func ParseTimestamp(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("crm: invalid timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

// EpochMillis formats t the way search filters expect it.
func EpochMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

const (
	OperatorGTE = "GTE"
	OperatorLTE = "LTE"

	SortAscending = "ASCENDING"
)

type Filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type FilterGroup struct {
	Filters []Filter `json:"filters"`
}

type Sort struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type SearchRequest struct {
	FilterGroups []FilterGroup `json:"filterGroups"`
	Sorts        []Sort        `json:"sorts"`
	Properties   []string      `json:"properties,omitempty"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type NextPage struct {
	After string `json:"after"`
}

type Paging struct {
	Next *NextPage `json:"next,omitempty"`
}

type SearchPage struct {
	Total   int      `json:"total"`
	Results []Record `json:"results"`
	Paging  *Paging  `json:"paging,omitempty"`
}

// NextAfter is the cursor for the following page, empty on the last page.
func (p *SearchPage) NextAfter() string {
	if p == nil || p.Paging == nil || p.Paging.Next == nil {
		return ""
	}
	return p.Paging.Next.After
}

type objectID struct {
	ID ID `json:"id"`
}

// AssociationResult lists the records a single source record is associated with.
type AssociationResult struct {
	From objectID   `json:"from"`
	To   []objectID `json:"to"`
}

func NewAssociationResult(from string, to ...string) AssociationResult {
	ret := AssociationResult{From: objectID{ID: ID(from)}, To: make([]objectID, 0, len(to))}
	for _, id := range to {
		ret.To = append(ret.To, objectID{ID: ID(id)})
	}
	return ret
}

func (a AssociationResult) FromID() string {
	return string(a.From.ID)
}

func (a AssociationResult) ToIDs() []string {
	ret := make([]string, 0, len(a.To))
	for _, t := range a.To {
		ret = append(ret, string(t.ID))
	}
	return ret
}

type batchInput struct {
	Inputs     []objectID `json:"inputs"`
	Properties []string   `json:"properties,omitempty"`
}

func newBatchInput(ids []string, properties []string) batchInput {
	in := batchInput{Inputs: make([]objectID, 0, len(ids)), Properties: properties}
	for _, id := range ids {
		in.Inputs = append(in.Inputs, objectID{ID: ID(id)})
	}
	return in
}
