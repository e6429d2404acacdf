package associations

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter"
	"go.uber.org/zap"

	"github.com/conductorone/crm-sync/pkg/crm"
)

const (
	DefaultEmailCacheSize = 10_000
	DefaultEmailCacheTTL  = time.Hour

	emailProperty = "email"
)

// Map is child id -> related id for one page.
type Map map[string]string

// Client is the subset of the crm client the resolver reads through.
type Client interface {
	BatchReadAssociations(ctx context.Context, fromType string, toType string, ids []string) ([]crm.AssociationResult, error)
	BatchRead(ctx context.Context, objectType string, ids []string, properties []string) ([]crm.Record, error)
}

// Resolver looks up related entities for a page of records. Lookups never fail: a failed call
// leaves its ids out of the result.
type Resolver struct {
	client    Client
	batchSize int
	emails    otter.Cache[string, string]
	onFailure func(ctx context.Context, op string)
}

type Option func(*Resolver)

func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 && n <= crm.MaxBatchSize {
			r.batchSize = n
		}
	}
}

// WithFailureHandler is called once per failed remote call.
func WithFailureHandler(f func(ctx context.Context, op string)) Option {
	return func(r *Resolver) {
		r.onFailure = f
	}
}

func NewResolver(client Client, opts ...Option) (*Resolver, error) {
	cache, err := otter.MustBuilder[string, string](DefaultEmailCacheSize).
		WithTTL(DefaultEmailCacheTTL).
		Build()
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		client:    client,
		batchSize: crm.MaxBatchSize,
		emails:    cache,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Resolver) Close() {
	r.emails.Close()
}

func (r *Resolver) failed(ctx context.Context, op string, fromType string, toType string, n int, err error) {
	ctxzap.Extract(ctx).Warn("association lookup failed",
		zap.String("op", op),
		zap.String("from", fromType),
		zap.String("to", toType),
		zap.Int("ids", n),
		zap.Error(err),
	)
	if r.onFailure != nil {
		r.onFailure(ctx, op)
	}
}

func chunk(ids []string, size int) [][]string {
	var ret [][]string
	for len(ids) > size {
		ret = append(ret, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		ret = append(ret, ids)
	}
	return ret
}

// related returns child id -> all related ids, in the order the remote listed them.
func (r *Resolver) related(ctx context.Context, fromType string, toType string, ids []string) map[string][]string {
	ret := make(map[string][]string)
	for _, batch := range chunk(ids, r.batchSize) {
		results, err := r.client.BatchReadAssociations(ctx, fromType, toType, batch)
		if err != nil {
			r.failed(ctx, "batch_read_associations", fromType, toType, len(batch), err)
			continue
		}
		for _, res := range results {
			to := res.ToIDs()
			if len(to) == 0 {
				continue
			}
			ret[res.FromID()] = append(ret[res.FromID()], to...)
		}
	}
	return ret
}

// Parents maps each child id to its first associated record of toType. Children without an
// association are absent.
func (r *Resolver) Parents(ctx context.Context, fromType string, toType string, ids []string) Map {
	ret := make(Map)
	for child, parents := range r.related(ctx, fromType, toType, ids) {
		ret[child] = parents[0]
	}
	return ret
}

// Identities maps each event id to the email of its first associated contact that has one.
func (r *Resolver) Identities(ctx context.Context, eventIDs []string) Map {
	ret := make(Map)
	attendees := r.related(ctx, crm.Events.ObjectType(), crm.People.ObjectType(), eventIDs)
	if len(attendees) == 0 {
		return ret
	}

	contactIDs := mapset.NewThreadUnsafeSet[string]()
	for _, ids := range attendees {
		contactIDs.Append(ids...)
	}
	emails := r.lookupEmails(ctx, contactIDs)

	for eventID, ids := range attendees {
		for _, id := range ids {
			if email, ok := emails[id]; ok {
				ret[eventID] = email
				break
			}
		}
	}
	return ret
}

func (r *Resolver) lookupEmails(ctx context.Context, ids mapset.Set[string]) map[string]string {
	ret := make(map[string]string, ids.Cardinality())
	missing := make([]string, 0, ids.Cardinality())
	for _, id := range mapset.Sorted(ids) {
		if email, ok := r.emails.Get(id); ok {
			ret[id] = email
			continue
		}
		missing = append(missing, id)
	}

	objectType := crm.People.ObjectType()
	for _, batch := range chunk(missing, r.batchSize) {
		records, err := r.client.BatchRead(ctx, objectType, batch, []string{emailProperty})
		if err != nil {
			r.failed(ctx, "batch_read", objectType, objectType, len(batch), err)
			continue
		}
		for i := range records {
			email, ok := records[i].Property(emailProperty)
			if !ok {
				continue
			}
			ret[records[i].ID] = email
			r.emails.Set(records[i].ID, email)
		}
	}
	return ret
}
