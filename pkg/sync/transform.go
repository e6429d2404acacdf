package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"context"
	"time"

	"github.com/conductorone/crm-sync/pkg/associations"
	"github.com/conductorone/crm-sync/pkg/crm"
)

// Resolver looks up related entities for a page. It never fails; missing links are absent.
type Resolver interface {
	Parents(ctx context.Context, fromType string, toType string, ids []string) associations.Map
	Identities(ctx context.Context, eventIDs []string) associations.Map
}

// transformer turns one kind of record into actions.
type transformer interface {
	resolve(ctx context.Context, r Resolver, ids []string) associations.Map
	// transform returns false when the record has no usable identity.
	transform(r *crm.Record, watermark time.Time, related associations.Map) (OutputAction, bool)
}

func transformerFor(kind crm.EntityKind) transformer {
	switch kind {
	case crm.People:
		return peopleTransformer{}
	case crm.Organizations:
		return organizationTransformer{}
	case crm.Events:
		return eventTransformer{}
	default:
		return nil
	}
}

type peopleTransformer struct{}

func (peopleTransformer) resolve(ctx context.Context, r Resolver, ids []string) associations.Map {
	return r.Parents(ctx, crm.People.ObjectType(), crm.Organizations.ObjectType(), ids)
}

func (peopleTransformer) transform(r *crm.Record, watermark time.Time, related associations.Map) (OutputAction, bool) {
	email, ok := r.Property(emailProperty)
	if !ok {
		return OutputAction{}, false
	}
	created, date := classify(r, watermark)
	props := withoutNulls(r.Properties)
	if orgID, ok := related[r.ID]; ok {
		props[OrganizationIDProperty] = orgID
	}
	return OutputAction{
		Name:       actionName(crm.People, created),
		Date:       date,
		Identity:   email,
		Properties: props,
	}, true
}

type organizationTransformer struct{}

func (organizationTransformer) resolve(context.Context, Resolver, []string) associations.Map {
	return nil
}

func (organizationTransformer) transform(r *crm.Record, watermark time.Time, _ associations.Map) (OutputAction, bool) {
	created, date := classify(r, watermark)
	return OutputAction{
		Name:       actionName(crm.Organizations, created),
		Date:       date,
		EntityKey:  r.ID,
		Properties: withoutNulls(r.Properties),
	}, true
}

type eventTransformer struct{}

func (eventTransformer) resolve(ctx context.Context, r Resolver, ids []string) associations.Map {
	return r.Identities(ctx, ids)
}

func (eventTransformer) transform(r *crm.Record, watermark time.Time, related associations.Map) (OutputAction, bool) {
	identity, ok := related[r.ID]
	if !ok || identity == "" {
		return OutputAction{}, false
	}
	created, date := classify(r, watermark)
	return OutputAction{
		Name:       actionName(crm.Events, created),
		Date:       date,
		Identity:   identity,
		Properties: withoutNulls(r.Properties),
	}, true
}
