package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"time"

	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/sink"
)

type OutputAction = sink.OutputAction

const (
	PersonCreated       = "person_created"
	PersonUpdated       = "person_updated"
	OrganizationCreated = "organization_created"
	OrganizationUpdated = "organization_updated"
	EventCreated        = "event_created"
	EventUpdated        = "event_updated"

	// OrganizationIDProperty carries a person's resolved organization.
	OrganizationIDProperty = "organization_id"
	emailProperty          = "email"
)

var actionNames = map[crm.EntityKind][2]string{
	crm.People:        {PersonCreated, PersonUpdated},
	crm.Organizations: {OrganizationCreated, OrganizationUpdated},
	crm.Events:        {EventCreated, EventUpdated},
}

// DefaultProperties are requested from search when no override is configured.
var DefaultProperties = map[crm.EntityKind][]string{
	crm.People: {
		"email", "firstname", "lastname", "jobtitle", "phone", "company",
		"lifecyclestage", "createdate", "lastmodifieddate",
	},
	crm.Organizations: {
		"name", "domain", "industry", "numberofemployees", "city", "country",
		"createdate", "hs_lastmodifieddate",
	},
	crm.Events: {
		"hs_meeting_title", "hs_meeting_body", "hs_meeting_start_time", "hs_meeting_end_time",
		"hs_meeting_outcome", "hs_createdate", "hs_lastmodifieddate",
	},
}

// classify reports whether r was created after watermark, and the date its action carries.
func classify(r *crm.Record, watermark time.Time) (bool, time.Time) {
	if r.CreatedAt.After(watermark) {
		return true, r.CreatedAt
	}
	return false, r.UpdatedAt
}

func actionName(kind crm.EntityKind, created bool) string {
	names := actionNames[kind]
	if created {
		return names[0]
	}
	return names[1]
}

// withoutNulls copies the non-null properties of r.
func withoutNulls(props map[string]*string) map[string]any {
	ret := make(map[string]any, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		ret[k] = *v
	}
	return ret
}
