package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/conductorone/crm-sync/pkg/ratelimit"
	"github.com/conductorone/crm-sync/pkg/uhttp"
)

const (
	passSuccessCounterName  = "crm_sync.pass_success"
	passFailureCounterName  = "crm_sync.pass_failure"
	passDurationHistoName   = "crm_sync.pass_latency"
	recordsCounterName      = "crm_sync.records_fetched"
	actionsCounterName      = "crm_sync.actions_pushed"
	skippedCounterName      = "crm_sync.records_skipped"
	flushCounterName        = "crm_sync.flushes"
	flushSizeHistoName      = "crm_sync.flush_size"
	resetCounterName        = "crm_sync.pagination_resets"
	assocFailureCounterName = "crm_sync.association_failures"
	pendingGaugeName        = "crm_sync.pending_actions"
	passSuccessCounterDesc  = "number of successful passes by entity kind"
	passFailureCounterDesc  = "number of failed passes by entity kind, http status, and rate limit status"
	passDurationHistoDesc   = "duration of passes by entity kind and status"
	recordsCounterDesc      = "records returned by search pages"
	actionsCounterDesc      = "actions appended to the action buffer"
	skippedCounterDesc      = "records dropped for lack of an identity"
	flushCounterDesc        = "action buffer flushes by outcome"
	flushSizeHistoDesc      = "actions per flushed batch"
	resetCounterDesc        = "cursor exhaustion resets"
	assocFailureCounterDesc = "failed association lookups by operation"
	pendingGaugeDesc        = "actions waiting in the buffer"
)

// FailureReason is what can be learned about why a pass failed.
type FailureReason struct {
	HTTPStatus  int
	IsRateLimit bool
}

func extractFailureReason(err error) FailureReason {
	var se *uhttp.StatusError
	if !errors.As(err, &se) {
		return FailureReason{}
	}
	reason := FailureReason{HTTPStatus: se.StatusCode}
	if se.StatusCode == http.StatusTooManyRequests {
		reason.IsRateLimit = true
	}
	if se.RateLimit != nil && se.RateLimit.Status == ratelimit.StatusOverLimit {
		reason.IsRateLimit = true
	}
	return reason
}

// M records the sync measurements on top of a Handler.
type M struct {
	underlying Handler
}

func New(handler Handler) *M {
	return &M{underlying: handler}
}

func (m *M) RecordPassSuccess(ctx context.Context, kind string, dur time.Duration) {
	c := m.underlying.Int64Counter(passSuccessCounterName, passSuccessCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(passDurationHistoName, passDurationHistoDesc, Milliseconds)
	c.Add(ctx, 1, map[string]string{"entity_kind": kind})
	h.Record(ctx, dur.Milliseconds(), map[string]string{"entity_kind": kind, "pass_status": "success"})
}

func (m *M) RecordPassFailure(ctx context.Context, kind string, dur time.Duration, err error) {
	reason := extractFailureReason(err)

	c := m.underlying.Int64Counter(passFailureCounterName, passFailureCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(passDurationHistoName, passDurationHistoDesc, Milliseconds)

	attrs := map[string]string{
		"entity_kind":   kind,
		"http_status":   strconv.Itoa(reason.HTTPStatus),
		"is_rate_limit": strconv.FormatBool(reason.IsRateLimit),
	}
	c.Add(ctx, 1, attrs)

	histoAttrs := map[string]string{"pass_status": "failure"}
	for k, v := range attrs {
		histoAttrs[k] = v
	}
	h.Record(ctx, dur.Milliseconds(), histoAttrs)
}

func (m *M) RecordRecords(ctx context.Context, kind string, n int) {
	m.underlying.Int64Counter(recordsCounterName, recordsCounterDesc, Dimensionless).
		Add(ctx, int64(n), map[string]string{"entity_kind": kind})
}

func (m *M) RecordSkipped(ctx context.Context, kind string, n int) {
	m.underlying.Int64Counter(skippedCounterName, skippedCounterDesc, Dimensionless).
		Add(ctx, int64(n), map[string]string{"entity_kind": kind})
}

func (m *M) RecordPush(ctx context.Context, pending int) {
	m.underlying.Int64Counter(actionsCounterName, actionsCounterDesc, Dimensionless).Add(ctx, 1, nil)
	m.underlying.Int64Gauge(pendingGaugeName, pendingGaugeDesc, Dimensionless).Observe(ctx, int64(pending), nil)
}

func (m *M) RecordFlush(ctx context.Context, size int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.underlying.Int64Counter(flushCounterName, flushCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"outcome": outcome})
	m.underlying.Int64Histogram(flushSizeHistoName, flushSizeHistoDesc, Dimensionless).
		Record(ctx, int64(size), nil)
}

func (m *M) RecordReset(ctx context.Context, kind string) {
	m.underlying.Int64Counter(resetCounterName, resetCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"entity_kind": kind})
}

func (m *M) RecordAssociationFailure(ctx context.Context, op string) {
	m.underlying.Int64Counter(assocFailureCounterName, assocFailureCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"op": op})
}
