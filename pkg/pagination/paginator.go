package pagination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/retry"
)

var tracer = otel.Tracer("crm-sync/pagination")

const (
	DefaultPageSize = 100
	// DefaultMaxCursorOffset is the deepest `after` offset the search API serves.
	DefaultMaxCursorOffset = 9900
)

var (
	// ErrFatalPass means the retry ceiling was reached; the pass must not commit its watermark.
	ErrFatalPass = errors.New("pagination: fetch retries exhausted")
	// ErrWindowStalled means a full cursor range shared one modified time, so narrowing the
	// window cannot make progress.
	ErrWindowStalled = errors.New("pagination: cursor exhausted without advancing the window")
)

// FetchFunc performs one search request.
type FetchFunc func(ctx context.Context, req crm.SearchRequest) (*crm.SearchPage, error)

// Refresher is consulted before each retry.
type Refresher interface {
	Expired(now time.Time) bool
	Refresh(ctx context.Context) bool
}

// Cursor is the transient traversal state of a pass.
type Cursor struct {
	After       string
	WindowStart time.Time
	Now         time.Time
}

// Page is one page of records along with the cursor that requested it.
type Page struct {
	Records []crm.Record
	Cursor  Cursor
}

type Paginator struct {
	kind       crm.EntityKind
	fetch      FetchFunc
	properties []string
	pageSize   int
	maxOffset  int
	retry      retry.RetryConfig
	refresher  Refresher
	clock      func() time.Time
	onReset    func(ctx context.Context, from Cursor, to Cursor)

	cursor Cursor
	done   bool
	resets int

	// Records at the newest modified time seen so far. After a reset the window starts at
	// that time again, so these ids are skipped to deliver each record once per pass.
	boundary     time.Time
	boundaryIDs  mapset.Set[string]
	skipIDs      mapset.Set[string]
	skipBoundary time.Time
}

type Option func(*Paginator)

func WithProperties(props []string) Option {
	return func(p *Paginator) {
		p.properties = props
	}
}

func WithPageSize(n int) Option {
	return func(p *Paginator) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func WithMaxCursorOffset(n int) Option {
	return func(p *Paginator) {
		if n > 0 {
			p.maxOffset = n
		}
	}
}

func WithRetryConfig(c retry.RetryConfig) Option {
	return func(p *Paginator) {
		p.retry = c
	}
}

func WithRefresher(r Refresher) Option {
	return func(p *Paginator) {
		p.refresher = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Paginator) {
		if now != nil {
			p.clock = now
		}
	}
}

// WithResetHandler is called every time the cursor is reset and the window narrowed.
func WithResetHandler(f func(ctx context.Context, from Cursor, to Cursor)) Option {
	return func(p *Paginator) {
		p.onReset = f
	}
}

// New returns a paginator over records of kind modified in [windowStart, now].
func New(kind crm.EntityKind, fetch FetchFunc, windowStart time.Time, now time.Time, opts ...Option) *Paginator {
	p := &Paginator{
		kind:        kind,
		fetch:       fetch,
		pageSize:    DefaultPageSize,
		maxOffset:   DefaultMaxCursorOffset,
		clock:       time.Now,
		cursor:      Cursor{WindowStart: windowStart, Now: now},
		boundaryIDs: mapset.NewThreadUnsafeSet[string](),
		skipIDs:     mapset.NewThreadUnsafeSet[string](),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Paginator) Done() bool {
	return p.done
}

func (p *Paginator) Cursor() Cursor {
	return p.cursor
}

// Resets is the number of times the window was narrowed during this pass.
func (p *Paginator) Resets() int {
	return p.resets
}

func (p *Paginator) request() crm.SearchRequest {
	prop := p.kind.LastModifiedProperty()
	start := p.cursor.WindowStart
	if start.IsZero() {
		start = time.UnixMilli(0)
	}
	return crm.SearchRequest{
		FilterGroups: []crm.FilterGroup{{
			Filters: []crm.Filter{
				{PropertyName: prop, Operator: crm.OperatorGTE, Value: crm.EpochMillis(start)},
				{PropertyName: prop, Operator: crm.OperatorLTE, Value: crm.EpochMillis(p.cursor.Now)},
			},
		}},
		Sorts:      []crm.Sort{{PropertyName: prop, Direction: crm.SortAscending}},
		Properties: p.properties,
		Limit:      p.pageSize,
		After:      p.cursor.After,
	}
}

func (p *Paginator) beforeRetry(ctx context.Context, attempt uint) {
	if p.refresher == nil {
		return
	}
	if p.refresher.Expired(p.clock()) {
		ctxzap.Extract(ctx).Info("token expired, refreshing before retry", zap.Uint("attempt", attempt))
		p.refresher.Refresh(ctx)
	}
}

func (p *Paginator) exceedsDepth(after string) bool {
	n, err := strconv.Atoi(after)
	if err != nil {
		return false
	}
	return n > p.maxOffset
}

func (p *Paginator) trackBoundary(r crm.Record) {
	lm := r.LastModified(p.kind)
	switch {
	case lm.After(p.boundary):
		p.boundary = lm
		p.boundaryIDs.Clear()
		p.boundaryIDs.Add(r.ID)
	case lm.Equal(p.boundary):
		p.boundaryIDs.Add(r.ID)
	}
}

// Next fetches the next page. Calling Next after Done returns an empty page.
func (p *Paginator) Next(ctx context.Context) (*Page, error) {
	if p.done {
		return &Page{Cursor: p.cursor}, nil
	}

	ctx, span := tracer.Start(ctx, "Paginator.Next", trace.WithAttributes(
		attribute.String("entity_kind", string(p.kind)),
		attribute.String("after", p.cursor.After),
	))
	defer span.End()

	l := ctxzap.Extract(ctx)
	req := p.request()
	used := p.cursor

	resp, err := retry.Do(ctx, p.retry, func(ctx context.Context) (*crm.SearchPage, error) {
		return p.fetch(ctx, req)
	}, p.beforeRetry)
	if err != nil {
		p.done = true
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch retries exhausted")
		return nil, fmt.Errorf("%w: %s: %w", ErrFatalPass, p.kind, err)
	}

	records := make([]crm.Record, 0, len(resp.Results))
	for _, r := range resp.Results {
		if p.skipIDs.Contains(r.ID) && r.LastModified(p.kind).Equal(p.skipBoundary) {
			continue
		}
		p.trackBoundary(r)
		records = append(records, r)
	}

	next := resp.NextAfter()
	switch {
	case next == "":
		p.done = true
	case p.exceedsDepth(next):
		if len(resp.Results) == 0 {
			p.done = true
			break
		}
		last := resp.Results[len(resp.Results)-1].LastModified(p.kind)
		if !last.After(p.cursor.WindowStart) {
			p.done = true
			return nil, fmt.Errorf("%w: %s: window start %s", ErrWindowStalled, p.kind, p.cursor.WindowStart.Format(time.RFC3339Nano))
		}

		from := p.cursor
		p.cursor.After = ""
		p.cursor.WindowStart = last
		p.resets++
		p.skipBoundary = p.boundary
		p.skipIDs = p.boundaryIDs.Clone()

		l.Info("cursor depth reached, narrowing window",
			zap.String("entity_kind", string(p.kind)),
			zap.String("next_after", next),
			zap.Time("window_start", p.cursor.WindowStart),
			zap.Int("resets", p.resets),
		)
		span.AddEvent("window narrowed", trace.WithAttributes(
			attribute.Int("resets", p.resets),
			attribute.String("next_after", next),
		))
		if p.onReset != nil {
			p.onReset(ctx, from, p.cursor)
		}
	default:
		p.cursor.After = next
	}

	return &Page{Records: records, Cursor: used}, nil
}
