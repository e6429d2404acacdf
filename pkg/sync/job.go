package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/crm-sync/pkg/associations"
	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/metrics"
	"github.com/conductorone/crm-sync/pkg/pagination"
	"github.com/conductorone/crm-sync/pkg/retry"
	"github.com/conductorone/crm-sync/pkg/store"
	"github.com/conductorone/crm-sync/pkg/sync/progresslog"
)

var ErrInvalidTransition = errors.New("sync: invalid state transition")

// Pusher accepts actions for delivery.
type Pusher interface {
	Push(ctx context.Context, action OutputAction)
}

// EntitySyncJob runs one incremental pass of a single entity kind for one account.
type EntitySyncJob struct {
	kind        crm.EntityKind
	transformer transformer
	search      pagination.FetchFunc
	account     *store.Handle
	resolver    Resolver
	buffer      Pusher
	refresher   pagination.Refresher
	properties  []string
	retryConfig retry.RetryConfig
	clock       func() time.Time
	m           *metrics.M
	counts      *progresslog.ProgressLog

	transitionHandler func(p Progress)

	state    JobState
	progress Progress
}

type JobOption func(*EntitySyncJob)

func WithResolver(r Resolver) JobOption {
	return func(j *EntitySyncJob) {
		j.resolver = r
	}
}

func WithRefresher(r pagination.Refresher) JobOption {
	return func(j *EntitySyncJob) {
		j.refresher = r
	}
}

func WithProperties(props []string) JobOption {
	return func(j *EntitySyncJob) {
		if len(props) > 0 {
			j.properties = props
		}
	}
}

func WithRetryConfig(c retry.RetryConfig) JobOption {
	return func(j *EntitySyncJob) {
		j.retryConfig = c
	}
}

func WithClock(now func() time.Time) JobOption {
	return func(j *EntitySyncJob) {
		if now != nil {
			j.clock = now
		}
	}
}

func WithMetrics(m *metrics.M) JobOption {
	return func(j *EntitySyncJob) {
		if m != nil {
			j.m = m
		}
	}
}

func WithProgressLog(p *progresslog.ProgressLog) JobOption {
	return func(j *EntitySyncJob) {
		if p != nil {
			j.counts = p
		}
	}
}

// WithTransitionHandler is called after every state change.
func WithTransitionHandler(f func(p Progress)) JobOption {
	return func(j *EntitySyncJob) {
		j.transitionHandler = f
	}
}

type nopResolver struct{}

func (nopResolver) Parents(context.Context, string, string, []string) associations.Map {
	return nil
}

func (nopResolver) Identities(context.Context, []string) associations.Map {
	return nil
}

func NewEntitySyncJob(ctx context.Context, kind crm.EntityKind, search pagination.FetchFunc, account *store.Handle, buffer Pusher, opts ...JobOption) (*EntitySyncJob, error) {
	t := transformerFor(kind)
	if t == nil {
		return nil, fmt.Errorf("sync: unsupported entity kind %q", kind)
	}
	if search == nil || account == nil || buffer == nil {
		return nil, errors.New("sync: search, account and buffer are required")
	}

	j := &EntitySyncJob{
		kind:        kind,
		transformer: t,
		search:      search,
		account:     account,
		buffer:      buffer,
		resolver:    nopResolver{},
		properties:  DefaultProperties[kind],
		clock:       time.Now,
		m:           metrics.New(metrics.NewNoOpHandler(ctx)),
		counts:      progresslog.NewProgressCounts(ctx),
	}
	for _, o := range opts {
		o(j)
	}
	j.progress = Progress{AccountID: account.ID(), EntityKind: kind}
	return j, nil
}

func (j *EntitySyncJob) State() JobState {
	return j.state
}

func (j *EntitySyncJob) Progress() Progress {
	return j.progress
}

func (j *EntitySyncJob) transition(ctx context.Context, to JobState) error {
	if !canTransition(j.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, to)
	}
	ctxzap.Extract(ctx).Debug("pass transition",
		zap.String("entity_kind", string(j.kind)),
		zap.Stringer("from", j.state),
		zap.Stringer("to", to),
	)
	j.state = to
	j.progress.State = to
	if j.transitionHandler != nil {
		j.transitionHandler(j.progress)
	}
	return nil
}

func (j *EntitySyncJob) fail(ctx context.Context, start time.Time, err error) error {
	_ = j.transition(ctx, FailedState)
	j.m.RecordPassFailure(ctx, string(j.kind), j.clock().Sub(start), err)
	ctxzap.Extract(ctx).Error("pass failed", zap.String("entity_kind", string(j.kind)), zap.Error(err))
	return err
}

// Run executes the pass. The watermark is only advanced when every page was fetched.
func (j *EntitySyncJob) Run(ctx context.Context) error {
	if j.state != UnknownState {
		return fmt.Errorf("%w: job already ran", ErrInvalidTransition)
	}

	kind := string(j.kind)
	ctx = ctxzap.ToContext(ctx, ctxzap.Extract(ctx).With(zap.String("entity_kind", kind)))
	l := ctxzap.Extract(ctx)

	now := j.clock()
	watermark := j.account.Snapshot().Watermark(j.kind)
	j.counts.Reset(kind)
	l.Info("starting pass", zap.Time("watermark", watermark), zap.Time("now", now))

	pager := pagination.New(j.kind, j.search, watermark, now,
		pagination.WithProperties(j.properties),
		pagination.WithRetryConfig(j.retryConfig),
		pagination.WithRefresher(j.refresher),
		pagination.WithClock(j.clock),
		pagination.WithResetHandler(func(ctx context.Context, _ pagination.Cursor, _ pagination.Cursor) {
			j.m.RecordReset(ctx, kind)
			j.counts.AddReset(kind)
		}),
	)

	if err := j.transition(ctx, FetchingState); err != nil {
		return err
	}
	for !pager.Done() {
		page, err := pager.Next(ctx)
		if err != nil {
			return j.fail(ctx, now, err)
		}
		j.progress.Pages++
		j.progress.Records += len(page.Records)
		j.counts.AddPage(kind, len(page.Records))
		j.m.RecordRecords(ctx, kind, len(page.Records))
		if len(page.Records) == 0 {
			continue
		}

		if err := j.transition(ctx, ResolvingState); err != nil {
			return err
		}
		ids := make([]string, 0, len(page.Records))
		for i := range page.Records {
			ids = append(ids, page.Records[i].ID)
		}
		related := j.transformer.resolve(ctx, j.resolver, ids)

		if err := j.transition(ctx, TransformingState); err != nil {
			return err
		}
		emitted, skipped := 0, 0
		for i := range page.Records {
			action, ok := j.transformer.transform(&page.Records[i], watermark, related)
			if !ok {
				skipped++
				continue
			}
			j.buffer.Push(ctx, action)
			emitted++
		}
		j.progress.Emitted += emitted
		j.progress.Skipped += skipped
		j.counts.AddEmitted(kind, emitted)
		j.counts.AddSkipped(kind, skipped)
		if skipped > 0 {
			j.m.RecordSkipped(ctx, kind, skipped)
		}
		j.counts.LogPassProgress(ctx, kind)

		if err := j.transition(ctx, FetchingState); err != nil {
			return err
		}
	}

	if err := j.transition(ctx, CommittingState); err != nil {
		return err
	}
	err := j.account.Update(ctx, func(a *store.Account) {
		a.Watermarks[j.kind] = now.UTC()
	})
	if err != nil {
		return j.fail(ctx, now, fmt.Errorf("sync: committing %s watermark: %w", kind, err))
	}

	if err := j.transition(ctx, DoneState); err != nil {
		return err
	}
	j.counts.LogPassDone(ctx, kind)
	j.m.RecordPassSuccess(ctx, kind, j.clock().Sub(now))
	return nil
}
