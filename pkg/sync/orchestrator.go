package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/metrics"
	"github.com/conductorone/crm-sync/pkg/retry"
	"github.com/conductorone/crm-sync/pkg/store"
	"github.com/conductorone/crm-sync/pkg/sync/progresslog"
)

var ErrNoAccounts = errors.New("sync: no accounts to sync")

// Buffer collects actions across every pass of an account and is drained once per account.
type Buffer interface {
	Pusher
	Drain(ctx context.Context)
}

// PassResult is the outcome of one entity pass.
type PassResult struct {
	AccountID  string
	ExternalID string
	Progress   Progress
	Err        error
}

type Report struct {
	RunID  string
	Passes []PassResult
}

// Failed returns the passes that did not finish.
func (r *Report) Failed() []PassResult {
	var ret []PassResult
	for _, p := range r.Passes {
		if p.Err != nil {
			ret = append(ret, p)
		}
	}
	return ret
}

// Orchestrator runs every configured entity pass for every stored account, one at a time.
type Orchestrator struct {
	store      store.Store
	connector  Connector
	buffer     Buffer
	kinds      []crm.EntityKind
	properties map[crm.EntityKind][]string
	retry      retry.RetryConfig
	clock      func() time.Time
	m          *metrics.M
	newRunID   func() string

	transitionHandler func(p Progress)
}

type OrchestratorOption func(*Orchestrator)

// WithKinds restricts the run to kinds. They still run in the standard order.
func WithKinds(kinds ...crm.EntityKind) OrchestratorOption {
	return func(o *Orchestrator) {
		if len(kinds) == 0 {
			return
		}
		want := mapset.NewThreadUnsafeSet(kinds...)
		o.kinds = nil
		for _, k := range crm.AllKinds {
			if want.Contains(k) {
				o.kinds = append(o.kinds, k)
			}
		}
	}
}

func WithKindProperties(props map[crm.EntityKind][]string) OrchestratorOption {
	return func(o *Orchestrator) {
		for k, v := range props {
			if len(v) > 0 {
				o.properties[k] = v
			}
		}
	}
}

func WithRunRetryConfig(c retry.RetryConfig) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retry = c
	}
}

func WithRunClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.clock = now
		}
	}
}

func WithRunMetrics(m *metrics.M) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.m = m
		}
	}
}

func WithPassTransitionHandler(f func(p Progress)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.transitionHandler = f
	}
}

func NewOrchestrator(ctx context.Context, s store.Store, connector Connector, buffer Buffer, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      s,
		connector:  connector,
		buffer:     buffer,
		kinds:      crm.AllKinds,
		properties: make(map[crm.EntityKind][]string),
		clock:      time.Now,
		m:          metrics.New(metrics.NewNoOpHandler(ctx)),
		newRunID:   func() string { return ksuid.New().String() },
	}
	for k, v := range DefaultProperties {
		o.properties[k] = v
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run syncs every account. It only returns an error when there is nothing to sync; pass
// failures are logged and reported.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: o.newRunID()}
	ctx = ctxzap.ToContext(ctx, ctxzap.Extract(ctx).With(zap.String("run_id", report.RunID)))
	l := ctxzap.Extract(ctx)

	accounts, err := o.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("sync: listing accounts: %w", err)
	}
	if len(accounts) == 0 {
		return report, ErrNoAccounts
	}

	l.Info("starting run", zap.Int("accounts", len(accounts)), zap.Stringers("kinds", o.kinds))
	counts := progresslog.NewProgressCounts(ctx)
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Passes = append(report.Passes, o.syncAccount(ctx, acct, counts)...)
	}

	l.Info("finished run", zap.Int("passes", len(report.Passes)), zap.Int("failed", len(report.Failed())))
	return report, nil
}

func (o *Orchestrator) syncAccount(ctx context.Context, acct *store.Account, counts *progresslog.ProgressLog) []PassResult {
	ctx = ctxzap.ToContext(ctx, ctxzap.Extract(ctx).With(
		zap.String("account_id", acct.ID),
		zap.String("external_id", acct.ExternalID),
	))
	l := ctxzap.Extract(ctx)

	results := make([]PassResult, 0, len(o.kinds))
	failAll := func(err error) []PassResult {
		for _, k := range o.kinds {
			results = append(results, PassResult{
				AccountID:  acct.ID,
				ExternalID: acct.ExternalID,
				Progress:   Progress{AccountID: acct.ID, EntityKind: k, State: FailedState},
				Err:        err,
			})
		}
		return results
	}

	h := store.NewHandle(o.store, acct)
	sess, err := o.connector.Connect(ctx, h)
	if err != nil {
		l.Error("failed to connect account", zap.Error(err))
		return failAll(err)
	}
	defer sess.Close()

	if !sess.Credentials.EnsureValid(ctx) {
		if _, err := h.Reload(ctx); errors.Is(err, store.ErrAccountNotFound) {
			l.Warn("account no longer exists, skipping")
			return failAll(err)
		}
		l.Warn("could not obtain valid credentials, continuing with the stored token")
	}

	for _, kind := range o.kinds {
		res := PassResult{AccountID: acct.ID, ExternalID: acct.ExternalID}
		job, err := NewEntitySyncJob(ctx, kind, sess.fetcher(kind), h, o.buffer,
			WithResolver(sess.Resolver),
			WithRefresher(sess.Credentials),
			WithProperties(o.properties[kind]),
			WithRetryConfig(o.retry),
			WithClock(o.clock),
			WithMetrics(o.m),
			WithProgressLog(counts),
			WithTransitionHandler(o.transitionHandler),
		)
		if err != nil {
			res.Progress = Progress{AccountID: acct.ID, EntityKind: kind, State: FailedState}
			res.Err = err
			results = append(results, res)
			continue
		}
		res.Err = job.Run(ctx)
		res.Progress = job.Progress()
		results = append(results, res)
	}

	o.buffer.Drain(ctx)

	if err := h.Persist(ctx); err != nil {
		l.Error("failed to save account", zap.Error(err))
	}
	return results
}
