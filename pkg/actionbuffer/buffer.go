package actionbuffer

import (
	"context"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/crm-sync/pkg/metrics"
	"github.com/conductorone/crm-sync/pkg/sink"
)

const (
	DefaultThreshold   = 2000
	DefaultMaxInFlight = 4
)

// Buffer accumulates actions and hands them to a sink in batches. A batch is sent in the
// background once more than threshold actions are pending; Drain sends whatever is left and
// waits for all background sends.
type Buffer struct {
	sink      sink.Sink
	threshold int
	m         *metrics.M

	mu       sync.Mutex
	pending  []sink.OutputAction
	inflight *errgroup.Group
}

type Option func(*Buffer)

func WithThreshold(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithMaxInFlight bounds how many background deliveries may run at once. Push blocks
// while the limit is reached.
func WithMaxInFlight(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.inflight.SetLimit(n)
		}
	}
}

func WithMetrics(m *metrics.M) Option {
	return func(b *Buffer) {
		if m != nil {
			b.m = m
		}
	}
}

func New(s sink.Sink, opts ...Option) *Buffer {
	b := &Buffer{
		sink:      s,
		threshold: DefaultThreshold,
		m:         metrics.New(metrics.NewNoOpHandler(context.Background())),
		inflight:  &errgroup.Group{},
	}
	b.inflight.SetLimit(DefaultMaxInFlight)
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) Push(ctx context.Context, action sink.OutputAction) {
	b.mu.Lock()
	b.pending = append(b.pending, action)
	n := len(b.pending)
	var batch []sink.OutputAction
	if n > b.threshold {
		batch = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	b.m.RecordPush(ctx, n)
	if batch == nil {
		return
	}

	// Deliveries outlive the pass that produced them.
	dctx := context.WithoutCancel(ctx)
	b.inflight.Go(func() error {
		b.deliver(dctx, batch)
		return nil
	})
}

func (b *Buffer) deliver(ctx context.Context, batch []sink.OutputAction) {
	err := b.sink.Deliver(ctx, batch)
	b.m.RecordFlush(ctx, len(batch), err)
	if err != nil {
		ctxzap.Extract(ctx).Error("failed to deliver actions", zap.Int("actions", len(batch)), zap.Error(err))
		return
	}
	ctxzap.Extract(ctx).Debug("delivered actions", zap.Int("actions", len(batch)))
}

// Drain delivers all pending actions, then waits for every background delivery.
func (b *Buffer) Drain(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.deliver(ctx, batch)
	}
	_ = b.inflight.Wait()
}
