package progresslog

import (
	"context"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const defaultMaxLogFrequency = 10 * time.Second

type rwMutex interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// noOpMutex fakes a mutex for sequential passes.
type noOpMutex struct{}

func (m *noOpMutex) Lock()    {}
func (m *noOpMutex) Unlock()  {}
func (m *noOpMutex) RLock()   {}
func (m *noOpMutex) RUnlock() {}

type counts struct {
	pages   int
	records int
	emitted int
	skipped int
	resets  int
}

// ProgressLog keeps per-kind pass counters and logs them at most once per log frequency.
type ProgressLog struct {
	kinds           map[string]*counts
	lastLog         map[string]time.Time
	mu              rwMutex
	l               *zap.Logger
	maxLogFrequency time.Duration
	now             func() time.Time
}

type Option func(*ProgressLog)

func WithLogger(l *zap.Logger) Option {
	return func(p *ProgressLog) {
		// A nil logger would panic on first use.
		if l != nil {
			p.l = l
		}
	}
}

// WithSequentialMode enables/disables mutex protection.
func WithSequentialMode(sequential bool) Option {
	return func(p *ProgressLog) {
		if sequential {
			p.mu = &noOpMutex{}
		} else {
			p.mu = &sync.RWMutex{}
		}
	}
}

func WithLogFrequency(logFrequency time.Duration) Option {
	return func(p *ProgressLog) {
		p.maxLogFrequency = logFrequency
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *ProgressLog) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProgressCounts(ctx context.Context, opts ...Option) *ProgressLog {
	p := &ProgressLog{
		kinds:           make(map[string]*counts),
		lastLog:         make(map[string]time.Time),
		l:               ctxzap.Extract(ctx),
		maxLogFrequency: defaultMaxLogFrequency,
		mu:              &noOpMutex{},
		now:             time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *ProgressLog) get(kind string) *counts {
	c, ok := p.kinds[kind]
	if !ok {
		c = &counts{}
		p.kinds[kind] = c
	}
	return c
}

// Reset clears the counters for kind at the start of a pass.
func (p *ProgressLog) Reset(kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds[kind] = &counts{}
	p.lastLog[kind] = time.Time{}
}

func (p *ProgressLog) AddPage(kind string, records int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.get(kind)
	c.pages++
	c.records += records
}

func (p *ProgressLog) AddEmitted(kind string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.get(kind).emitted += n
}

func (p *ProgressLog) AddSkipped(kind string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.get(kind).skipped += n
}

func (p *ProgressLog) AddReset(kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.get(kind).resets++
}

func (p *ProgressLog) snapshot(kind string) (counts, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var c counts
	if got, ok := p.kinds[kind]; ok {
		c = *got
	}
	return c, p.lastLog[kind]
}

func fields(kind string, c counts) []zap.Field {
	return []zap.Field{
		zap.String("entity_kind", kind),
		zap.Int("pages", c.pages),
		zap.Int("records", c.records),
		zap.Int("emitted", c.emitted),
		zap.Int("skipped", c.skipped),
		zap.Int("resets", c.resets),
	}
}

// LogPassProgress logs the running counters unless they were logged recently.
func (p *ProgressLog) LogPassProgress(ctx context.Context, kind string) {
	c, last := p.snapshot(kind)
	now := p.now()
	if now.Sub(last) < p.maxLogFrequency {
		return
	}
	p.l.Info("Syncing", fields(kind, c)...)

	p.mu.Lock()
	p.lastLog[kind] = now
	p.mu.Unlock()
}

// LogPassDone always logs the final counters for kind.
func (p *ProgressLog) LogPassDone(ctx context.Context, kind string) {
	c, _ := p.snapshot(kind)
	p.l.Info("Synced", fields(kind, c)...)
}
