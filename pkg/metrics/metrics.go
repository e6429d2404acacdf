package metrics

import (
	"context"
)

type Handler interface {
	Int64Counter(name string, description string, unit Unit) Int64Counter
	Int64Gauge(name string, description string, unit Unit) Int64Gauge
	Int64Histogram(name string, description string, unit Unit) Int64Histogram
	WithTags(tags map[string]string) Handler
}

type Int64Counter interface {
	Add(ctx context.Context, value int64, tags map[string]string)
}

type Int64Histogram interface {
	Record(ctx context.Context, value int64, tags map[string]string)
}

type Int64Gauge interface {
	Observe(ctx context.Context, value int64, tags map[string]string)
}

type Unit string

const (
	Dimensionless Unit = "1"
	Bytes         Unit = "By"
	Milliseconds  Unit = "ms"
)

type noopInstrument struct{}

func (noopInstrument) Record(context.Context, int64, map[string]string) {}
func (noopInstrument) Add(context.Context, int64, map[string]string) {}
func (noopInstrument) Observe(context.Context, int64, map[string]string) {}

type noopHandler struct{}

func (noopHandler) Int64Counter(string, string, Unit) Int64Counter { return noopInstrument{} }
func (noopHandler) Int64Gauge(string, string, Unit) Int64Gauge { return noopInstrument{} }
func (noopHandler) Int64Histogram(string, string, Unit) Int64Histogram { return noopInstrument{} }
func (h noopHandler) WithTags(map[string]string) Handler { return h }

var _ Handler = noopHandler{}

// NewNoOpHandler discards everything.
func NewNoOpHandler(_ context.Context) Handler {
	return noopHandler{}
}
