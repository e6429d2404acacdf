package sink

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

// LogSink writes batches to the context logger instead of delivering them.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (*LogSink) Deliver(ctx context.Context, actions []OutputAction) error {
	l := ctxzap.Extract(ctx)
	l.Info("dry run batch", zap.Int("actions", len(actions)))
	for _, a := range actions {
		l.Debug("action",
			zap.String("action", a.Name),
			zap.Time("date", a.Date),
			zap.String("identity", a.Identity),
			zap.String("entity_key", a.EntityKey),
			zap.Any("properties", a.Properties),
		)
	}
	return nil
}
