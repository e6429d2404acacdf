package uotel

import (
	"context"
)

// InitOtel configures the global OpenTelemetry providers. The returned function flushes and
// shuts them down.
func InitOtel(ctx context.Context, opts ...Option) (context.Context, func(context.Context) error, error) {
	config := newConfig(opts...)

	ctx, err := config.init(ctx)
	if err != nil {
		return nil, nil, err
	}

	return ctx, config.Close, nil
}
