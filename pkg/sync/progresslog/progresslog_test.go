package progresslog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestProgressLog_RateLimited(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProgressCounts(context.Background(),
		WithLogger(zap.New(core)),
		WithSequentialMode(false),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	p.AddPage("people", 100)
	p.AddEmitted("people", 98)
	p.AddSkipped("people", 2)
	p.LogPassProgress(ctx, "people")
	p.AddPage("people", 50)
	p.LogPassProgress(ctx, "people")
	require.Equal(t, 1, logs.FilterMessage("Syncing").Len())

	now = now.Add(11 * time.Second)
	p.LogPassProgress(ctx, "people")
	require.Equal(t, 2, logs.FilterMessage("Syncing").Len())

	p.AddReset("people")
	p.LogPassDone(ctx, "people")
	done := logs.FilterMessage("Synced").All()
	require.Len(t, done, 1)
	fields := done[0].ContextMap()
	require.Equal(t, int64(2), fields["pages"])
	require.Equal(t, int64(150), fields["records"])
	require.Equal(t, int64(98), fields["emitted"])
	require.Equal(t, int64(2), fields["skipped"])
	require.Equal(t, int64(1), fields["resets"])

	p.Reset("people")
	p.LogPassDone(ctx, "people")
	require.Equal(t, int64(0), logs.FilterMessage("Synced").All()[1].ContextMap()["pages"])
}
