package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/conductorone/crm-sync/pkg/ratelimit"
	"github.com/conductorone/crm-sync/pkg/uhttp"
)

func TestExtractFailureReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureReason
	}{
		{name: "nil", err: nil},
		{name: "plain", err: errors.New("boom")},
		{
			name:     "wrapped server error",
			err:      fmt.Errorf("crm: POST /x: %w", &uhttp.StatusError{StatusCode: http.StatusBadGateway}),
			expected: FailureReason{HTTPStatus: http.StatusBadGateway},
		},
		{
			name:     "too many requests",
			err:      &uhttp.StatusError{StatusCode: http.StatusTooManyRequests},
			expected: FailureReason{HTTPStatus: http.StatusTooManyRequests, IsRateLimit: true},
		},
		{
			name: "over limit header",
			err: &uhttp.StatusError{
				StatusCode: http.StatusForbidden,
				RateLimit:  &ratelimit.Description{Status: ratelimit.StatusOverLimit},
			},
			expected: FailureReason{HTTPStatus: http.StatusForbidden, IsRateLimit: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, extractFailureReason(tt.err))
		})
	}
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := New(NewOtelHandler(ctx, provider, "test"))

	m.RecordPassSuccess(ctx, "people", time.Second)
	m.RecordPassFailure(ctx, "events", time.Second, &uhttp.StatusError{StatusCode: http.StatusServiceUnavailable})
	m.RecordRecords(ctx, "people", 150)
	m.RecordPush(ctx, 1)
	m.RecordPush(ctx, 2)
	m.RecordFlush(ctx, 2, nil)
	m.RecordReset(ctx, "people")
	m.RecordAssociationFailure(ctx, "batch_read")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Equal(t, int64(1), sumCounter(t, rm, passSuccessCounterName))
	require.Equal(t, int64(1), sumCounter(t, rm, passFailureCounterName))
	require.Equal(t, int64(150), sumCounter(t, rm, recordsCounterName))
	require.Equal(t, int64(2), sumCounter(t, rm, actionsCounterName))
	require.Equal(t, int64(1), sumCounter(t, rm, flushCounterName))
	require.Equal(t, int64(1), sumCounter(t, rm, resetCounterName))
	require.Equal(t, int64(1), sumCounter(t, rm, assocFailureCounterName))
}
