package uotel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitOtel_StdoutMetrics(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	var buf bytes.Buffer
	ctx, shutdown, err := InitOtel(context.Background(),
		WithServiceName("crm-sync-test"),
		WithVersion("v0.0.1"),
		WithStdoutMetrics(&buf, time.Hour),
	)
	require.NoError(t, err)

	counter, err := otel.GetMeterProvider().Meter("test").Int64Counter("crm_sync.test_counter")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, shutdown(ctx))
	require.Contains(t, buf.String(), "crm_sync.test_counter")
	require.Contains(t, buf.String(), "crm-sync-test")
}

func TestInitOtel_NoCollector(t *testing.T) {
	ctx, shutdown, err := InitOtel(context.Background(), WithServiceName("crm-sync-test"))
	require.NoError(t, err)
	require.NotNil(t, ctx)
	require.NoError(t, shutdown(ctx))
}

func TestGetTLSConfig(t *testing.T) {
	cfg, err := getTLSConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)

	_, err = getTLSConfig(filepath.Join(t.TempDir(), "missing.pem"))
	require.ErrorContains(t, err, "failed to read TLS certificate file")

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = getTLSConfig(bad)
	require.ErrorContains(t, err, "failed to parse TLS certificate")
}
