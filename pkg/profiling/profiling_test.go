package profiling

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{}, "run", time.Now())
	require.NoError(t, err)
	require.Nil(t, p)

	// A nil profiler is safe to use.
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}

func TestProfiler_WritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	p, err := New(Config{CPU: true, Mem: true, OutputDir: dir}, "abc", now)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	for _, name := range []string{"cpu-abc-20240601-123000.prof", "mem-abc-20240601-123000.prof"} {
		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Positive(t, fi.Size())
	}
}

func TestProfiler_MemOnly(t *testing.T) {
	dir := t.TempDir()
	p, err := New(Config{Mem: true, OutputDir: dir}, "", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "mem-20240601-000000.prof", entries[0].Name())
}
