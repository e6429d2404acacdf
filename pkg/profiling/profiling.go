package profiling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

type Config struct {
	CPU       bool
	Mem       bool
	OutputDir string // Defaults to the working directory.
}

// Profiler writes a CPU profile covering Start..Stop and a heap profile on demand.
type Profiler struct {
	cfg         Config
	cpuFile     *os.File
	cpuFilePath string
	memFilePath string
}

// New returns nil when no profile is enabled; every method is a no-op on a nil Profiler.
// Files are named cpu-<run>-YYYYMMDD-HHMMSS.prof and mem-<run>-YYYYMMDD-HHMMSS.prof.
func New(cfg Config, run string, now time.Time) (*Profiler, error) {
	if !cfg.CPU && !cfg.Mem {
		return nil, nil
	}

	outputDir := cfg.OutputDir
	if outputDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("profiling: %w", err)
		}
		outputDir = wd
	}

	suffix := now.Format("20060102-150405") + ".prof"
	if run != "" {
		suffix = run + "-" + suffix
	}

	return &Profiler{
		cfg:         cfg,
		cpuFilePath: filepath.Join(outputDir, "cpu-"+suffix),
		memFilePath: filepath.Join(outputDir, "mem-"+suffix),
	}, nil
}

func (p *Profiler) Start(ctx context.Context) error {
	if p == nil || !p.cfg.CPU {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.cpuFilePath), 0o755); err != nil {
		return fmt.Errorf("profiling: creating output directory: %w", err)
	}

	f, err := os.Create(p.cpuFilePath)
	if err != nil {
		return fmt.Errorf("profiling: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("profiling: %w", err)
	}
	p.cpuFile = f

	ctxzap.Extract(ctx).Info("CPU profiling started", zap.String("output_path", p.cpuFilePath))
	return nil
}

// Stop ends CPU profiling and writes the heap profile if enabled.
func (p *Profiler) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	l := ctxzap.Extract(ctx)

	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		err := p.cpuFile.Close()
		p.cpuFile = nil
		if err != nil {
			return fmt.Errorf("profiling: closing CPU profile: %w", err)
		}
		l.Info("CPU profile written", zap.String("path", p.cpuFilePath))
	}

	if !p.cfg.Mem {
		return nil
	}
	f, err := os.Create(p.memFilePath)
	if err != nil {
		return fmt.Errorf("profiling: %w", err)
	}
	defer f.Close()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("profiling: writing heap profile: %w", err)
	}
	l.Info("Memory profile written", zap.String("path", p.memFilePath))
	return nil
}
