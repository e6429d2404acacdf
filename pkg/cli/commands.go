package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/crm-sync/pkg/actionbuffer"
	"github.com/conductorone/crm-sync/pkg/config"
	"github.com/conductorone/crm-sync/pkg/logging"
	"github.com/conductorone/crm-sync/pkg/metrics"
	"github.com/conductorone/crm-sync/pkg/profiling"
	"github.com/conductorone/crm-sync/pkg/sink"
	"github.com/conductorone/crm-sync/pkg/store"
	"github.com/conductorone/crm-sync/pkg/sync"
	"github.com/conductorone/crm-sync/pkg/uotel"
)

// MakeMainCommand returns the root command with every subcommand attached.
func MakeMainCommand(ctx context.Context, name string, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           name,
		Short:         name + " incrementally copies CRM organizations, people and events into an analytics sink",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.PersistentFlags(cmd.PersistentFlags())

	cmd.AddCommand(MakeSyncCommand(ctx, name, version))
	cmd.AddCommand(MakeAccountsCommand(ctx, name))
	return cmd
}

func initLogger(ctx context.Context, name string, cfg *config.Config) (context.Context, error) {
	return logging.Init(
		ctx,
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
		logging.WithOutputPaths(cfg.LogOutputPaths),
		logging.WithInitialFields(map[string]any{"app": name}),
	)
}

func otelOptions(name string, version string, cfg *config.Config) []uotel.Option {
	opts := []uotel.Option{
		uotel.WithServiceName(name),
		uotel.WithVersion(version),
	}
	if cfg.Metrics == config.MetricsStdout {
		opts = append(opts, uotel.WithStdoutMetrics(nil, cfg.MetricsInterval))
	}
	if cfg.OtelCollectorEndpoint != "" {
		if cfg.OtelCollectorInsecure {
			opts = append(opts, uotel.WithInsecureCollector(cfg.OtelCollectorEndpoint))
		} else {
			opts = append(opts, uotel.WithCollector(cfg.OtelCollectorEndpoint, cfg.OtelCollectorTLSCertPath))
		}
	}
	if cfg.OtelTracingDisabled {
		opts = append(opts, uotel.WithTracingDisabled())
	}
	if cfg.OtelLoggingDisabled {
		opts = append(opts, uotel.WithLoggingDisabled())
	}
	return opts
}

func newSink(ctx context.Context, cfg *config.Config) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkHTTP:
		var opts []sink.HTTPOption
		if cfg.SinkAPIKeyHeader != "" {
			opts = append(opts, sink.WithAPIKeyHeader(cfg.SinkAPIKeyHeader))
		}
		return sink.NewHTTPSink(cfg.SinkURL, cfg.SinkAPIKey, &http.Client{Timeout: cfg.RequestTimeout}, opts...)
	case config.SinkS3:
		return sink.NewS3Sink(ctx, sink.S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return sink.NewLogSink(), nil
	}
}

// MakeSyncCommand runs one incremental pass over every stored account.
func MakeSyncCommand(ctx context.Context, name string, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every stored account once",
		Args:  cobra.NoArgs,
	}
	config.SyncFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := config.Load(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateSync(); err != nil {
			return err
		}

		runCtx, err := initLogger(ctx, name, cfg)
		if err != nil {
			return err
		}

		runCtx, shutdown, err := uotel.InitOtel(runCtx, otelOptions(name, version, cfg)...)
		if err != nil {
			return err
		}
		l := ctxzap.Extract(runCtx)
		defer func() {
			if err := shutdown(context.WithoutCancel(runCtx)); err != nil {
				l.Warn("error shutting down telemetry", zap.Error(err))
			}
		}()

		prof, err := profiling.New(profiling.Config{
			CPU:       cfg.ProfileCPU,
			Mem:       cfg.ProfileMem,
			OutputDir: cfg.ProfileDir,
		}, "", time.Now())
		if err != nil {
			return err
		}
		if err := prof.Start(runCtx); err != nil {
			return err
		}
		defer func() {
			if err := prof.Stop(runCtx); err != nil {
				l.Warn("error writing profiles", zap.Error(err))
			}
		}()

		handler := metrics.NewNoOpHandler(runCtx)
		if cfg.Metrics == config.MetricsStdout {
			handler = metrics.NewOtelHandler(runCtx, otel.GetMeterProvider(), name)
		}
		m := metrics.New(handler)

		st, err := store.Open(runCtx, cfg.DatabaseURL)
		if err != nil {
			l.Error("error opening account store", zap.Error(err))
			return err
		}
		defer st.Close(runCtx)

		snk, err := newSink(runCtx, cfg)
		if err != nil {
			l.Error("error creating sink", zap.Error(err))
			return err
		}

		buf := actionbuffer.New(snk,
			actionbuffer.WithThreshold(cfg.FlushThreshold),
			actionbuffer.WithMaxInFlight(cfg.MaxInFlight),
			actionbuffer.WithMetrics(m),
		)
		connector := sync.NewCRMConnector(runCtx, sync.CRMConfig{
			BaseURL:           cfg.APIBaseURL,
			OAuth:             cfg.OAuth(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			RequestTimeout:    cfg.RequestTimeout,
			DebugPrintBody:    cfg.DebugPrintBody,
		}, sync.WithConnectorMetrics(m))

		o := sync.NewOrchestrator(runCtx, st, connector, buf,
			sync.WithKinds(cfg.Kinds...),
			sync.WithKindProperties(cfg.KindProperties()),
			sync.WithRunRetryConfig(cfg.RetryConfig()),
			sync.WithRunMetrics(m),
		)

		report, err := o.Run(runCtx)
		if err != nil {
			if errors.Is(err, sync.ErrNoAccounts) {
				l.Warn("no accounts to sync, add one with `accounts add`")
			}
			return err
		}

		if failed := report.Failed(); len(failed) > 0 {
			for _, p := range failed {
				l.Error("pass failed",
					zap.String("account_id", p.AccountID),
					zap.Stringer("entity_kind", p.Progress.EntityKind),
					zap.Error(p.Err),
				)
			}
			return fmt.Errorf("%d of %d passes failed in run %s", len(failed), len(report.Passes), report.RunID)
		}
		return nil
	}
	return cmd
}
