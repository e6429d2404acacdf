package uotel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultMetricsInterval = time.Minute

type otelConfig struct {
	serviceName      string
	version          string
	initialLogFields map[string]interface{}

	// collector endpoint for tracing and logging
	endpoint    string
	tlsCertPath string
	tlsInsecure bool

	tracingDisabled bool
	loggingDisabled bool

	metricsWriter   io.Writer
	metricsInterval time.Duration

	mtx      sync.Mutex
	resource *resource.Resource
	conn     *grpc.ClientConn
	shutdown []func(context.Context) error
}

type Option func(*otelConfig)

func WithServiceName(serviceName string) Option {
	return func(c *otelConfig) {
		c.serviceName = serviceName
	}
}

func WithVersion(version string) Option {
	return func(c *otelConfig) {
		c.version = version
	}
}

// WithInitialLogFields sets fields added to every log record exported to the collector.
func WithInitialLogFields(ilf map[string]interface{}) Option {
	return func(c *otelConfig) {
		c.initialLogFields = ilf
	}
}

// WithCollector exports traces and logs to an OTLP gRPC collector over TLS. An empty
// tlsCertPath uses the system certificate pool.
func WithCollector(endpoint string, tlsCertPath string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCertPath = tlsCertPath
		c.tlsInsecure = false
	}
}

func WithInsecureCollector(endpoint string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCertPath = ""
		c.tlsInsecure = true
	}
}

func WithTracingDisabled() Option {
	return func(c *otelConfig) {
		c.tracingDisabled = true
	}
}

func WithLoggingDisabled() Option {
	return func(c *otelConfig) {
		c.loggingDisabled = true
	}
}

// WithStdoutMetrics installs a global meter provider that periodically writes metrics as JSON
// to w. A zero interval means one minute.
func WithStdoutMetrics(w io.Writer, interval time.Duration) Option {
	return func(c *otelConfig) {
		if w == nil {
			w = os.Stdout
		}
		if interval <= 0 {
			interval = defaultMetricsInterval
		}
		c.metricsWriter = w
		c.metricsInterval = interval
	}
}

func newConfig(opts ...Option) *otelConfig {
	cfg := &otelConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *otelConfig) init(ctx context.Context) (context.Context, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.metricsWriter != nil {
		if err := c.initMetrics(ctx); err != nil {
			return nil, fmt.Errorf("otel: failed to initialize metrics: %w", err)
		}
	}

	if c.endpoint == "" || (c.loggingDisabled && c.tracingDisabled) {
		zap.L().Debug("otel: no collector endpoint, skipping tracing and logging")
		return ctx, nil
	}

	cc, err := c.getConnection()
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create gRPC connection: %w", err)
	}

	if !c.loggingDisabled {
		ctx, err = c.initLogging(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to initialize logging: %w", err)
		}
	}

	if !c.tracingDisabled {
		err = c.initTracing(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to initialize tracing: %w", err)
		}
	}
	return ctx, nil
}

// precondition: c.mtx is locked
func (c *otelConfig) getConnection() (*grpc.ClientConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	var conn *grpc.ClientConn
	var err error
	if c.tlsInsecure {
		conn, err = createInsecureGRPCConnection(c.endpoint)
	} else {
		conn, err = createGRPCConnection(c.endpoint, c.tlsCertPath)
	}
	if err != nil {
		return nil, err
	}

	c.conn = conn
	return conn, nil
}

func (c *otelConfig) getResource(ctx context.Context) (*resource.Resource, error) {
	if c.resource != nil {
		return c.resource, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(c.serviceName),
			semconv.ServiceVersionKey.String(c.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create otel resource: %w", err)
	}
	c.resource = res
	return res, nil
}

func (c *otelConfig) initMetrics(ctx context.Context) error {
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(c.metricsWriter))
	if err != nil {
		return fmt.Errorf("failed to create stdout metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(c.metricsInterval))),
	)
	otel.SetMeterProvider(provider)

	zap.L().Debug("OpenTelemetry metrics enabled", zap.Duration("interval", c.metricsInterval))

	c.shutdown = append(c.shutdown, provider.Shutdown)
	return nil
}

func (c *otelConfig) initTracing(ctx context.Context, cc *grpc.ClientConn) error {
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(cc))
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	zap.L().Debug("OpenTelemetry tracing enabled")

	c.shutdown = append(c.shutdown, tracerProvider.Shutdown)
	return nil
}

// initLogging tees the global zap logger into an OTLP log exporter. logging.Init must run
// first, since the logger it installs is the one being wrapped.
func (c *otelConfig) initLogging(ctx context.Context, cc *grpc.ClientConn) (context.Context, error) {
	res, err := c.getResource(ctx)
	if err != nil {
		return nil, err
	}

	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(cc))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otlp exporter: %w", err)
	}
	processor := log.NewBatchProcessor(exp, log.WithExportInterval(5*time.Second))
	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(processor),
	)

	otelzapcore := otelzap.NewCore(c.serviceName, otelzap.WithVersion(c.version), otelzap.WithLoggerProvider(provider))
	addOtel := zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelzapcore)
	})

	fields := make([]zap.Field, 0, len(c.initialLogFields))
	for k, v := range c.initialLogFields {
		fields = append(fields, zap.Any(k, v))
	}

	l := ctxzap.Extract(ctx).WithOptions(addOtel).With(fields...)
	zap.ReplaceGlobals(l)

	l.Debug("OpenTelemetry logging enabled")

	c.shutdown = append(c.shutdown, provider.Shutdown)
	return ctxzap.ToContext(ctx, l), nil
}

// Close flushes every provider and closes the collector connection.
func (c *otelConfig) Close(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var errs []error
	for _, shutdown := range c.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.shutdown = nil

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.conn = nil
	}

	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("otel: shutdown failed: %w", err)
	}
	return nil
}

// getTLSConfig reads a PEM certificate from tlsCertPath, or uses the system pool when it is empty.
func getTLSConfig(tlsCertPath string) (*tls.Config, error) {
	if tlsCertPath == "" {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system certificate pool: %w", err)
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    systemPool,
		}, nil
	}

	certData, err := os.ReadFile(tlsCertPath)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to read TLS certificate file: %w", err)
	}

	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(certData); !ok {
		return nil, fmt.Errorf("otel: failed to parse TLS certificate")
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    certPool,
	}, nil
}

func createGRPCConnection(endpoint string, tlsCertPath string) (*grpc.ClientConn, error) {
	zap.L().Debug("otel: using collector", zap.String("endpoint", endpoint))

	tlsConfig, err := getTLSConfig(tlsCertPath)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create TLS config: %w", err)
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}

func createInsecureGRPCConnection(endpoint string) (*grpc.ClientConn, error) {
	zap.L().Warn("otel: using INSECURE connection to collector", zap.String("endpoint", endpoint))
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create insecure gRPC connection to collector: %w", err)
	}
	return conn, nil
}
