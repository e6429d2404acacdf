package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conductorone/crm-sync/pkg/actionbuffer"
	"github.com/conductorone/crm-sync/pkg/credentials"
	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/logging"
	"github.com/conductorone/crm-sync/pkg/retry"
)

const (
	EnvPrefix      = "crm_sync"
	ConfigFileName = ".crm-sync"

	SinkLog  = "log"
	SinkHTTP = "http"
	SinkS3   = "s3"

	MetricsNone   = "none"
	MetricsStdout = "stdout"
)

type Config struct {
	ConfigFile string `mapstructure:"config"`

	LogLevel       string   `mapstructure:"log-level"`
	LogFormat      string   `mapstructure:"log-format"`
	LogOutputPaths []string `mapstructure:"log-output"`

	DatabaseURL string `mapstructure:"database-url"`

	ClientID          string        `mapstructure:"client-id"`
	ClientSecret      string        `mapstructure:"client-secret"`
	TokenURL          string        `mapstructure:"token-url"`
	APIBaseURL        string        `mapstructure:"api-base-url"`
	RequestsPerSecond int           `mapstructure:"requests-per-second"`
	RequestTimeout    time.Duration `mapstructure:"request-timeout"`
	DebugPrintBody    bool          `mapstructure:"debug-print-body"`

	Kinds                  []crm.EntityKind `mapstructure:"kinds"`
	PeopleProperties       []string         `mapstructure:"people-properties"`
	OrganizationProperties []string         `mapstructure:"organization-properties"`
	EventProperties        []string         `mapstructure:"event-properties"`

	RetryMaxAttempts  uint          `mapstructure:"retry-max-attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry-initial-delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry-max-delay"`

	FlushThreshold int `mapstructure:"flush-threshold"`
	MaxInFlight    int `mapstructure:"max-in-flight"`

	Sink             string `mapstructure:"sink"`
	SinkURL          string `mapstructure:"sink-url"`
	SinkAPIKey       string `mapstructure:"sink-api-key"`
	SinkAPIKeyHeader string `mapstructure:"sink-api-key-header"`

	S3Bucket          string `mapstructure:"s3-bucket"`
	S3Prefix          string `mapstructure:"s3-prefix"`
	S3Region          string `mapstructure:"s3-region"`
	S3Endpoint        string `mapstructure:"s3-endpoint"`
	S3AccessKeyID     string `mapstructure:"s3-access-key-id"`
	S3SecretAccessKey string `mapstructure:"s3-secret-access-key"`

	Metrics         string        `mapstructure:"metrics"`
	MetricsInterval time.Duration `mapstructure:"metrics-interval"`

	OtelCollectorEndpoint    string `mapstructure:"otel-collector-endpoint"`
	OtelCollectorTLSCertPath string `mapstructure:"otel-collector-tls-cert-path"`
	OtelCollectorInsecure    bool   `mapstructure:"otel-collector-insecure"`
	OtelTracingDisabled      bool   `mapstructure:"otel-tracing-disabled"`
	OtelLoggingDisabled      bool   `mapstructure:"otel-logging-disabled"`

	ProfileCPU bool   `mapstructure:"profile-cpu"`
	ProfileMem bool   `mapstructure:"profile-mem"`
	ProfileDir string `mapstructure:"profile-dir"`
}

// PersistentFlags are shared by every command.
func PersistentFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file. Defaults to ./"+ConfigFileName+".yaml when present")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", logging.LogFormatJSON, "Log format: json or console")
	fs.StringSlice("log-output", nil, "Log output paths")
	fs.String("database-url", "crm-sync.db", "SQLite file path or postgres:// URL of the account store")

	fs.String("otel-collector-endpoint", "", "OTLP gRPC collector receiving traces and logs")
	fs.String("otel-collector-tls-cert-path", "", "PEM certificate of the collector, defaults to the system pool")
	fs.Bool("otel-collector-insecure", false, "Connect to the collector without TLS")
	fs.Bool("otel-tracing-disabled", false, "Do not export traces to the collector")
	fs.Bool("otel-logging-disabled", false, "Do not export logs to the collector")
}

// SyncFlags configure the sync command.
func SyncFlags(fs *pflag.FlagSet) {
	fs.String("client-id", "", "OAuth client id")
	fs.String("client-secret", "", "OAuth client secret, or "+FilePrefix+"<path>")
	fs.String("token-url", credentials.DefaultTokenURL, "OAuth token endpoint")
	fs.String("api-base-url", crm.DefaultBaseURL, "CRM API base URL")
	fs.Int("requests-per-second", 10, "Client side request rate limit per account, 0 disables it")
	fs.Duration("request-timeout", 30*time.Second, "Timeout of a single CRM request")
	fs.Bool("debug-print-body", false, "Log response bodies at debug level")

	fs.StringSlice("kinds", nil, "Entity kinds to sync: people, organizations, events. Defaults to all")
	fs.StringSlice("people-properties", nil, "Contact properties to request")
	fs.StringSlice("organization-properties", nil, "Company properties to request")
	fs.StringSlice("event-properties", nil, "Meeting properties to request")

	fs.Uint("retry-max-attempts", retry.DefaultMaxAttempts, "Retries of a failed search request")
	fs.Duration("retry-initial-delay", retry.DefaultInitialDelay, "Base retry delay, doubled per attempt")
	fs.Duration("retry-max-delay", 0, "Upper bound of a retry delay, 0 for none")

	fs.Int("flush-threshold", actionbuffer.DefaultThreshold, "Pending actions that trigger a background flush")
	fs.Int("max-in-flight", actionbuffer.DefaultMaxInFlight, "Concurrent background flushes")

	fs.String("sink", SinkLog, "Where actions go: log, http or s3")
	fs.String("sink-url", "", "Ingestion endpoint of the http sink")
	fs.String("sink-api-key", "", "API key of the http sink, or "+FilePrefix+"<path>")
	fs.String("sink-api-key-header", "", "Header carrying the http sink API key")
	fs.String("s3-bucket", "", "Bucket of the s3 sink")
	fs.String("s3-prefix", "crm-sync", "Key prefix of the s3 sink")
	fs.String("s3-region", "", "Region of the s3 sink")
	fs.String("s3-endpoint", "", "Custom S3 endpoint, for S3 compatible stores")
	fs.String("s3-access-key-id", "", "Static access key id of the s3 sink")
	fs.String("s3-secret-access-key", "", "Static secret key of the s3 sink, or "+FilePrefix+"<path>")

	fs.String("metrics", MetricsNone, "Metrics exporter: none or stdout")
	fs.Duration("metrics-interval", time.Minute, "Export interval of the stdout metrics exporter")

	fs.Bool("profile-cpu", false, "Write a CPU profile of the run")
	fs.Bool("profile-mem", false, "Write a heap profile at the end of the run")
	fs.String("profile-dir", "", "Directory for profiles, defaults to the working directory")
}

// Load reads the config file, environment and flags of cmd into a Config.
func Load(cmd *cobra.Command) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigFileName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(ComposeDecodeHookFunc(WithAdditionalDecodeHooks(SecretFileHookFunc()))))
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, v, nil
}

// ValidateSync checks what the sync command needs.
func (c *Config) ValidateSync() error {
	var errs []error
	if c.ClientID == "" || c.ClientSecret == "" {
		errs = append(errs, errors.New("client-id and client-secret are required"))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests-per-second must not be negative"))
	}
	switch c.Sink {
	case SinkLog:
	case SinkHTTP:
		if c.SinkURL == "" {
			errs = append(errs, errors.New("sink-url is required for the http sink"))
		}
	case SinkS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3-bucket is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Sink))
	}
	switch c.Metrics {
	case MetricsNone, MetricsStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics exporter %q", c.Metrics))
	}
	if c.OtelCollectorInsecure && c.OtelCollectorTLSCertPath != "" {
		errs = append(errs, errors.New("otel-collector-insecure and otel-collector-tls-cert-path are mutually exclusive"))
	}
	switch c.LogFormat {
	case logging.LogFormatJSON, logging.LogFormatConsole:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// KindProperties returns the configured property overrides per kind.
func (c *Config) KindProperties() map[crm.EntityKind][]string {
	ret := make(map[crm.EntityKind][]string)
	if len(c.PeopleProperties) > 0 {
		ret[crm.People] = c.PeopleProperties
	}
	if len(c.OrganizationProperties) > 0 {
		ret[crm.Organizations] = c.OrganizationProperties
	}
	if len(c.EventProperties) > 0 {
		ret[crm.Events] = c.EventProperties
	}
	return ret
}

func (c *Config) RetryConfig() retry.RetryConfig {
	return retry.RetryConfig{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
	}
}

func (c *Config) OAuth() credentials.Config {
	return credentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
	}
}
