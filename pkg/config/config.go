package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/impromptu/pkg/instantiator"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Isolation modes for module inspection
const (
	IsolationState  = "state"
	IsolationWorker = "worker"
)

// Source kinds accepted in IMPROMPTU_SOURCES
const (
	SourceFile = "file"
	SourceHTTP = "http"
	SourceS3   = "s3"
)

// Config holds all application configuration
type Config struct {
	// Packages configures retrieval into the local package root
	Packages PackagesConfig

	// Sandbox configures discovery
	Sandbox SandboxConfig

	// Registry configures remote sources and their index cache
	Registry RegistryConfig

	// Server configures `impromptu serve`
	Server ServerConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// PackagesConfig holds the package root and retrieval settings
type PackagesConfig struct {
	Root              string
	Sources           []SourceSpec
	PollInterval      time.Duration
	WaitBudget        time.Duration
	StaleLockAge      time.Duration
	StopOnSourceError bool
}

// SourceSpec is one parsed entry of IMPROMPTU_SOURCES
type SourceSpec struct {
	Kind string

	// Location is a directory for file sources, a base URL for http
	// sources and a bucket for s3 sources
	Location string

	// Prefix is the s3 key prefix
	Prefix string
}

func (s SourceSpec) String() string {
	switch s.Kind {
	case SourceS3:
		return "s3://" + s.Location + "/" + s.Prefix
	case SourceFile:
		return "file://" + s.Location
	default:
		return s.Location
	}
}

// SandboxConfig holds discovery settings
type SandboxConfig struct {
	Isolation      string
	Workers        int
	HostDir        string
	InspectTimeout time.Duration
}

// RegistryConfig holds the index cache and remote source settings
type RegistryConfig struct {
	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration
	RedisURL     string

	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	HTTPTimeout time.Duration
}

// ServerConfig holds HTTP registry server configuration
type ServerConfig struct {
	Host            string
	Port            string
	FeedDir         string
	Watch           bool
	ReindexSchedule string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	packages, err := loadPackagesConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Packages:      packages,
		Sandbox:       loadSandboxConfig(),
		Registry:      loadRegistryConfig(),
		Server:        loadServerConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadPackagesConfig loads retrieval configuration from environment
func loadPackagesConfig() (PackagesConfig, error) {
	sources, err := ParseSources(getEnv("IMPROMPTU_SOURCES", ""))
	if err != nil {
		return PackagesConfig{}, err
	}
	return PackagesConfig{
		Root:              getEnv("IMPROMPTU_ROOT", instantiator.DefaultRoot()),
		Sources:           sources,
		PollInterval:      getEnvDuration("IMPROMPTU_POLL_INTERVAL", 50*time.Millisecond),
		WaitBudget:        getEnvDuration("IMPROMPTU_WAIT_BUDGET", 30*time.Second),
		StaleLockAge:      getEnvDuration("IMPROMPTU_STALE_LOCK_AGE", 0),
		StopOnSourceError: getEnvBool("IMPROMPTU_STOP_ON_SOURCE_ERROR", false),
	}, nil
}

// loadSandboxConfig loads discovery configuration from environment
func loadSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Isolation:      strings.ToLower(getEnv("IMPROMPTU_ISOLATION", IsolationState)),
		Workers:        getEnvInt("IMPROMPTU_INSPECT_WORKERS", runtime.GOMAXPROCS(0)),
		HostDir:        getEnv("IMPROMPTU_HOST_DIR", ""),
		InspectTimeout: getEnvDuration("IMPROMPTU_INSPECT_TIMEOUT", 30*time.Second),
	}
}

// loadRegistryConfig loads cache and remote source configuration from environment
func loadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CacheEnabled:   getEnvBool("IMPROMPTU_CACHE_ENABLED", true),
		CacheSize:      getEnvInt("IMPROMPTU_CACHE_SIZE", 1024),
		CacheTTL:       getEnvDuration("IMPROMPTU_CACHE_TTL", 5*time.Minute),
		RedisURL:       getEnv("IMPROMPTU_REDIS_URL", ""),
		S3Region:       getEnv("IMPROMPTU_S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("IMPROMPTU_S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("IMPROMPTU_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("IMPROMPTU_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("IMPROMPTU_S3_USE_PATH_STYLE", false),
		HTTPTimeout:    getEnvDuration("IMPROMPTU_HTTP_TIMEOUT", 30*time.Second),
	}
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("IMPROMPTU_HOST", "0.0.0.0"),
		Port:            getEnv("IMPROMPTU_PORT", "8080"),
		FeedDir:         getEnv("IMPROMPTU_FEED_DIR", ""),
		Watch:           getEnvBool("IMPROMPTU_WATCH", true),
		ReindexSchedule: getEnv("IMPROMPTU_REINDEX_SCHEDULE", ""),
		ReadTimeout:     getEnvDuration("IMPROMPTU_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("IMPROMPTU_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("IMPROMPTU_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("IMPROMPTU_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("IMPROMPTU_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("IMPROMPTU_LOG_FORMAT", "text")),
		MetricsEnabled:     getEnvBool("IMPROMPTU_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("IMPROMPTU_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("IMPROMPTU_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("IMPROMPTU_OTEL_SERVICE_NAME", "impromptu"),
		OTelServiceVersion: getEnv("IMPROMPTU_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("IMPROMPTU_OTEL_INSECURE", true),
	}
}

// ParseSources parses a comma separated source list. Entries are feed
// directories (plain paths or file:// URLs), http(s) registry URLs or
// s3://bucket/prefix locations.
func ParseSources(list string) ([]SourceSpec, error) {
	var specs []SourceSpec
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		spec, err := ParseSource(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseSource parses one source entry
func ParseSource(raw string) (SourceSpec, error) {
	if !strings.Contains(raw, "://") {
		return SourceSpec{Kind: SourceFile, Location: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return SourceSpec{}, fmt.Errorf("invalid source %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return SourceSpec{}, fmt.Errorf("invalid source %q: missing path", raw)
		}
		return SourceSpec{Kind: SourceFile, Location: u.Path}, nil
	case "http", "https":
		if u.Host == "" {
			return SourceSpec{}, fmt.Errorf("invalid source %q: missing host", raw)
		}
		return SourceSpec{Kind: SourceHTTP, Location: raw}, nil
	case "s3":
		if u.Host == "" {
			return SourceSpec{}, fmt.Errorf("invalid source %q: missing bucket", raw)
		}
		return SourceSpec{Kind: SourceS3, Location: u.Host, Prefix: strings.TrimPrefix(u.Path, "/")}, nil
	default:
		return SourceSpec{}, fmt.Errorf("invalid source %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Packages.Root == "" {
		return errors.New("package root is required")
	}
	if c.Packages.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Packages.WaitBudget < c.Packages.PollInterval {
		return errors.New("wait budget must be at least the poll interval")
	}

	switch c.Sandbox.Isolation {
	case IsolationState, IsolationWorker:
	default:
		return fmt.Errorf("invalid isolation mode: %s (must be %s or %s)", c.Sandbox.Isolation, IsolationState, IsolationWorker)
	}
	if c.Sandbox.Workers <= 0 {
		return errors.New("inspection workers must be positive")
	}

	if c.Registry.CacheEnabled && c.Registry.CacheSize <= 0 {
		return errors.New("cache size must be positive when the cache is enabled")
	}
	if c.Registry.RedisURL != "" && !c.Registry.CacheEnabled {
		return errors.New("redis requires the index cache to be enabled")
	}

	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.ReindexSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.ReindexSchedule); err != nil {
			return fmt.Errorf("invalid reindex schedule: %w", err)
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
