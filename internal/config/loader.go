package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "marketmind.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MARKETMIND_PORT")
	setString(&cfg.Server.CORSOrigin, "MARKETMIND_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MARKETMIND_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MARKETMIND_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MARKETMIND_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MARKETMIND_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MARKETMIND_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Analyst.URL, "MARKETMIND_ANALYST_URL")
	setString(&cfg.Analyst.APIKey, "MARKETMIND_ANALYST_API_KEY")
	setDuration(&cfg.Analyst.Timeout, "MARKETMIND_ANALYST_TIMEOUT")
	setString(&cfg.Logging.Level, "MARKETMIND_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MARKETMIND_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MARKETMIND_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "MARKETMIND_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MARKETMIND_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "MARKETMIND_RATE_RPS")
	setInt(&cfg.Rate.Burst, "MARKETMIND_RATE_BURST")
	setInt(&cfg.Scheduler.MaxActiveTasks, "MARKETMIND_MAX_ACTIVE_TASKS")
	setString(&cfg.Scheduler.PipelineDir, "MARKETMIND_PIPELINE_DIR")
	setInt(&cfg.Runner.MaxConcurrency, "MARKETMIND_RUNNER_MAX_CONCURRENCY")
	setDuration(&cfg.Runner.AgentTimeout, "MARKETMIND_RUNNER_AGENT_TIMEOUT")
	setDuration(&cfg.Runner.GracePeriod, "MARKETMIND_RUNNER_GRACE_PERIOD")
	setInt(&cfg.Runner.MaxAttempts, "MARKETMIND_RUNNER_MAX_ATTEMPTS")
	setDuration(&cfg.Runner.Backoff, "MARKETMIND_RUNNER_BACKOFF")
	setDuration(&cfg.Runner.MaxBackoff, "MARKETMIND_RUNNER_MAX_BACKOFF")
	setInt(&cfg.Stream.BufferSize, "MARKETMIND_STREAM_BUFFER")
	setInt(&cfg.Stream.SubscriberBuffer, "MARKETMIND_STREAM_SUBSCRIBER_BUFFER")
	setDuration(&cfg.Stream.WriteTimeout, "MARKETMIND_STREAM_WRITE_TIMEOUT")
	setFloat64(&cfg.Budget.DefaultDailyUSD, "MARKETMIND_BUDGET_DAILY_USD")
	setFloat64(&cfg.Budget.DefaultMonthlyUSD, "MARKETMIND_BUDGET_MONTHLY_USD")
	setFloat64(&cfg.Budget.SoftThresholdPct, "MARKETMIND_BUDGET_SOFT_PCT")
	setInt64(&cfg.Cache.MaxSizeMB, "MARKETMIND_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.SnapshotTTL, "MARKETMIND_CACHE_SNAPSHOT_TTL")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Scheduler.MaxActiveTasks < 1 {
		return errors.New("scheduler.max_active_tasks must be >= 1")
	}
	if cfg.Runner.MaxConcurrency < 1 {
		return errors.New("runner.max_concurrency must be >= 1")
	}
	if cfg.Runner.AgentTimeout <= 0 {
		return errors.New("runner.agent_timeout must be positive")
	}
	if cfg.Stream.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}
	if cfg.Stream.SubscriberBuffer < cfg.Stream.BufferSize {
		return errors.New("stream.subscriber_buffer must be >= stream.buffer_size (replay must fit)")
	}
	if cfg.Budget.SoftThresholdPct <= 0 || cfg.Budget.SoftThresholdPct >= 100 {
		return errors.New("budget.soft_threshold_pct must be between 0 and 100")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
