package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Runner.MaxConcurrency != 4 {
		t.Errorf("expected runner concurrency 4, got %d", cfg.Runner.MaxConcurrency)
	}
	if cfg.Budget.DefaultDailyUSD != 25 {
		t.Errorf("expected default daily budget 25, got %v", cfg.Budget.DefaultDailyUSD)
	}
	if cfg.Stream.BufferSize != 512 {
		t.Errorf("expected stream buffer 512, got %d", cfg.Stream.BufferSize)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
runner:
  max_concurrency: 8
  agent_timeout: 90s
budget:
  default_daily_usd: 100
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Runner.MaxConcurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Runner.MaxConcurrency)
	}
	if cfg.Runner.AgentTimeout != 90*time.Second {
		t.Errorf("expected agent timeout 90s, got %v", cfg.Runner.AgentTimeout)
	}
	if cfg.Budget.DefaultDailyUSD != 100 {
		t.Errorf("expected daily budget 100, got %v", cfg.Budget.DefaultDailyUSD)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("MARKETMIND_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("MARKETMIND_RUNNER_MAX_CONCURRENCY", "16")
	t.Setenv("MARKETMIND_LOG_LEVEL", "warn")
	t.Setenv("MARKETMIND_RUNNER_GRACE_PERIOD", "30s")
	t.Setenv("MARKETMIND_BUDGET_DAILY_USD", "12.5")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Runner.MaxConcurrency != 16 {
		t.Errorf("expected concurrency 16, got %d", cfg.Runner.MaxConcurrency)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Runner.GracePeriod != 30*time.Second {
		t.Errorf("expected grace period 30s, got %v", cfg.Runner.GracePeriod)
	}
	if cfg.Budget.DefaultDailyUSD != 12.5 {
		t.Errorf("expected daily budget 12.5, got %v", cfg.Budget.DefaultDailyUSD)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero runner concurrency",
			modify: func(c *Config) { c.Runner.MaxConcurrency = 0 },
			errMsg: "runner.max_concurrency must be >= 1",
		},
		{
			name:   "subscriber buffer smaller than retention",
			modify: func(c *Config) { c.Stream.SubscriberBuffer = c.Stream.BufferSize - 1 },
			errMsg: "stream.subscriber_buffer must be >= stream.buffer_size (replay must fit)",
		},
		{
			name:   "soft threshold out of range",
			modify: func(c *Config) { c.Budget.SoftThresholdPct = 150 },
			errMsg: "budget.soft_threshold_pct must be between 0 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)

			err := validate(&cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidatePassesDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}
