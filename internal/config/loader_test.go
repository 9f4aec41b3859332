package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Orchestrator.DefaultRetryBudget != 2 {
		t.Errorf("expected retry budget 2, got %d", cfg.Orchestrator.DefaultRetryBudget)
	}
	if cfg.Hub.HeartbeatInterval != 15*time.Second {
		t.Errorf("expected heartbeat 15s, got %v", cfg.Hub.HeartbeatInterval)
	}
	if cfg.Hub.MaxMissedHeartbeats != 3 {
		t.Errorf("expected max missed 3, got %d", cfg.Hub.MaxMissedHeartbeats)
	}
	if cfg.Credentials.StaleWindow != 5*time.Minute {
		t.Errorf("expected stale window 5m, got %v", cfg.Credentials.StaleWindow)
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
orchestrator:
  max_concurrent_runs: 4
  default_step_timeout: 45s
  default_retry_budget: 3
hub:
  heartbeat_interval: 5s
  shards: 8
credentials:
  secret_keys: ["GITHUB_TOKEN", "SLACK_TOKEN"]
logging:
  level: "debug"
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
	if cfg.Orchestrator.MaxConcurrentRuns != 4 {
		t.Errorf("expected max runs 4, got %d", cfg.Orchestrator.MaxConcurrentRuns)
	}
	if cfg.Orchestrator.DefaultStepTimeout != 45*time.Second {
		t.Errorf("expected step timeout 45s, got %v", cfg.Orchestrator.DefaultStepTimeout)
	}
	if cfg.Orchestrator.DefaultRetryBudget != 3 {
		t.Errorf("expected retry budget 3, got %d", cfg.Orchestrator.DefaultRetryBudget)
	}
	if cfg.Hub.HeartbeatInterval != 5*time.Second || cfg.Hub.Shards != 8 {
		t.Errorf("unexpected hub config %+v", cfg.Hub)
	}
	if !reflect.DeepEqual(cfg.Credentials.SecretKeys, []string{"GITHUB_TOKEN", "SLACK_TOKEN"}) {
		t.Errorf("unexpected secret keys %v", cfg.Credentials.SecretKeys)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Hub.MaxMissedHeartbeats != 3 {
		t.Errorf("expected default max missed 3, got %d", cfg.Hub.MaxMissedHeartbeats)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("TEAMFORGE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("TEAMFORGE_PG_MAX_CONNS", "25")
	t.Setenv("TEAMFORGE_LOG_LEVEL", "warn")
	t.Setenv("TEAMFORGE_BREAKER_TIMEOUT", "1m")
	t.Setenv("TEAMFORGE_ORCH_RETRY_MULTIPLIER", "1.5")
	t.Setenv("TEAMFORGE_AUTH_ENABLED", "true")
	t.Setenv("TEAMFORGE_CRED_SECRET_KEYS", "A_TOKEN, B_TOKEN,,")
	t.Setenv("TEAMFORGE_DISCORD_WEBHOOK_URL", "https://discord.test/api/webhooks/1/x")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Orchestrator.RetryMultiplier != 1.5 {
		t.Errorf("expected multiplier 1.5, got %v", cfg.Orchestrator.RetryMultiplier)
	}
	if !cfg.Auth.Enabled {
		t.Error("expected auth enabled")
	}
	if !reflect.DeepEqual(cfg.Credentials.SecretKeys, []string{"A_TOKEN", "B_TOKEN"}) {
		t.Errorf("unexpected secret keys %v", cfg.Credentials.SecretKeys)
	}
	if cfg.Notify.DiscordWebhookURL != "https://discord.test/api/webhooks/1/x" {
		t.Errorf("unexpected discord webhook %q", cfg.Notify.DiscordWebhookURL)
	}
}

func TestEnvOverrideIgnoresMalformed(t *testing.T) {
	cfg := Defaults()
	t.Setenv("TEAMFORGE_HUB_HEARTBEAT", "soon")
	t.Setenv("TEAMFORGE_ORCH_MAX_RUNS", "many")

	loadEnv(&cfg)

	if cfg.Hub.HeartbeatInterval != 15*time.Second {
		t.Errorf("malformed duration should keep default, got %v", cfg.Hub.HeartbeatInterval)
	}
	if cfg.Orchestrator.MaxConcurrentRuns != 32 {
		t.Errorf("malformed int should keep default, got %d", cfg.Orchestrator.MaxConcurrentRuns)
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
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero max runs",
			modify: func(c *Config) { c.Orchestrator.MaxConcurrentRuns = 0 },
			errMsg: "orchestrator.max_concurrent_runs must be >= 1",
		},
		{
			name:   "zero retry budget",
			modify: func(c *Config) { c.Orchestrator.DefaultRetryBudget = 0 },
			errMsg: "orchestrator.default_retry_budget must be >= 1",
		},
		{
			name:   "shrinking backoff",
			modify: func(c *Config) { c.Orchestrator.RetryMultiplier = 0.5 },
			errMsg: "orchestrator.retry_multiplier must be >= 1",
		},
		{
			name:   "zero heartbeat",
			modify: func(c *Config) { c.Hub.HeartbeatInterval = 0 },
			errMsg: "hub.heartbeat_interval must be > 0",
		},
		{
			name:   "auth without verifier",
			modify: func(c *Config) { c.Auth.Enabled = true },
			errMsg: "auth.jwt_secret or auth.oidc_issuer is required when auth is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestLoadFromPrecedence(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "teamforge.yaml")
	content := `
server:
  port: "5555"
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEAMFORGE_LOG_LEVEL", "error")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "5555" {
		t.Errorf("expected YAML port 5555, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected ENV level error to override YAML, got %s", cfg.Logging.Level)
	}
}
