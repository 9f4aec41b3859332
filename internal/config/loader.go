package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "teamforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("TEAMFORGE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
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
	setString(&cfg.Server.Port, "TEAMFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "TEAMFORGE_CORS_ORIGIN")
	setInt64(&cfg.Server.MaxRequestBodySize, "TEAMFORGE_MAX_BODY_SIZE")
	setDuration(&cfg.Server.RequestTimeout, "TEAMFORGE_REQUEST_TIMEOUT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TEAMFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TEAMFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TEAMFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TEAMFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TEAMFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.FeedBucket, "TEAMFORGE_FEED_BUCKET")

	setString(&cfg.Logging.Level, "TEAMFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TEAMFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TEAMFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "TEAMFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TEAMFORGE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "TEAMFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TEAMFORGE_RATE_BURST")

	// Orchestrator
	setInt(&cfg.Orchestrator.MaxConcurrentRuns, "TEAMFORGE_ORCH_MAX_RUNS")
	setDuration(&cfg.Orchestrator.DefaultStepTimeout, "TEAMFORGE_ORCH_STEP_TIMEOUT")
	setInt(&cfg.Orchestrator.DefaultRetryBudget, "TEAMFORGE_ORCH_RETRY_BUDGET")
	setDuration(&cfg.Orchestrator.RetryBaseDelay, "TEAMFORGE_ORCH_RETRY_BASE")
	setFloat64(&cfg.Orchestrator.RetryMultiplier, "TEAMFORGE_ORCH_RETRY_MULTIPLIER")
	setDuration(&cfg.Orchestrator.RetryMaxDelay, "TEAMFORGE_ORCH_RETRY_MAX")
	setInt(&cfg.Orchestrator.DefaultConcurrency, "TEAMFORGE_ORCH_DEFAULT_CONCURRENCY")

	// Hub
	setDuration(&cfg.Hub.HeartbeatInterval, "TEAMFORGE_HUB_HEARTBEAT")
	setInt(&cfg.Hub.MaxMissedHeartbeats, "TEAMFORGE_HUB_MAX_MISSED")
	setInt(&cfg.Hub.SendBuffer, "TEAMFORGE_HUB_SEND_BUFFER")
	setInt(&cfg.Hub.Shards, "TEAMFORGE_HUB_SHARDS")

	// Credentials
	setDuration(&cfg.Credentials.StaleWindow, "TEAMFORGE_CRED_STALE_WINDOW")
	setDuration(&cfg.Credentials.CacheTTL, "TEAMFORGE_CRED_CACHE_TTL")
	setStrings(&cfg.Credentials.SecretKeys, "TEAMFORGE_CRED_SECRET_KEYS")
	setString(&cfg.Credentials.SecretPrefix, "TEAMFORGE_CRED_SECRET_PREFIX")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "TEAMFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "TEAMFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "TEAMFORGE_CACHE_L2_TTL")
	setString(&cfg.Cache.IdempotencyBucket, "TEAMFORGE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Cache.IdempotencyTTL, "TEAMFORGE_IDEMPOTENCY_TTL")

	// Auth
	setBool(&cfg.Auth.Enabled, "TEAMFORGE_AUTH_ENABLED")
	setString(&cfg.Auth.JWTSecret, "TEAMFORGE_JWT_SECRET")
	setString(&cfg.Auth.OIDCIssuer, "TEAMFORGE_OIDC_ISSUER")
	setString(&cfg.Auth.OIDCClientID, "TEAMFORGE_OIDC_CLIENT_ID")

	// Telemetry
	setBool(&cfg.OTEL.Enabled, "TEAMFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "TEAMFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "TEAMFORGE_OTEL_SAMPLE_RATE")

	// Operator alerts
	setString(&cfg.Notify.SlackWebhookURL, "TEAMFORGE_SLACK_WEBHOOK_URL")
	setString(&cfg.Notify.DiscordWebhookURL, "TEAMFORGE_DISCORD_WEBHOOK_URL")
	setString(&cfg.Notify.NATSSubject, "TEAMFORGE_ALERT_SUBJECT")
	setStrings(&cfg.Notify.Sources, "TEAMFORGE_ALERT_SOURCES")
	setDuration(&cfg.Notify.QuietPeriod, "TEAMFORGE_ALERT_QUIET_PERIOD")

	setString(&cfg.Seed.AgentDir, "TEAMFORGE_SEED_AGENT_DIR")
	setString(&cfg.Seed.WorkflowDir, "TEAMFORGE_SEED_WORKFLOW_DIR")
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
	if cfg.Orchestrator.MaxConcurrentRuns < 1 {
		return errors.New("orchestrator.max_concurrent_runs must be >= 1")
	}
	if cfg.Orchestrator.DefaultRetryBudget < 1 {
		return errors.New("orchestrator.default_retry_budget must be >= 1")
	}
	if cfg.Orchestrator.RetryMultiplier < 1 {
		return errors.New("orchestrator.retry_multiplier must be >= 1")
	}
	if cfg.Hub.HeartbeatInterval <= 0 {
		return errors.New("hub.heartbeat_interval must be > 0")
	}
	if cfg.Hub.MaxMissedHeartbeats < 1 {
		return errors.New("hub.max_missed_heartbeats must be >= 1")
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" && cfg.Auth.OIDCIssuer == "" {
		return errors.New("auth.jwt_secret or auth.oidc_issuer is required when auth is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
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
