package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RedisURL           string        `mapstructure:"REDIS_URL"`
	AssessmentCacheTTL time.Duration `mapstructure:"ASSESSMENT_CACHE_TTL"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaPushTopic  string   `mapstructure:"KAFKA_PUSH_TOPIC"`
	KafkaAuditTopic string   `mapstructure:"KAFKA_AUDIT_TOPIC"`

	TextgenURL         string        `mapstructure:"TEXTGEN_URL"`
	TextgenAPIKey      string        `mapstructure:"TEXTGEN_API_KEY"`
	TextgenModel       string        `mapstructure:"TEXTGEN_MODEL"`
	TextgenTimeout     time.Duration `mapstructure:"TEXTGEN_TIMEOUT"`
	ExplainConcurrency int           `mapstructure:"EXPLAIN_CONCURRENCY"`
	LabTablesFile      string        `mapstructure:"LAB_TABLES_FILE"`
	OnCallRecipient    string        `mapstructure:"ONCALL_RECIPIENT"`

	WebhookMaxRetries int           `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookTimeout    time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`

	MLLPAddr       string        `mapstructure:"MLLP_ADDR"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RuntimeMetrics  bool          `mapstructure:"RUNTIME_METRICS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"REDIS_URL", "ASSESSMENT_CACHE_TTL",
	"KAFKA_BROKERS", "KAFKA_PUSH_TOPIC", "KAFKA_AUDIT_TOPIC",
	"TEXTGEN_URL", "TEXTGEN_API_KEY", "TEXTGEN_MODEL", "TEXTGEN_TIMEOUT",
	"EXPLAIN_CONCURRENCY", "LAB_TABLES_FILE", "ONCALL_RECIPIENT",
	"WEBHOOK_MAX_RETRIES", "WEBHOOK_TIMEOUT",
	"MLLP_ADDR", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "RATE_LIMIT_WINDOW", "RUNTIME_METRICS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ASSESSMENT_CACHE_TTL", "15m")
	v.SetDefault("KAFKA_PUSH_TOPIC", "lab.notifications.push")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "lab.audit")
	v.SetDefault("TEXTGEN_TIMEOUT", "10s")
	v.SetDefault("EXPLAIN_CONCURRENCY", 4)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RUNTIME_METRICS", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single string.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RedisEnabled reports whether the assessment cache and shared rate limiter
// are backed by Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// KafkaEnabled reports whether push notifications and audit entries are
// published to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// TextgenEnabled reports whether explanations come from a text-generation
// endpoint instead of the built-in templates.
func (c *Config) TextgenEnabled() bool {
	return c.TextgenURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT verifier must be configured: an issuer (JWKS) or a shared signing key.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	for name, d := range map[string]time.Duration{
		"ASSESSMENT_CACHE_TTL": c.AssessmentCacheTTL,
		"TEXTGEN_TIMEOUT":      c.TextgenTimeout,
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"RATE_LIMIT_WINDOW":    c.RateLimitWindow,
		"WEBHOOK_TIMEOUT":      c.WebhookTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ExplainConcurrency <= 0 {
		return fmt.Errorf("EXPLAIN_CONCURRENCY must be positive, got %d", c.ExplainConcurrency)
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative, got %d", c.WebhookMaxRetries)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.KafkaEnabled() && c.KafkaPushTopic == "" {
		return fmt.Errorf("KAFKA_PUSH_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
