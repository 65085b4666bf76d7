package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	MessageStore   string   `mapstructure:"MESSAGE_STORE"`

	DeliveryDelayMin     time.Duration `mapstructure:"DELIVERY_DELAY_MIN"`
	DeliveryDelayMax     time.Duration `mapstructure:"DELIVERY_DELAY_MAX"`
	BootstrapSettleDelay time.Duration `mapstructure:"BOOTSTRAP_SETTLE_DELAY"`

	PollInterval        time.Duration `mapstructure:"POLL_INTERVAL"`
	AutoCompleteGrace   time.Duration `mapstructure:"AUTO_COMPLETE_GRACE"`
	ActivationLookback  time.Duration `mapstructure:"ACTIVATION_LOOKBACK"`
	PollBatchSize       int           `mapstructure:"POLL_BATCH_SIZE"`
	PollRequiresSession bool          `mapstructure:"POLL_REQUIRES_SESSION"`

	GenerationURL    string `mapstructure:"GENERATION_URL"`
	GenerationAPIKey string `mapstructure:"GENERATION_API_KEY"`

	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "MESSAGE_STORE",
	"DELIVERY_DELAY_MIN", "DELIVERY_DELAY_MAX", "BOOTSTRAP_SETTLE_DELAY",
	"POLL_INTERVAL", "AUTO_COMPLETE_GRACE", "ACTIVATION_LOOKBACK", "POLL_BATCH_SIZE", "POLL_REQUIRES_SESSION",
	"GENERATION_URL", "GENERATION_API_KEY",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MESSAGE_STORE", StorePostgres)
	v.SetDefault("DELIVERY_DELAY_MIN", "600ms")
	v.SetDefault("DELIVERY_DELAY_MAX", "1800ms")
	v.SetDefault("BOOTSTRAP_SETTLE_DELAY", "1500ms")
	v.SetDefault("POLL_INTERVAL", "1m")
	v.SetDefault("AUTO_COMPLETE_GRACE", "1h")
	v.SetDefault("ACTIVATION_LOOKBACK", "24h")
	v.SetDefault("POLL_BATCH_SIZE", 100)
	v.SetDefault("POLL_REQUIRES_SESSION", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.MessageStore = strings.ToLower(strings.TrimSpace(cfg.MessageStore))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no token, identity from headers)
//   - AUTH_ISSUER set → "external" (RS256 tokens verified against a JWKS)
//   - Otherwise       → "standalone" (HS256 tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	case "standalone":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"standalone\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", c.AuthMode)
	}

	switch c.MessageStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when MESSAGE_STORE is %q", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("MESSAGE_STORE %q is not allowed when ENV=production", StoreMemory)
		}
	default:
		return fmt.Errorf("MESSAGE_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.MessageStore)
	}

	if c.DeliveryDelayMin <= 0 {
		return fmt.Errorf("DELIVERY_DELAY_MIN must be positive, got %s", c.DeliveryDelayMin)
	}
	if c.DeliveryDelayMax < c.DeliveryDelayMin {
		return fmt.Errorf("DELIVERY_DELAY_MAX (%s) must not be below DELIVERY_DELAY_MIN (%s)", c.DeliveryDelayMax, c.DeliveryDelayMin)
	}
	if c.BootstrapSettleDelay < 0 {
		return fmt.Errorf("BOOTSTRAP_SETTLE_DELAY must not be negative, got %s", c.BootstrapSettleDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.AutoCompleteGrace <= 0 {
		return fmt.Errorf("AUTO_COMPLETE_GRACE must be positive, got %s", c.AutoCompleteGrace)
	}
	if c.ActivationLookback <= 0 {
		return fmt.Errorf("ACTIVATION_LOOKBACK must be positive, got %s", c.ActivationLookback)
	}
	if c.PollBatchSize <= 0 {
		return fmt.Errorf("POLL_BATCH_SIZE must be positive, got %d", c.PollBatchSize)
	}

	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	return nil
}
