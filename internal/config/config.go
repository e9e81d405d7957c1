// Package config loads intake service settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokers    []string      `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup   string        `mapstructure:"CONSUMER_GROUP"`
	ChartAPIURL     string        `mapstructure:"CHART_API_URL"`
	ChartAPIToken   string        `mapstructure:"CHART_API_TOKEN"`
	ChartAPITimeout time.Duration `mapstructure:"CHART_API_TIMEOUT"`
	SaveWorkers     int           `mapstructure:"SAVE_WORKERS"`
	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	OTLPEndpoint    string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64       `mapstructure:"TRACE_SAMPLE_RATE"`

	// APIKeys maps an API key to the clinician it authenticates
	APIKeys map[string]string `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS",
	"KAFKA_BROKERS", "CONSUMER_GROUP",
	"CHART_API_URL", "CHART_API_TOKEN", "CHART_API_TIMEOUT",
	"SAVE_WORKERS", "SESSION_TTL", "API_KEYS",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "intake-api")
	v.SetDefault("CHART_API_TIMEOUT", "30s")
	v.SetDefault("SAVE_WORKERS", 4)
	v.SetDefault("SESSION_TTL", "2h")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	apiKeys, err := parseAPIKeys(v.GetString("API_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.APIKeys = apiKeys

	if cfg.ChartAPIURL == "" {
		return nil, fmt.Errorf("CHART_API_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// OutboxEnabled reports whether intake events are persisted to Postgres
func (c *Config) OutboxEnabled() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. Production requires
// at least one API key so the session API is never left open.
func (c *Config) Validate() error {
	if c.SaveWorkers < 1 {
		return fmt.Errorf("SAVE_WORKERS must be at least 1, got %d", c.SaveWorkers)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.ChartAPITimeout <= 0 {
		return fmt.Errorf("CHART_API_TIMEOUT must be positive, got %s", c.ChartAPITimeout)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %g", c.TraceSampleRate)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

// Logger builds the service logger for the configured environment
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
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

// parseAPIKeys reads "key:clinician" pairs
func parseAPIKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		key, clinician, ok := strings.Cut(pair, ":")
		key, clinician = strings.TrimSpace(key), strings.TrimSpace(clinician)
		if !ok || key == "" || clinician == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:clinician", pair)
		}
		out[key] = clinician
	}
	return out, nil
}
