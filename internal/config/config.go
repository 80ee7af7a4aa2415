package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr  string `mapstructure:"SERVER_ADDR"`
	CORSOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"` // comma-separated, "*" allows any

	// Logging
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Redis
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// SQL store
	DBDriver   string `mapstructure:"DB_DRIVER"` // "postgres" | "sqlite"
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	// RabbitMQ (optional; empty disables event publishing)
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	LedgerEventsExchange string `mapstructure:"LEDGER_EVENTS_EXCHANGE"`

	// Ledger
	CostCatalogFile   string `mapstructure:"COST_CATALOG_FILE"` // optional YAML overlay
	LedgerMaxAttempts int    `mapstructure:"LEDGER_MAX_ATTEMPTS"`

	// Video tasks
	TaskPollInterval     time.Duration `mapstructure:"TASK_POLL_INTERVAL"` // background sweep cadence
	TaskPollLease        time.Duration `mapstructure:"TASK_POLL_LEASE"`    // min gap between polls of one task
	VideoProviderURL     string        `mapstructure:"VIDEO_PROVIDER_URL"`
	VideoProviderAPIKey  string        `mapstructure:"VIDEO_PROVIDER_API_KEY"`
	VideoProviderModel   string        `mapstructure:"VIDEO_PROVIDER_MODEL"`
	VideoProviderTimeout time.Duration `mapstructure:"VIDEO_PROVIDER_TIMEOUT"`

	// Checkin
	CheckinMinPoints int `mapstructure:"CHECKIN_MIN_POINTS"` // Minimum reward for daily checkin
	CheckinMaxPoints int `mapstructure:"CHECKIN_MAX_POINTS"` // Maximum reward for daily checkin

	// Redemption
	RedeemRateLimitPerMinute int `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`

	// Admin Authentication
	AdminToken string `mapstructure:"ADMIN_TOKEN"` // Bearer token for admin API access
}

var defaults = map[string]any{
	"SERVER_ADDR":                  ":8080",
	"CORS_ALLOWED_ORIGINS":         "*",
	"LOG_LEVEL":                    "info",
	"REDIS_ADDR":                   "localhost:6379",
	"REDIS_PASSWORD":               "",
	"REDIS_DB":                     0,
	"DB_DRIVER":                    "postgres",
	"DB_HOST":                      "localhost",
	"DB_PORT":                      "5432",
	"DB_USER":                      "postgres",
	"DB_PASSWORD":                  "postgres",
	"DB_NAME":                      "magic_points",
	"DB_SSLMODE":                   "disable",
	"SQLITE_PATH":                  "./data/points.db",
	"RABBITMQ_URL":                 "",
	"LEDGER_EVENTS_EXCHANGE":       "ledger_events",
	"COST_CATALOG_FILE":            "",
	"LEDGER_MAX_ATTEMPTS":          5,
	"TASK_POLL_INTERVAL":           "15s",
	"TASK_POLL_LEASE":              "30s",
	"VIDEO_PROVIDER_URL":           "https://ark.cn-beijing.volces.com/api/v3",
	"VIDEO_PROVIDER_API_KEY":       "",
	"VIDEO_PROVIDER_MODEL":         "doubao-seedance-1-0-lite-i2v-250428",
	"VIDEO_PROVIDER_TIMEOUT":       "30s",
	"CHECKIN_MIN_POINTS":           5,
	"CHECKIN_MAX_POINTS":           20,
	"REDEEM_RATE_LIMIT_PER_MINUTE": 10,
	"ADMIN_TOKEN":                  "",
}

// Load reads configuration from environment variables, falling back to an
// optional .env file in the working directory, then to defaults.
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom is Load with an explicit directory for the .env file.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, val := range defaults {
		v.SetDefault(key, val)
		// Unmarshal only sees env vars that were bound.
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.LedgerMaxAttempts < 1 {
		cfg.LedgerMaxAttempts = 1
	}
	if cfg.CheckinMinPoints > cfg.CheckinMaxPoints {
		cfg.CheckinMinPoints, cfg.CheckinMaxPoints = cfg.CheckinMaxPoints, cfg.CheckinMinPoints
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	return &cfg, nil
}

// PostgresDSN builds the DSN used by the postgres driver.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost +
		" port=" + c.DBPort +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// AllowedOrigins splits CORSOrigins into a list, dropping blanks.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
