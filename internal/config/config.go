package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Events   EventsConfig   `mapstructure:"events"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for the SQLite database file
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// DeliveryConfig controls outbound webhook calls.
type DeliveryConfig struct {
	TimeoutMs              int    `mapstructure:"timeout_ms"`
	MaxConcurrency         int    `mapstructure:"max_concurrency"`
	Mode                   string `mapstructure:"mode"` // "async" or "sync"
	UserAgent              string `mapstructure:"user_agent"`
	StalePendingMinutes    int    `mapstructure:"stale_pending_minutes"`
	MonitorIntervalSeconds int    `mapstructure:"monitor_interval_seconds"`
}

// Timeout returns the per-request timeout for a webhook POST.
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Sync reports whether event submission waits for delivery results by default.
func (d DeliveryConfig) Sync() bool {
	return d.Mode == "sync"
}

type TasksConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type EventsConfig struct {
	RateLimit  float64 `mapstructure:"rate_limit"` // events per second, 0 disables
	Burst      int     `mapstructure:"burst"`
	BlogSecret string  `mapstructure:"blog_secret"`
}

// SinkConfig configures the optional record sink (Airtable-compatible CRM).
type SinkConfig struct {
	Driver  string `mapstructure:"driver"` // "airtable" or "" (disabled)
	APIKey  string `mapstructure:"api_key"`
	BaseID  string `mapstructure:"base_id"`
	BaseURL string `mapstructure:"base_url"`
}

type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

// Enabled reports whether admin routes require a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return "file:" + d.Path + "/" + d.Name + ".db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "relay")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)
	v.SetDefault("delivery.timeout_ms", 10000)
	v.SetDefault("delivery.max_concurrency", 8)
	v.SetDefault("delivery.mode", "async")
	v.SetDefault("delivery.user_agent", "webhook-relay/1.0")
	v.SetDefault("delivery.stale_pending_minutes", 5)
	v.SetDefault("delivery.monitor_interval_seconds", 60)
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.queue_size", 256)
	v.SetDefault("events.rate_limit", 0)
	v.SetDefault("events.burst", 20)
	v.SetDefault("sink.base_url", "https://api.airtable.com/v0")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	SetDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Delivery.TimeoutMs <= 0 {
		return fmt.Errorf("delivery.timeout_ms must be above 0")
	}
	if c.Delivery.MaxConcurrency <= 0 {
		return fmt.Errorf("delivery.max_concurrency must be above 0")
	}
	if c.Delivery.Mode != "async" && c.Delivery.Mode != "sync" {
		return fmt.Errorf("delivery.mode must be async or sync, got %q", c.Delivery.Mode)
	}
	if c.Tasks.Workers <= 0 || c.Tasks.QueueSize <= 0 {
		return fmt.Errorf("tasks.workers and tasks.queue_size must be above 0")
	}
	if c.Sink.Driver == "airtable" && (c.Sink.APIKey == "" || c.Sink.BaseID == "") {
		return fmt.Errorf("sink.api_key and sink.base_id are required for the airtable sink")
	}
	return nil
}
