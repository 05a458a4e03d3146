package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10*time.Second, cfg.Delivery.Timeout())
	require.False(t, cfg.Delivery.Sync())
	require.False(t, cfg.Auth.Enabled())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Delivery.Mode = "later"
	require.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Database.Driver = "mysql"
	require.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Sink.Driver = "airtable"
	require.Error(t, cfg.Validate())
	cfg.Sink.APIKey = "key"
	cfg.Sink.BaseID = "app123"
	require.NoError(t, cfg.Validate())
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Driver: "sqlite", Path: "/tmp/x", Name: "relay"}
	require.Equal(t, "file:/tmp/x/relay.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", d.DSN())

	d = DatabaseConfig{Driver: "postgres", User: "u", Password: "p", Host: "db", Port: 5432, Name: "relay"}
	require.Equal(t, "postgres://u:p@db:5432/relay?sslmode=disable", d.DSN())
}
