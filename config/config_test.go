package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/config"
)

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := config.FromViper(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Zero(t, cfg.Reconcile.Interval)
	assert.Len(t, cfg.HTTP.CORSOrigins, 2)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LEDGER_MAX_RETRIES", "5")
	t.Setenv("LEDGER_RETRY_BACKOFF", "25ms")
	t.Setenv("RECONCILE_INTERVAL", "15m")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("DB_PASSWORD", "p@ss:word")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, 25*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.Contains(t, cfg.DB.DSN(), "p%40ss%3Aword")
}

func TestDBConfig_DatabaseURLWins(t *testing.T) {
	db := config.DBConfig{DatabaseURL: "postgres://u@h/db", Host: "ignored", Port: 1}
	assert.Equal(t, "postgres://u@h/db", db.ConnectionString())

	db.DatabaseURL = ""
	db.User, db.Host, db.Port, db.DBName, db.SSLMode = "u", "h", 5432, "db", "disable"
	assert.Equal(t, "postgres://u:@h:5432/db?sslmode=disable", db.ConnectionString())
}

func TestFromViper_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "STORE_DRIVER", "mongo"},
		{"bad port", "HTTP_PORT", "70000"},
		{"negative retries", "LEDGER_MAX_RETRIES", "-1"},
		{"bad backoff", "LEDGER_RETRY_BACKOFF", "soon"},
		{"negative interval", "RECONCILE_INTERVAL", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := config.FromViper(v)
			assert.Error(t, err)
		})
	}
}
