package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := LoadConfig(zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, time.Minute, cfg.Refresh.TickInterval)
	assert.Equal(t, 8, cfg.Refresh.Workers)
	assert.Equal(t, "America/Sao_Paulo", cfg.Location().String())
}

func TestLoadConfig_EnvAndFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
refresh:
  tick_interval: 30s
  workers: 2
  quote_rate_per_minute: 75
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("REFRESH_WORKERS", "16")
	t.Setenv("REFRESH_QUEUE_SIZE", "10")
	t.Setenv("REFRESH_QUOTE_TIMEOUT", "3s")

	cfg, err := LoadConfig(zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Refresh.TickInterval)
	assert.Equal(t, 2, cfg.Refresh.Workers)
	assert.Equal(t, 75, cfg.Refresh.QuoteRatePerMinute)
	assert.Equal(t, 10, cfg.Refresh.QueueSize)
	assert.Equal(t, 3*time.Second, cfg.Refresh.QuoteTimeout)
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "oracle"}},
		{"production without secret", map[string]string{"ENVIRONMENT": "production", "JWT_SECRET": ""}},
		{"bad timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}},
		{"missing config file", map[string]string{"CONFIG_FILE": "/nonexistent/config.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv("DB_DRIVER", "sqlite")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(zaptest.NewLogger(t))
			assert.Error(t, err)
		})
	}
}

func TestInitDB_SQLite(t *testing.T) {
	cfg := &Config{DBDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "test.db"), Environment: "production"}

	db, err := InitDB(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Close())
}

func TestMaskHost(t *testing.T) {
	assert.Equal(t, "***", maskHost("db"))
	assert.Equal(t, "loc***", maskHost("localhost"))
	assert.Equal(t, "db.proje***pabase.com", maskHost("db.project-ref.supabase.com"))
}
