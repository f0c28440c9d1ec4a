package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "hub", cfg.Notifications.Sink)
	assert.Equal(t, 8086, cfg.Server.Port)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
service:
  environment: production
server:
  port: 9000
database:
  driver: memory
notifications:
  sink: log
  push_timeout: 2s
subjects: [purchase_order]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("NOTIFY_SINK", "nats")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Service.Environment)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "nats", cfg.Notifications.Sink)
	assert.Equal(t, 2*time.Second, cfg.Notifications.PushTimeout)
	assert.Equal(t, []string{"purchase_order"}, cfg.Subjects)
	// untouched defaults survive a partial file
	assert.Equal(t, 4, cfg.Notifications.Workers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":    "mysql",
		"NOTIFY_SINK":     "smtp",
		"HTTP_PORT":       "abc",
		"TRACING_ENABLED": "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5433, Database: "approvals", SSLMode: "require"}
	assert.Equal(t, "postgres://u:p@db:5433/approvals?sslmode=require", d.DSN())
}

func TestLoadBooleanOverrides(t *testing.T) {
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("ALLOW_HEADER_IDENTITY", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.Auth.AllowHeaderIdentity)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Notifications.Sink)
	assert.Equal(t, uint32(5), cfg.Notifications.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"platform-admin"}, cfg.Auth.AdminUsers)
}

func TestLoadAdminUsersFromEnv(t *testing.T) {
	t.Setenv("ADMIN_USERS", " ops-1, ,ops-2 ")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Auth.AdminUsers)
}
