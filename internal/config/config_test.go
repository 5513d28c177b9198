package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5*time.Second, cfg.PollInterval())
	require.Equal(t, time.Hour, cfg.ExpiryInterval())
	require.Equal(t, 8080, cfg.Web.Port)
	require.Equal(t, "data/mt5-bonus.db", cfg.Database.Path)
	require.Equal(t, 30*time.Second, cfg.MT5Timeout())
	require.True(t, cfg.UseMockGateway())
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mt5:
  server_url: https://mt5.example.com
  manager_login: "1001"
  manager_password: secret
monitor:
  poll_interval: 300ms
  expiry_interval: 10m
  auto_discover: true
web:
  port: 9090
`))
	require.NoError(t, err)

	require.False(t, cfg.UseMockGateway())
	require.Equal(t, 300*time.Millisecond, cfg.PollInterval())
	require.Equal(t, 10*time.Minute, cfg.ExpiryInterval())
	require.True(t, cfg.Monitor.AutoDiscover)
	require.Equal(t, 9090, cfg.Web.Port)
}

func TestLoadRejectsBadInterval(t *testing.T) {
	_, err := Load(writeConfig(t, "monitor:\n  poll_interval: soon\n"))
	require.Error(t, err)
}

func TestLoadRequiresManagerCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, "mt5:\n  server_url: https://mt5.example.com\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "manager_login")
}

func TestLoadRequiresTelegramToken(t *testing.T) {
	_, err := Load(writeConfig(t, "telegram:\n  enabled: true\n  chat_id: 42\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bot_token")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MT5_SERVER_URL", "https://env.example.com")
	t.Setenv("MT5_MANAGER_LOGIN", "2002")
	t.Setenv("MT5_MANAGER_PASSWORD", "envsecret")

	cfg, err := Load(writeConfig(t, "web:\n  port: 8081\n"))
	require.NoError(t, err)

	require.Equal(t, "https://env.example.com", cfg.MT5.ServerURL)
	require.Equal(t, "2002", cfg.MT5.ManagerLogin)
	require.False(t, cfg.UseMockGateway())
}
