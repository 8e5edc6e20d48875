package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: https://chat.example.com
sync:
  page_size: 50
  typing_quiet: 2s
transport:
  max_retries: 5
`), 0o600))

	t.Setenv("CHATSYNC_PAGE_SIZE", "30")
	t.Setenv("CHATSYNC_BACKOFF", "250ms")
	t.Setenv("CHATSYNC_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", cfg.Server.URL)
	require.Equal(t, 30, cfg.Sync.PageSize)
	require.Equal(t, 2*time.Second, cfg.Sync.TypingQuiet)
	require.Equal(t, 6*time.Second, cfg.Sync.TypingTTL)
	require.Equal(t, 5, cfg.Transport.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.Transport.Backoff)
	require.True(t, cfg.Logging.Debug)
}

func TestDotEnvIsRead(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATSYNC_SERVER=http://10.0.0.5:8000\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHATSYNC_SERVER") })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:8000", cfg.Server.URL)
}

func TestEnvErrors(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"CHATSYNC_PAGE_SIZE": "lots",
		"CHATSYNC_BACKOFF":   "soon",
	}
	err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.ErrorContains(t, err, "CHATSYNC_PAGE_SIZE")
	require.ErrorContains(t, err, "CHATSYNC_BACKOFF")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad url", func(c *Config) { c.Server.URL = "localhost:8000" }, "server.url"},
		{"page size", func(c *Config) { c.Sync.PageSize = 0 }, "page_size"},
		{"typing", func(c *Config) { c.Sync.TypingTTL = time.Second }, "typing_ttl"},
		{"retries", func(c *Config) { c.Transport.MaxRetries = -1 }, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	require.NoError(t, Default().Validate())
}
