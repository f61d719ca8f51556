package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5000, cfg.Server.BindPort)
	assert.Equal(t, int64(10<<20), cfg.Server.Download.DefaultBytes)
	assert.Equal(t, int64(1<<30), cfg.Server.Download.MaxBytes)
	assert.Equal(t, int64(64<<10), cfg.Server.Download.ChunkBytes)
	assert.True(t, cfg.Server.Live.IsEnabled())
	assert.True(t, cfg.Server.Metrics.IsEnabled())
	assert.Equal(t, "fbspeed.db", cfg.Storage.Path)

	assert.Equal(t, 5, cfg.Client.PingSamples)
	assert.Equal(t, 15*time.Second, cfg.Client.DownloadLimit.Duration())
	assert.Equal(t, int64(100<<20), cfg.Client.DownloadBytes)
	assert.Equal(t, UploadModeMeasured, cfg.Client.UploadMode)
	assert.Equal(t, 2*time.Second, cfg.Client.DerivedDelayDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.Client.CooldownDuration())
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
log:
  level: debug
server:
  bind_port: 8081
  download:
    default_size: 5mib
    chunk_size: 16kib
  live:
    enabled: false
client:
  server_url: "https://speed.example.com/"
  download_limit: 3
  upload_mode: Derived
  cooldown: 0s
  derived_delay: 0
`))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.BindPort)
	assert.Equal(t, int64(5<<20), cfg.Server.Download.DefaultBytes)
	assert.Equal(t, int64(16<<10), cfg.Server.Download.ChunkBytes)
	assert.False(t, cfg.Server.Live.IsEnabled())
	assert.Equal(t, "https://speed.example.com", cfg.Client.ServerURL)
	assert.Equal(t, 3*time.Second, cfg.Client.DownloadLimit.Duration())
	assert.Equal(t, UploadModeDerived, cfg.Client.UploadMode)
	assert.Equal(t, time.Duration(0), cfg.Client.CooldownDuration())
	assert.Equal(t, time.Duration(0), cfg.Client.DerivedDelayDuration())
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"bad port":          "server:\n  bind_port: 70000\n",
		"default over max":  "server:\n  download:\n    default_size: 2gib\n    max_size: 1gib\n",
		"bad size":          "server:\n  upload:\n    max_size: lots\n",
		"bad upload mode":   "client:\n  upload_mode: simulated\n",
		"bad server url":    "client:\n  server_url: ftp://example.com\n",
		"negative cooldown": "client:\n  cooldown: -1s\n",
		"bad log level":     "log:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(25<<20), cfg.Client.UploadBytes)
	assert.Equal(t, 100, cfg.Server.History.Limit)
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"":       0,
		"100":    100,
		"100b":   100,
		"500kb":  500_000,
		"1MB":    1_000_000,
		"64kib":  64 << 10,
		"10MiB":  10 << 20,
		"1gib":   1 << 30,
		"1.5kib": 1536,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"abc", "-1mb", "mib", "NaN", "10x"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}
