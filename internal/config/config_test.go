package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templeledger/templeledger/internal/ledger/schema"
	ledgersync "github.com/templeledger/templeledger/internal/ledger/sync"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templeledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "templeledger", "ledger.db"), cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, []string{"records"}, cfg.Sync.ConflictCollections)
	assert.Equal(t, "http://127.0.0.1:8787", cfg.Remote.URL)
	assert.Zero(t, cfg.Dashboard.Port)
	assert.Equal(t, ledgersync.Strategy(""), cfg.Strategy(), "no strategy configured means the persisted one")
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/ledger.db
sync:
  conflict_strategy: manual
  interval: 5m
  realtime_collections: [records, reminders]
dashboard:
  port: 9090
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ledger.db", cfg.Store.Path)
	assert.Equal(t, ledgersync.StrategyManual, cfg.Strategy())
	assert.Equal(t, 9090, cfg.Dashboard.Port)

	sc := cfg.SyncConfig()
	assert.Equal(t, 5*time.Minute, sc.Interval)
	assert.Equal(t, []schema.Collection{schema.Records, schema.Reminders}, sc.RealtimeCollections)
	assert.Equal(t, ledgersync.StrategyManual, sc.Strategy)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "sync:\n  conflict_strategy: manual\n")
	t.Setenv("TEMPLELEDGER_SYNC_CONFLICT_STRATEGY", "server-wins")
	t.Setenv("TEMPLELEDGER_REMOTE_URL", "https://ledger.example")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ledgersync.StrategyServerWins, cfg.Strategy())
	assert.Equal(t, "https://ledger.example", cfg.Remote.URL)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown strategy", "sync:\n  conflict_strategy: newest\n"},
		{"unknown collection", "sync:\n  conflict_collections: [offerings]\n"},
		{"unsynced collection", "sync:\n  realtime_collections: [settings]\n"},
		{"zero interval", "sync:\n  interval: 0s\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad port", "dashboard:\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTOMLMasksSecret(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, "server:\n  jwt_secret: hunter2\n"))
	require.NoError(t, err)

	out, err := cfg.TOML()
	require.NoError(t, err)
	assert.Contains(t, out, "[sync]")
	assert.Contains(t, out, `url = "http://127.0.0.1:8787"`)
	assert.NotContains(t, out, "hunter2")
	assert.Equal(t, "hunter2", cfg.Server.JWTSecret, "the config itself is unchanged")
}

func TestLogger(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, "log:\n  level: warn\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.Logger(&buf, "sync")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, log.WarnLevel, logger.GetLevel())

	w, closer := cfg.LogWriter()
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, closer.Close())
}

func TestLogWriterRotatingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tl.log")
	cfg, _, err := Load(writeConfig(t, "log:\n  file: "+file+"\n"))
	require.NoError(t, err)

	w, closer := cfg.LogWriter()
	cfg.Logger(w, "daemon").Info("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "sync:\n  conflict_strategy: timestamp\n")
	_, v, err := Load(path)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []ledgersync.Strategy
	)
	Watch(v, func(cfg *Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		seen = append(seen, cfg.Strategy())
		mu.Unlock()
	})

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  conflict_strategy: client-wins\n"), 0600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == ledgersync.StrategyClientWins
	}, 5*time.Second, 20*time.Millisecond)
}
