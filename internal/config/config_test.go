package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// clearEnv blanks the env vars these tests read. Viper treats empty env
// values as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{KeyDataDir, KeyStore, KeyDBPath, KeyRedisAddr, KeySocketPath, KeyCaptureTimeout, KeyWatchdogInterval} {
		t.Setenv(EnvPrefix+"_"+strings.ToUpper(key), "")
	}
}

func TestLoad_DefaultsUnderDataDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("TETHER_DATA_DIR", dir)

	v, err := NewViper(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, filepath.Join(dir, "tether.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "controller.sock"), cfg.SocketPath)
	assert.Equal(t, filepath.Join(dir, "worker.sock"), cfg.WorkerSocketPath)
	assert.Equal(t, filepath.Join(dir, "worker.json"), cfg.RegistryPath)
	assert.Equal(t, time.Minute, cfg.WatchdogInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.ConfigPollInterval)
	assert.Equal(t, 60*time.Second, cfg.CaptureTimeout)
	assert.Equal(t, filepath.Join(dir, "worker.log"), cfg.LogPath("worker"))
}

func TestLoad_FileOverridesDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "data_dir: " + dir + "\ndb_path: /from/config/file.db\ncapture_timeout: 90s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/from/config/file.db", cfg.DBPath)
	assert.Equal(t, 90*time.Second, cfg.CaptureTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\ndb_path: /from/config/file.db\n"), 0o644))
	t.Setenv("TETHER_DB_PATH", "/from/env/var.db")

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/from/env/var.db", cfg.DBPath)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
		want string
	}{
		{"unknown store", KeyStore, "postgres", "unknown store"},
		{"redis without addr", KeyRedisAddr, "", ""},
		{"zero timeout", KeyCaptureTimeout, "0s", "capture_timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			v, err := NewViper(filepath.Join(t.TempDir(), "none.yaml"))
			require.NoError(t, err)
			v.Set(tt.key, tt.val)
			if tt.key == KeyRedisAddr {
				v.Set(KeyStore, StoreRedis)
				tt.want = "requires redis_addr"
			}
			_, err = Load(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewViper_BadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unterminated\n"), 0o644))

	_, err := NewViper(path)
	require.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("TETHER_DATA_DIR", dir)
	path := filepath.Join(dir, "nested", "config.yaml")

	v, err := NewViper(path)
	require.NoError(t, err)
	require.NoError(t, WriteDefault(path, v, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var fc fileConfig
	require.NoError(t, yaml.Unmarshal(data, &fc))
	assert.Equal(t, dir, fc.DataDir)
	assert.Equal(t, StoreSQLite, fc.Store)
	assert.Equal(t, "1m0s", fc.WatchdogInterval)

	err = WriteDefault(path, v, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, WriteDefault(path, v, true))

	// The written file loads back to the same config.
	v2, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v2)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.WatchdogInterval)
	assert.Equal(t, filepath.Join(dir, "tether.db"), cfg.DBPath)
}
