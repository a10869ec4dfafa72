package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victorarias/tether/internal/config"
	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

// runCLI executes the root command with an isolated data dir and config file.
func runCLI(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	base := []string{"--data-dir", dir, "--config", filepath.Join(dir, "config.yaml")}
	root.SetArgs(append(base, args...))
	err := root.Execute()
	return out.String(), err
}

func TestWorkerArgs_CarryStoreNotSecrets(t *testing.T) {
	cfg := config.Config{
		DataDir:            "/data",
		Store:              config.StoreRedis,
		DBPath:             "/data/tether.db",
		RedisAddr:          "redis:6379",
		RedisPrefix:        "t:",
		LogLevel:           "debug",
		HeartbeatInterval:  5 * time.Second,
		ConfigPollInterval: 2 * time.Second,
		SlackToken:         "xoxb-secret",
	}
	args := strings.Join(workerArgs(cfg), " ")

	assert.Contains(t, args, "--store redis")
	assert.Contains(t, args, "--redis-addr redis:6379")
	assert.Contains(t, args, "--heartbeat-interval 5s")
	assert.NotContains(t, args, "xoxb-secret")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	kv, err := openStore(ctx, config.Config{Store: config.StoreMemory}, "test")
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	path := filepath.Join(t.TempDir(), "nested", "tether.db")
	kv, err = openStore(ctx, config.Config{Store: config.StoreSQLite, DBPath: path}, "test")
	require.NoError(t, err)
	defer kv.Close()
	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	got, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(got))
}

func TestWithSharedState_RejectsMemory(t *testing.T) {
	err := withSharedState(context.Background(), config.Config{Store: config.StoreMemory}, func(*store.State) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, errNoSharedStore)
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		url, token string
		ok         bool
	}{
		{"wss://tasks.example.com/ws", "tok", true},
		{"ws://127.0.0.1:8080/ws", "tok", true},
		{"https://tasks.example.com/ws", "tok", false},
		{"wss://tasks.example.com/ws", "", false},
		{"", "tok", false},
	}
	for _, tt := range tests {
		err := validateServer(store.ServerConfig{URL: tt.url, Token: tt.token})
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.Error(t, err, tt.url)
		}
	}
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret("plain", strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	got, err = readSecret("-", strings.NewReader("  from-stdin  \nsecond line\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", got)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "(none)", mask(""))
	assert.Equal(t, "****", mask("abcd"))
	assert.Equal(t, "xo******ef", mask("xoxb-abcdef"))
}

func TestConfigSet_PersistsWhileControllerOffline(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "s3cret\n", "config", "set", "wss://tasks.example.com/ws", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "controller offline")

	kv, err := store.OpenSQLite(filepath.Join(dir, "tether.db"), "test")
	require.NoError(t, err)
	defer kv.Close()
	server, ok, err := store.NewState(kv).ServerConfig(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wss://tasks.example.com/ws", server.URL)
	assert.Equal(t, "s3cret", server.Token)

	out, err = runCLI(t, dir, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "wss://tasks.example.com/ws")
	assert.NotContains(t, out, "s3cret")
}

func TestConfigSet_RejectsHTTPURL(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "config", "set", "https://tasks.example.com", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws:// or wss://")
}

func TestConfigInit_WritesFileOnce(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "config.yaml"))

	_, err = runCLI(t, dir, "", "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestStatusShort_ControllerOffline(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "--store", "memory", "status", "--short")
	require.NoError(t, err)
	assert.Equal(t, "? controller offline\n", out)
}

func TestStatus_FallsBackToPersistedState(t *testing.T) {
	dir := t.TempDir()
	kv, err := store.OpenSQLite(filepath.Join(dir, "tether.db"), "test")
	require.NoError(t, err)
	state := store.NewState(kv)
	ctx := context.Background()
	require.NoError(t, state.SetServerConfig(ctx, store.ServerConfig{URL: "wss://x/ws", Token: "t"}))
	_, err = state.IncrementTaskCount(ctx)
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	out, err := runCLI(t, dir, "", "status", "--short")
	require.NoError(t, err)
	assert.Contains(t, out, "1 tasks")
}

func TestLogs_PrintsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	kv, err := store.OpenSQLite(filepath.Join(dir, "tether.db"), "test")
	require.NoError(t, err)
	require.NoError(t, store.NewState(kv).SetLogs(context.Background(), []protocol.LogEntry{
		{Timestamp: protocol.TimestampNow(), Level: protocol.LevelInfo, Message: "third"},
		{Timestamp: protocol.TimestampNow(), Level: protocol.LevelInfo, Message: "second"},
		{Timestamp: protocol.TimestampNow(), Level: protocol.LevelInfo, Message: "first"},
	}))
	require.NoError(t, kv.Close())

	out, err := runCLI(t, dir, "", "logs", "-n", "2")
	require.NoError(t, err)
	assert.NotContains(t, out, "first")
	require.Contains(t, out, "second")
	assert.Less(t, strings.Index(out, "second"), strings.Index(out, "third"))
}
