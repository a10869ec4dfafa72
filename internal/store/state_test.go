package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victorarias/tether/internal/protocol"
)

func TestMemory_ClosedRejectsOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "a", []byte("1")))
	require.NoError(t, m.Close())

	_, _, err := m.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, m.Set(ctx, "a", nil), ErrClosed)
	assert.ErrorIs(t, m.Delete(ctx, "a"), ErrClosed)
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

func TestState_EmptySnapshot(t *testing.T) {
	s := NewState(NewMemory())
	snap, err := s.Snapshot(context.Background(), 0)
	require.NoError(t, err)

	assert.False(t, snap.Connected)
	assert.Equal(t, protocol.StateDisconnected, snap.State)
	assert.Zero(t, snap.TaskCount)
	assert.False(t, snap.Configured)
	assert.Empty(t, snap.LoginExpired)
	assert.Empty(t, snap.Logs)
}

func TestState_ServerConfig(t *testing.T) {
	ctx := context.Background()
	s := NewState(NewMemory())

	_, ok, err := s.ServerConfig(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "missing config should not be valid")

	require.NoError(t, s.SetServerConfig(ctx, ServerConfig{URL: "wss://example.com/ws"}))
	_, ok, err = s.ServerConfig(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "config without token should not be valid")

	require.NoError(t, s.SetServerConfig(ctx, ServerConfig{URL: "wss://example.com/ws", Token: "secret"}))
	cfg, ok, err := s.ServerConfig(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", cfg.Token)
}

func TestState_ConnectionDerivesConnectedFlag(t *testing.T) {
	ctx := context.Background()
	s := NewState(NewMemory())

	require.NoError(t, s.SetConnection(ctx, ConnectionStatus{State: protocol.StateConnected, URL: "wss://h"}))
	st, err := s.Connection(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.UpdatedAt)

	require.NoError(t, s.SetConnection(ctx, ConnectionStatus{State: protocol.StateDisconnected, Code: 1006, Connected: true}))
	st, err = s.Connection(ctx)
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.Equal(t, 1006, st.Code)
}

func TestState_IncrementTaskCountRereads(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	a := NewState(kv)
	b := NewState(kv)

	n, err := a.IncrementTaskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A second writer sharing the store sees the first writer's value.
	n, err = b.IncrementTaskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := a.TaskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestState_LoginExpiredMerges(t *testing.T) {
	ctx := context.Background()
	s := NewState(NewMemory())

	require.NoError(t, s.SetLoginExpired(ctx, "dy", true))
	require.NoError(t, s.SetLoginExpired(ctx, "xhs", true))
	require.NoError(t, s.SetLoginExpired(ctx, "dy", false))

	flags, err := s.LoginExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"xhs": true}, flags)
}

func TestState_ClearingStringsDeletes(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	s := NewState(kv)

	require.NoError(t, s.SetActiveTask(ctx, "dy:t-1"))
	require.NoError(t, s.SetActiveTask(ctx, ""))
	_, ok, err := kv.Get(ctx, KeyActiveTask)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetWorkerDegraded(ctx, "launch failed"))
	reason, err := s.WorkerDegraded(ctx)
	require.NoError(t, err)
	assert.Equal(t, "launch failed", reason)
}

func TestState_CaptureAndQueue(t *testing.T) {
	ctx := context.Background()
	s := NewState(NewMemory())

	got, err := s.Capture(ctx, "dy")
	require.NoError(t, err)
	assert.Nil(t, got)

	payload := protocol.CapturePayload{URL: "https://dy/api/feed", Body: "{}", IsSSR: true}
	require.NoError(t, s.SetCapture(ctx, "dy", payload))
	got, err = s.Capture(ctx, "dy")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payload, *got)

	require.NoError(t, s.SetTaskQueue(ctx, nil))
	q, err := s.TaskQueue(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(q))

	require.NoError(t, s.SetTaskQueue(ctx, json.RawMessage(`[{"taskId":"a"}]`)))
	q, err = s.TaskQueue(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"taskId":"a"}]`, string(q))
}

func TestState_SnapshotLimitsLogs(t *testing.T) {
	ctx := context.Background()
	s := NewState(NewMemory())
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	entries := []protocol.LogEntry{
		{Timestamp: protocol.NewTimestamp(at.Add(2 * time.Second)), Level: protocol.LevelInfo, Message: "third"},
		{Timestamp: protocol.NewTimestamp(at.Add(time.Second)), Level: protocol.LevelWarn, Message: "second"},
		{Timestamp: protocol.NewTimestamp(at), Level: protocol.LevelError, Message: "first"},
	}
	require.NoError(t, s.SetLogs(ctx, entries))
	require.NoError(t, s.SetLastSync(ctx, at))
	require.NoError(t, s.SetBadge(ctx, "ON"))

	snap, err := s.Snapshot(ctx, 2)
	require.NoError(t, err)
	require.Len(t, snap.Logs, 2)
	assert.Equal(t, "third", snap.Logs[0].Message)
	assert.Equal(t, "ON", snap.Badge)
	assert.Equal(t, protocol.NewTimestamp(at), snap.LastSync)
}

// TestRedis_RoundTrip runs against a live server when TETHER_TEST_REDIS is set.
func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("TETHER_TEST_REDIS")
	if addr == "" {
		t.Skip("TETHER_TEST_REDIS not set")
	}
	ctx := context.Background()
	r := NewRedis(NewRedisClient(addr), "tether-test:")
	defer r.Close()
	require.NoError(t, r.Ping(ctx))

	s := NewState(r)
	require.NoError(t, s.SetLoginExpired(ctx, "dy", true))
	flags, err := s.LoginExpired(ctx)
	require.NoError(t, err)
	assert.True(t, flags["dy"])
	require.NoError(t, r.Delete(ctx, KeyLoginExpired))

	_, ok, err := r.Get(ctx, KeyLoginExpired)
	require.NoError(t, err)
	assert.False(t, ok)
}
