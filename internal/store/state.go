package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/victorarias/tether/internal/protocol"
)

// Persisted keys read by the dashboard.
const (
	KeyConnection     = "connection"
	KeyBadge          = "badge"
	KeyTaskCount      = "task_count"
	KeyLastSync       = "last_sync"
	KeyActiveTask     = "active_task"
	KeyLogs           = "logs"
	KeyTaskQueue      = "task_queue"
	KeyLoginExpired   = "login_expired"
	KeyServerConfig   = "server_config"
	KeyWorkerDegraded = "worker_degraded"
	keyCapturePrefix  = "capture:"
)

// ServerConfig is the remote server address and credential.
type ServerConfig struct {
	URL   string `json:"serverUrl"`
	Token string `json:"token"`
}

// Valid reports whether both address and credential are present.
func (c ServerConfig) Valid() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.Token) != ""
}

// ConnectionStatus is the copy of the connection state mirrored for the UI.
type ConnectionStatus struct {
	Connected bool                     `json:"connected"`
	State     protocol.ConnectionState `json:"state"`
	URL       string                   `json:"url,omitempty"`
	Code      int                      `json:"code,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	UpdatedAt protocol.Timestamp       `json:"updatedAt"`
}

// State provides typed access to the persisted keys. It holds no state of
// its own; every call goes to the underlying KV.
type State struct {
	kv KV
}

// NewState wraps kv.
func NewState(kv KV) *State {
	return &State{kv: kv}
}

// KV returns the underlying store.
func (s *State) KV() KV { return s.kv }

func (s *State) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, data)
}

func (s *State) getString(ctx context.Context, key string) (string, error) {
	data, _, err := s.kv.Get(ctx, key)
	return string(data), err
}

func (s *State) setOrDelete(ctx context.Context, key, value string) error {
	if value == "" {
		return s.kv.Delete(ctx, key)
	}
	return s.kv.Set(ctx, key, []byte(value))
}

// ServerConfig returns the persisted server configuration.
func (s *State) ServerConfig(ctx context.Context) (ServerConfig, bool, error) {
	var cfg ServerConfig
	ok, err := s.getJSON(ctx, KeyServerConfig, &cfg)
	return cfg, ok && cfg.Valid(), err
}

func (s *State) SetServerConfig(ctx context.Context, cfg ServerConfig) error {
	return s.setJSON(ctx, KeyServerConfig, cfg)
}

func (s *State) Connection(ctx context.Context) (ConnectionStatus, error) {
	st := ConnectionStatus{State: protocol.StateDisconnected}
	_, err := s.getJSON(ctx, KeyConnection, &st)
	return st, err
}

func (s *State) SetConnection(ctx context.Context, st ConnectionStatus) error {
	if st.UpdatedAt == "" {
		st.UpdatedAt = protocol.TimestampNow()
	}
	st.Connected = st.State == protocol.StateConnected
	return s.setJSON(ctx, KeyConnection, st)
}

func (s *State) Badge(ctx context.Context) (string, error) {
	return s.getString(ctx, KeyBadge)
}

func (s *State) SetBadge(ctx context.Context, text string) error {
	return s.setOrDelete(ctx, KeyBadge, text)
}

func (s *State) TaskCount(ctx context.Context) (int64, error) {
	raw, err := s.getString(ctx, KeyTaskCount)
	if err != nil || raw == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", KeyTaskCount, err)
	}
	return n, nil
}

// IncrementTaskCount re-reads the counter and writes it back plus one.
func (s *State) IncrementTaskCount(ctx context.Context) (int64, error) {
	n, err := s.TaskCount(ctx)
	if err != nil {
		return 0, err
	}
	n++
	return n, s.kv.Set(ctx, KeyTaskCount, []byte(strconv.FormatInt(n, 10)))
}

func (s *State) LastSync(ctx context.Context) (protocol.Timestamp, error) {
	raw, err := s.getString(ctx, KeyLastSync)
	return protocol.Timestamp(raw), err
}

func (s *State) SetLastSync(ctx context.Context, at time.Time) error {
	return s.kv.Set(ctx, KeyLastSync, []byte(protocol.NewTimestamp(at)))
}

func (s *State) ActiveTask(ctx context.Context) (string, error) {
	return s.getString(ctx, KeyActiveTask)
}

// SetActiveTask records the label of the running task; empty clears it.
func (s *State) SetActiveTask(ctx context.Context, label string) error {
	return s.setOrDelete(ctx, KeyActiveTask, label)
}

func (s *State) Logs(ctx context.Context) ([]protocol.LogEntry, error) {
	var entries []protocol.LogEntry
	_, err := s.getJSON(ctx, KeyLogs, &entries)
	return entries, err
}

func (s *State) SetLogs(ctx context.Context, entries []protocol.LogEntry) error {
	return s.setJSON(ctx, KeyLogs, entries)
}

func (s *State) TaskQueue(ctx context.Context) (json.RawMessage, error) {
	data, _, err := s.kv.Get(ctx, KeyTaskQueue)
	return json.RawMessage(data), err
}

// SetTaskQueue caches the server's queue snapshot verbatim.
func (s *State) SetTaskQueue(ctx context.Context, tasks json.RawMessage) error {
	if len(tasks) == 0 {
		tasks = json.RawMessage("[]")
	}
	return s.kv.Set(ctx, KeyTaskQueue, tasks)
}

func (s *State) LoginExpired(ctx context.Context) (map[string]bool, error) {
	flags := make(map[string]bool)
	_, err := s.getJSON(ctx, KeyLoginExpired, &flags)
	return flags, err
}

// SetLoginExpired re-reads the per-platform flags and merges one change.
func (s *State) SetLoginExpired(ctx context.Context, platform string, expired bool) error {
	flags, err := s.LoginExpired(ctx)
	if err != nil {
		return err
	}
	if expired {
		flags[platform] = true
	} else {
		delete(flags, platform)
	}
	return s.setJSON(ctx, KeyLoginExpired, flags)
}

func (s *State) Capture(ctx context.Context, platform string) (*protocol.CapturePayload, error) {
	var payload protocol.CapturePayload
	ok, err := s.getJSON(ctx, keyCapturePrefix+platform, &payload)
	if err != nil || !ok {
		return nil, err
	}
	return &payload, nil
}

func (s *State) SetCapture(ctx context.Context, platform string, payload protocol.CapturePayload) error {
	return s.setJSON(ctx, keyCapturePrefix+platform, payload)
}

func (s *State) WorkerDegraded(ctx context.Context) (string, error) {
	return s.getString(ctx, KeyWorkerDegraded)
}

// SetWorkerDegraded records why the worker could not be created; empty clears it.
func (s *State) SetWorkerDegraded(ctx context.Context, reason string) error {
	return s.setOrDelete(ctx, KeyWorkerDegraded, reason)
}

// Snapshot collects everything the dashboard shows. logLimit caps the
// number of log entries returned (0 means all).
func (s *State) Snapshot(ctx context.Context, logLimit int) (*protocol.Snapshot, error) {
	conn, err := s.Connection(ctx)
	if err != nil {
		return nil, err
	}
	snap := &protocol.Snapshot{
		Connected: conn.Connected,
		State:     conn.State,
		URL:       conn.URL,
	}
	if snap.Badge, err = s.Badge(ctx); err != nil {
		return nil, err
	}
	if snap.TaskCount, err = s.TaskCount(ctx); err != nil {
		return nil, err
	}
	if snap.LastSync, err = s.LastSync(ctx); err != nil {
		return nil, err
	}
	if snap.ActiveTask, err = s.ActiveTask(ctx); err != nil {
		return nil, err
	}
	if snap.LoginExpired, err = s.LoginExpired(ctx); err != nil {
		return nil, err
	}
	if snap.TaskQueue, err = s.TaskQueue(ctx); err != nil {
		return nil, err
	}
	if snap.WorkerDegraded, err = s.WorkerDegraded(ctx); err != nil {
		return nil, err
	}
	if _, snap.Configured, err = s.ServerConfig(ctx); err != nil {
		return nil, err
	}
	logs, err := s.Logs(ctx)
	if err != nil {
		return nil, err
	}
	if logLimit > 0 && len(logs) > logLimit {
		logs = logs[:logLimit]
	}
	snap.Logs = logs
	return snap, nil
}
