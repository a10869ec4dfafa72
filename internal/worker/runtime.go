// Package worker is the long-lived process that owns the server socket. It
// executes dispatched tasks and reports to whichever controller is attached
// over its unix socket.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorarias/tether/internal/connection"
	"github.com/victorarias/tether/internal/executor"
	"github.com/victorarias/tether/internal/metrics"
	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultConfigPollInterval = 2 * time.Second

	// eventBufferSize caps events kept while no controller is attached.
	eventBufferSize = 64
)

type Config struct {
	WorkerID     string
	RegistryPath string
	SocketPath   string
	ControlToken string
	OwnerPID     int

	// Server config attached by the controller at creation. Preferred over
	// the persisted config until the persisted config changes.
	ServerURL string
	Token     string

	State    *store.State
	Executor *executor.Executor

	HeartbeatInterval  time.Duration
	ConfigPollInterval time.Duration

	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration

	Logf func(format string, args ...interface{})
}

type Runtime struct {
	cfg      Config
	manager  *connection.Manager
	exec     *executor.Executor
	listener net.Listener
	logf     func(format string, args ...interface{})

	stopOnce sync.Once
	stopCh   chan struct{}
	tasks    sync.WaitGroup
	taskCtx  context.Context

	connSeq atomic.Uint64

	// server config currently in use
	serverMu  sync.RWMutex
	serverCfg store.ServerConfig
	persisted store.ServerConfig

	// controller channels and the events they missed
	watchMu   sync.Mutex
	watchConn map[*connCtx]struct{}
	buffered  [][]byte

	// last connection status frame, replayed on attach
	statusMu   sync.RWMutex
	lastStatus []byte

	outboxMu sync.Mutex
	outbox   []protocol.TaskResult

	recordMu sync.Mutex
}

// Run serves until ctx is cancelled or the listener fails. The registry entry
// and socket are removed on return.
func Run(ctx context.Context, cfg Config) error {
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	rt := &Runtime{
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		logf:      logf,
		watchConn: make(map[*connCtx]struct{}),
	}
	rt.setStatus(&protocol.WSDisconnected{Code: protocol.CloseAbnormal, Reason: "not connected yet"})
	return rt.run(ctx)
}

func (r *Runtime) run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}

	r.exec = r.cfg.Executor
	if r.exec == nil {
		r.exec = executor.New(
			executor.WithLogf(r.logf),
			executor.WithRetryHook(func(task protocol.TaskDescriptor, _ *executor.AttemptError, _ time.Duration) {
				metrics.TaskRetries.WithLabelValues(task.Platform).Inc()
			}),
		)
	}
	r.serverCfg = store.ServerConfig{URL: r.cfg.ServerURL, Token: r.cfg.Token}
	if persisted, ok, err := r.cfg.State.ServerConfig(ctx); err == nil && ok {
		r.persisted = persisted
	}

	if err := os.MkdirAll(filepath.Dir(r.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	_ = os.Remove(r.cfg.SocketPath)
	listener, err := net.Listen("unix", r.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix socket: %w", err)
	}
	r.listener = listener
	_ = os.Chmod(r.cfg.SocketPath, 0600)

	runCtx, cancel := context.WithCancel(ctx)
	r.taskCtx = runCtx
	defer func() {
		r.requestStop()
		cancel()
		r.tasks.Wait()
		r.cleanup()
	}()

	if r.cfg.RegistryPath != "" {
		entry := NewRegistryEntry(r.cfg.WorkerID, os.Getpid(), r.cfg.SocketPath, r.cfg.ControlToken, r.cfg.OwnerPID)
		if err := WriteRegistryAtomic(r.cfg.RegistryPath, entry); err != nil {
			return err
		}
	}

	r.manager = connection.New(connection.Config{
		Resolver:         connection.ResolverFunc(r.resolve),
		Observer:         r,
		Handler:          r.handleServerMessage,
		BaseDelay:        r.cfg.ReconnectBase,
		MaxDelay:         r.cfg.ReconnectMax,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		OnReconnectScheduled: func(delay time.Duration, attempt uint) {
			metrics.ReconnectsScheduled.Inc()
			r.emitLog(protocol.LevelWarn, fmt.Sprintf("reconnecting in %s (attempt %d)", delay, attempt))
		},
		Logf: r.logf,
	})
	go r.manager.Run(runCtx)
	r.manager.Connect()

	go r.heartbeatLoop(runCtx)
	go r.configWatchLoop(runCtx)
	go func() {
		<-runCtx.Done()
		r.requestStop()
	}()

	r.logf("worker %s listening on %s", r.cfg.WorkerID, r.cfg.SocketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return nil
			default:
			}
			if isTemporary(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept controller connection: %w", err)
		}
		go r.handleConn(conn)
	}
}

func (r *Runtime) validate() error {
	if strings.TrimSpace(r.cfg.SocketPath) == "" {
		return errors.New("missing --socket-path")
	}
	if strings.TrimSpace(r.cfg.ControlToken) == "" {
		return errors.New("missing control token (TETHER_WORKER_CONTROL_TOKEN)")
	}
	if r.cfg.State == nil {
		return errors.New("missing state store")
	}
	if r.cfg.WorkerID == "" {
		r.cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if r.cfg.HeartbeatInterval <= 0 {
		r.cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if r.cfg.ConfigPollInterval <= 0 {
		r.cfg.ConfigPollInterval = DefaultConfigPollInterval
	}
	return nil
}

func (r *Runtime) cleanup() {
	r.watchMu.Lock()
	for c := range r.watchConn {
		_ = c.conn.Close()
	}
	r.watchMu.Unlock()

	if r.cfg.RegistryPath != "" {
		// Only remove the entry if it is still ours.
		if entry, err := ReadRegistry(r.cfg.RegistryPath); err == nil && entry.ControlToken == r.cfg.ControlToken {
			_ = os.Remove(r.cfg.RegistryPath)
		}
	}
	_ = os.Remove(r.cfg.SocketPath)
	r.logf("worker %s stopped", r.cfg.WorkerID)
}

func (r *Runtime) requestStop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.listener != nil {
			_ = r.listener.Close()
		}
	})
}

func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// resolve returns the attached server config, falling back to the persisted one.
func (r *Runtime) resolve(ctx context.Context) (string, string, bool, error) {
	r.serverMu.RLock()
	cfg := r.serverCfg
	r.serverMu.RUnlock()
	if cfg.Valid() {
		return cfg.URL, cfg.Token, true, nil
	}
	persisted, ok, err := r.cfg.State.ServerConfig(ctx)
	if err != nil || !ok {
		return "", "", false, err
	}
	return persisted.URL, persisted.Token, true, nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Runtime) heartbeat() {
	frame, err := encodeFrame(r.aliveMessage())
	if err != nil {
		return
	}
	r.watchMu.Lock()
	targets := r.watchersLocked()
	r.watchMu.Unlock()
	for _, c := range targets {
		c.enqueue(frame, 0)
	}
}

func (r *Runtime) aliveMessage() *protocol.WorkerAlive {
	return &protocol.WorkerAlive{WorkerID: r.cfg.WorkerID, At: protocol.TimestampNow()}
}

// configWatchLoop polls the persisted server config and reconnects when it
// changes.
func (r *Runtime) configWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ConfigPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkConfig(ctx)
		}
	}
}

func (r *Runtime) checkConfig(ctx context.Context) {
	cfg, ok, err := r.cfg.State.ServerConfig(ctx)
	if err != nil {
		r.logf("read server config: %v", err)
		return
	}
	if !ok {
		return
	}

	r.serverMu.Lock()
	changed := cfg != r.persisted
	if changed {
		r.persisted = cfg
		r.serverCfg = cfg
	}
	r.serverMu.Unlock()

	if changed {
		r.emitLog(protocol.LevelInfo, "server configuration changed; reconnecting")
		r.manager.ConfigChanged()
	}
}

// OnConnected implements connection.Observer.
func (r *Runtime) OnConnected(url string) {
	metrics.Connected.Set(1)
	r.setStatus(&protocol.WSConnected{URL: url})
	r.emit(&protocol.WSConnected{URL: url})
	go r.flushOutbox()
}

// OnDisconnected implements connection.Observer.
func (r *Runtime) OnDisconnected(code int, reason string) {
	metrics.Connected.Set(0)
	r.setStatus(&protocol.WSDisconnected{Code: code, Reason: reason})
	r.emit(&protocol.WSDisconnected{Code: code, Reason: reason})
}

// OnError implements connection.Observer.
func (r *Runtime) OnError(err error) {
	r.emit(&protocol.WSError{Error: err.Error()})
}

func (r *Runtime) setStatus(msg protocol.Message) {
	frame, err := encodeFrame(msg)
	if err != nil {
		return
	}
	r.statusMu.Lock()
	r.lastStatus = frame
	r.statusMu.Unlock()
}

func (r *Runtime) status() []byte {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastStatus
}

func (r *Runtime) emitLog(level protocol.LogLevel, message string) {
	r.logf("%s: %s", level, message)
	r.emit(&protocol.Log{Level: level, Message: message})
}

// emit sends msg to every attached controller, or buffers it when none is
// attached. The buffer keeps the newest eventBufferSize events.
func (r *Runtime) emit(msg protocol.Message) {
	frame, err := encodeFrame(msg)
	if err != nil {
		r.logf("encode %s: %v", msg.Kind(), err)
		return
	}

	r.watchMu.Lock()
	targets := r.watchersLocked()
	if len(targets) == 0 {
		r.buffered = append(r.buffered, frame)
		if over := len(r.buffered) - eventBufferSize; over > 0 {
			r.buffered = append([][]byte(nil), r.buffered[over:]...)
		}
	}
	r.watchMu.Unlock()

	for _, c := range targets {
		if !c.enqueue(frame, connResponseSendTimeout) {
			r.logf("controller conn %s send queue full, dropped %s", c.connID, msg.Kind())
		}
	}
}

func (r *Runtime) watchersLocked() []*connCtx {
	targets := make([]*connCtx, 0, len(r.watchConn))
	for c := range r.watchConn {
		targets = append(targets, c)
	}
	return targets
}

// addWatcher registers an authenticated controller and replays the current
// status followed by anything buffered.
func (r *Runtime) addWatcher(c *connCtx) {
	r.watchMu.Lock()
	r.watchConn[c] = struct{}{}
	pending := r.buffered
	r.buffered = nil
	if ack, err := encodeFrame(r.aliveMessage()); err == nil {
		c.enqueue(ack, connResponseSendTimeout)
	}
	c.enqueue(r.status(), connResponseSendTimeout)
	for _, frame := range pending {
		c.enqueue(frame, connResponseSendTimeout)
	}
	r.watchMu.Unlock()
}

func (r *Runtime) removeWatcher(c *connCtx) {
	r.watchMu.Lock()
	delete(r.watchConn, c)
	r.watchMu.Unlock()
}
