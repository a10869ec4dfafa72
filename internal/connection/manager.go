// Package connection keeps the worker's single socket to the control server
// alive. All mutable state belongs to one event-loop goroutine (Run); public
// methods post commands to it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/victorarias/tether/internal/backoff"
	"github.com/victorarias/tether/internal/protocol"
)

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("not connected to server")

const (
	DefaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	readLimit               = 32 << 20
)

// Resolver supplies the server address and credential for each attempt.
// ok=false means no configuration is available yet.
type Resolver interface {
	Resolve(ctx context.Context) (serverURL, token string, ok bool, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, string, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context) (string, string, bool, error) {
	return f(ctx)
}

// Observer receives status transitions. Calls come from the event loop and
// must not block.
type Observer interface {
	OnConnected(url string)
	OnDisconnected(code int, reason string)
	OnError(err error)
}

// Handler receives every inbound frame other than PING. It is called from the
// socket's read goroutine.
type Handler func(kind string, msg protocol.Message)

// Config configures a Manager.
type Config struct {
	Resolver Resolver
	Observer Observer
	Handler  Handler

	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration

	// OnReconnectScheduled is called from the event loop each time a
	// reconnect timer is armed.
	OnReconnectScheduled func(delay time.Duration, attempt uint)

	Logf func(format string, args ...interface{})
}

// Status is a point-in-time copy of the manager state.
type Status struct {
	State            protocol.ConnectionState
	URL              string
	Attempts         uint
	WaitingForConfig bool
	ReconnectPending bool
}

type command int

const (
	cmdConnect command = iota
	cmdReconnect
	cmdDisconnect
	cmdConfigChanged
)

type event struct {
	cmd command

	// dial result
	dialed bool
	conn   *websocket.Conn
	url    string
	err    error

	// socket closed
	closed bool
	code   int
	reason string

	// reconnect timer fired
	timer bool

	id uint64
}

// Manager is the connection state machine.
type Manager struct {
	cfg  Config
	logf func(format string, args ...interface{})

	events chan event
	ctx    context.Context
	done   chan struct{}

	// loop-owned
	state     protocol.ConnectionState
	url       string
	conn      *websocket.Conn
	connID    uint64
	policy    *backoff.Reconnect
	timer     *time.Timer
	timerID   uint64
	waiting   bool
	suspended bool

	// snapshots for other goroutines
	current atomic.Pointer[websocket.Conn]
	mu      sync.RWMutex
	status  Status
}

// New creates a manager. Call Run to start it.
func New(cfg Config) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	m := &Manager{
		cfg:    cfg,
		logf:   logf,
		events: make(chan event, 32),
		ctx:    context.Background(),
		done:   make(chan struct{}),
		state:  protocol.StateDisconnected,
		policy: backoff.NewReconnect(cfg.BaseDelay, cfg.MaxDelay),
	}
	m.status.State = protocol.StateDisconnected
	return m
}

// Connect starts a connection unless one is already open or opening.
func (m *Manager) Connect() { m.post(event{cmd: cmdConnect}) }

// Reconnect tears down any socket and connects immediately with the backoff reset.
func (m *Manager) Reconnect() { m.post(event{cmd: cmdReconnect}) }

// Disconnect closes the socket and stays disconnected until Connect or Reconnect.
func (m *Manager) Disconnect() { m.post(event{cmd: cmdDisconnect}) }

// ConfigChanged reconnects with the new configuration right away.
func (m *Manager) ConfigChanged() { m.post(event{cmd: cmdConfigChanged}) }

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// State returns the current connection state.
func (m *Manager) State() protocol.ConnectionState {
	return m.Status().State
}

// Attempts returns the reconnect attempt count since the last success.
func (m *Manager) Attempts() uint {
	return m.Status().Attempts
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Send writes one frame to the server.
func (m *Manager) Send(ctx context.Context, msg protocol.Message) error {
	conn := m.current.Load()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}

// Run processes events until ctx is cancelled. The socket is closed on return.
// Run must be called at most once.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
			m.publish()
		}
	}
}

func (m *Manager) handle(ev event) {
	switch {
	case ev.dialed:
		m.handleDialed(ev)
	case ev.closed:
		m.handleClosed(ev)
	case ev.timer:
		if ev.id != m.timerID || m.timer == nil {
			return
		}
		m.timer = nil
		m.connect(false)
	default:
		switch ev.cmd {
		case cmdConnect:
			m.suspended = false
			m.connect(false)
		case cmdReconnect:
			m.suspended = false
			m.policy.Reset()
			m.connect(true)
		case cmdConfigChanged:
			if m.suspended {
				m.logf("config changed while disconnected by request; staying down")
				return
			}
			m.policy.Reset()
			m.connect(true)
		case cmdDisconnect:
			m.suspended = true
			m.waiting = false
			m.cancelTimer()
			m.teardown(int(websocket.StatusNormalClosure), "disconnect requested")
		}
	}
}

// connect opens a socket. force tears down an open or opening one first.
func (m *Manager) connect(force bool) {
	if !force && (m.state == protocol.StateConnecting || m.state == protocol.StateConnected) {
		return
	}
	m.teardown(int(websocket.StatusNormalClosure), "reconnecting")
	m.cancelTimer()

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	serverURL, token, ok, err := m.cfg.Resolver.Resolve(ctx)
	cancel()
	if err != nil {
		m.logf("resolve server config: %v", err)
		ok = false
	}
	if !ok {
		// Not a failure: no timer, wait for ConfigChanged.
		m.waiting = true
		m.state = protocol.StateDisconnected
		m.logf("no server config; waiting for configuration")
		return
	}

	m.waiting = false
	m.state = protocol.StateConnecting
	m.url = serverURL
	m.connID++
	go m.dial(m.connID, serverURL, token)
}

func (m *Manager) dial(id uint64, serverURL, token string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	ev := event{dialed: true, id: id, url: serverURL}
	target, err := withToken(serverURL, token)
	if err != nil {
		ev.err = err
	} else {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		ev.conn, _, ev.err = websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	}
	if ev.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && m.ctx.Err() == nil {
		ev.err = fmt.Errorf("handshake timed out after %s: %w", m.cfg.HandshakeTimeout, ev.err)
	}

	select {
	case m.events <- ev:
	case <-m.ctx.Done():
		if ev.conn != nil {
			ev.conn.Close(websocket.StatusGoingAway, "shutting down")
		}
	}
}

func withToken(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) handleDialed(ev event) {
	if ev.id != m.connID || m.state != protocol.StateConnecting {
		// Superseded by Disconnect/Reconnect while dialing.
		if ev.conn != nil {
			ev.conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if ev.err != nil {
		m.state = protocol.StateDisconnected
		m.logf("connect %s failed: %v", ev.url, ev.err)
		m.observer().OnError(ev.err)
		m.observer().OnDisconnected(protocol.CloseAbnormal, ev.err.Error())
		m.scheduleReconnect()
		return
	}

	ev.conn.SetReadLimit(readLimit)
	m.conn = ev.conn
	m.current.Store(ev.conn)
	m.state = protocol.StateConnected
	m.policy.Reset()
	m.cancelTimer()
	m.logf("connected to %s", ev.url)
	m.observer().OnConnected(ev.url)
	go m.readLoop(ev.id, ev.conn)
}

func (m *Manager) handleClosed(ev event) {
	if ev.id != m.connID || m.conn == nil {
		return
	}
	m.conn = nil
	m.current.Store(nil)
	m.state = protocol.StateDisconnected
	m.logf("socket closed: code=%d reason=%q", ev.code, ev.reason)
	m.observer().OnDisconnected(ev.code, ev.reason)
	m.scheduleReconnect()
}

// teardown closes the open or opening socket without scheduling a reconnect.
func (m *Manager) teardown(code int, reason string) {
	wasUp := m.state != protocol.StateDisconnected
	m.connID++
	if m.conn != nil {
		m.conn.Close(websocket.StatusCode(code), reason)
		m.conn = nil
		m.current.Store(nil)
	}
	m.state = protocol.StateDisconnected
	if wasUp {
		m.observer().OnDisconnected(code, reason)
	}
}

// scheduleReconnect arms the single reconnect timer. A pending timer makes it
// a no-op.
func (m *Manager) scheduleReconnect() {
	if m.timer != nil || m.suspended {
		return
	}
	delay := m.policy.Next()
	m.timerID++
	id := m.timerID
	m.timer = time.AfterFunc(delay, func() {
		select {
		case m.events <- event{timer: true, id: id}:
		case <-m.ctx.Done():
		}
	})
	m.logf("reconnect #%d in %s", m.policy.Attempts(), delay)
	if m.cfg.OnReconnectScheduled != nil {
		m.cfg.OnReconnectScheduled(delay, m.policy.Attempts())
	}
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.timerID++
	}
}

func (m *Manager) readLoop(id uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(m.ctx)
		if err != nil {
			code, reason := closeInfo(err)
			select {
			case m.events <- event{closed: true, id: id, code: code, reason: reason}:
			case <-m.ctx.Done():
			}
			return
		}

		kind, msg, err := protocol.ParseMessage(data)
		if err != nil {
			m.logf("dropping unparseable frame: %v", err)
			continue
		}
		if _, ok := msg.(*protocol.Ping); ok {
			pong, _ := protocol.Marshal(&protocol.Pong{})
			ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				m.logf("pong failed: %v", err)
			}
			cancel()
			continue
		}
		if m.cfg.Handler != nil {
			m.cfg.Handler(kind, msg)
		}
	}
}

// closeInfo extracts the websocket close code, 1006 when the socket died
// without a close frame.
func closeInfo(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return protocol.CloseAbnormal, err.Error()
}

func (m *Manager) observer() Observer {
	if m.cfg.Observer == nil {
		return nopObserver{}
	}
	return m.cfg.Observer
}

func (m *Manager) publish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = Status{
		State:            m.state,
		URL:              m.url,
		Attempts:         m.policy.Attempts(),
		WaitingForConfig: m.waiting,
		ReconnectPending: m.timer != nil,
	}
}

func (m *Manager) shutdown() {
	m.cancelTimer()
	m.connID++
	if m.conn != nil {
		m.conn.Close(websocket.StatusGoingAway, "shutting down")
		m.conn = nil
	}
	m.current.Store(nil)
	m.state = protocol.StateDisconnected
	m.publish()
	close(m.done)
}

type nopObserver struct{}

func (nopObserver) OnConnected(string)         {}
func (nopObserver) OnDisconnected(int, string) {}
func (nopObserver) OnError(error)              {}
