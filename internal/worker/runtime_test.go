package worker

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/victorarias/tether/internal/executor"
	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

type testWorker struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// shortTempDir keeps unix socket paths under the platform limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startWorker(t *testing.T, state *store.State, serverURL string, tweaks ...func(*Config)) *testWorker {
	t.Helper()
	dir := shortTempDir(t)
	cfg := Config{
		WorkerID:           "w-test",
		RegistryPath:       filepath.Join(dir, "worker.json"),
		SocketPath:         filepath.Join(dir, "w.sock"),
		ControlToken:       "ctl-token",
		OwnerPID:           os.Getpid(),
		ServerURL:          serverURL,
		Token:              "srv-token",
		State:              state,
		Executor:           executor.New(executor.WithRetryBase(time.Millisecond)),
		ConfigPollInterval: 10 * time.Millisecond,
		ReconnectBase:      10 * time.Millisecond,
		ReconnectMax:       50 * time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &testWorker{cfg: cfg, cancel: cancel, done: make(chan error, 1)}
	go func() { w.done <- Run(ctx, cfg) }()
	t.Cleanup(w.stop)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.RegistryPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "worker did not register")
	return w
}

func (w *testWorker) stop() {
	w.once.Do(func() {
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
		}
	})
}

type controllerConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialWorker(t *testing.T, w *testWorker, token string) *controllerConn {
	t.Helper()
	conn, err := net.Dial("unix", w.cfg.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello, err := encodeFrame(&protocol.Hello{Token: token, ProtocolVersion: protocol.ProtocolVersion})
	require.NoError(t, err)
	_, err = conn.Write(hello)
	require.NoError(t, err)
	return &controllerConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *controllerConn) next() (protocol.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	_, msg, err := protocol.ParseMessage(line)
	return msg, err
}

// until reads frames until one of the given kind arrives.
func (c *controllerConn) until(kind string) protocol.Message {
	c.t.Helper()
	for {
		msg, err := c.next()
		require.NoError(c.t, err, "waiting for %s", kind)
		if msg.Kind() == kind {
			return msg
		}
	}
}

// untilMatch reads frames until one of the given kind satisfies match.
func (c *controllerConn) untilMatch(kind string, match func(protocol.Message) bool) protocol.Message {
	c.t.Helper()
	for {
		msg := c.until(kind)
		if match(msg) {
			return msg
		}
	}
}

func (c *controllerConn) send(msg protocol.Message) {
	c.t.Helper()
	frame, err := encodeFrame(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

// readResults collects TASK_RESULT frames until the peer goes away.
func readResults(conn *websocket.Conn, results chan<- protocol.TaskResult) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		if _, msg, err := protocol.ParseMessage(data); err == nil {
			if res, ok := msg.(*protocol.TaskResultMessage); ok {
				results <- res.TaskResult
			}
		}
	}
}

// taskServer dispatches one FETCH_TASK per connection and reports results.
func taskServer(t *testing.T, task protocol.TaskDescriptor) (*httptest.Server, chan protocol.TaskResult) {
	t.Helper()
	results := make(chan protocol.TaskResult, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := context.Background()
		frame, err := protocol.Marshal(&protocol.FetchTask{TaskDescriptor: task})
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
		readResults(conn, results)
	}))
	t.Cleanup(srv.Close)
	return srv, results
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRuntime_HelloGetsAckThenStatus(t *testing.T) {
	w := startWorker(t, store.NewState(store.NewMemory()), "")
	c := dialWorker(t, w, "ctl-token")

	ack, err := c.next()
	require.NoError(t, err)
	alive, ok := ack.(*protocol.WorkerAlive)
	require.True(t, ok, "first frame = %s", ack.Kind())
	assert.Equal(t, "w-test", alive.WorkerID)

	status, err := c.next()
	require.NoError(t, err)
	disc, ok := status.(*protocol.WSDisconnected)
	require.True(t, ok, "second frame = %s", status.Kind())
	assert.Equal(t, protocol.CloseAbnormal, disc.Code)
}

func TestRuntime_BadTokenClosesChannel(t *testing.T) {
	w := startWorker(t, store.NewState(store.NewMemory()), "")
	c := dialWorker(t, w, "wrong")

	_, err := c.next()
	assert.Error(t, err)
}

func TestRuntime_ExecutesFetchTask(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[1,2]}`))
	}))
	defer target.Close()

	srv, results := taskServer(t, protocol.TaskDescriptor{
		TaskID:   "t-1",
		Platform: "acme",
		Request:  protocol.TaskRequest{Method: http.MethodGet, URL: target.URL},
	})
	state := store.NewState(store.NewMemory())
	startWorker(t, state, wsURL(srv))

	var res protocol.TaskResult
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for TASK_RESULT")
	}
	assert.Equal(t, "t-1", res.TaskID)
	assert.True(t, res.Success)
	require.NotNil(t, res.Response)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, `{"items":[1,2]}`, res.Response.Body)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := state.TaskCount(ctx)
		return err == nil && n >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		label, err := state.ActiveTask(ctx)
		return err == nil && label == ""
	}, 5*time.Second, 10*time.Millisecond)
	last, err := state.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestRuntime_LoginExpiredIsFlaggedAndReplayed(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer target.Close()

	srv, results := taskServer(t, protocol.TaskDescriptor{
		TaskID:   "t-2",
		Platform: "acme",
		Request:  protocol.TaskRequest{Method: http.MethodGet, URL: target.URL},
	})
	state := store.NewState(store.NewMemory())
	w := startWorker(t, state, wsURL(srv))

	select {
	case res := <-results:
		assert.False(t, res.Success)
		assert.True(t, res.LoginExpired)
		assert.Equal(t, "HTTP 401", res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for TASK_RESULT")
	}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		flags, err := state.LoginExpired(ctx)
		return err == nil && flags["acme"]
	}, 5*time.Second, 10*time.Millisecond)

	// Nothing was attached while the task ran, so the event comes from the buffer.
	c := dialWorker(t, w, "ctl-token")
	expired := c.until(protocol.KindLoginExpired).(*protocol.LoginExpired)
	assert.Equal(t, "acme", expired.Platform)
	assert.Equal(t, "t-2", expired.TaskID)
}

func TestRuntime_CachesTaskQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"TASK_QUEUE","tasks":[{"taskId":"a"},{"taskId":"b"}]}`))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	state := store.NewState(store.NewMemory())
	startWorker(t, state, wsURL(srv))

	require.Eventually(t, func() bool {
		queue, err := state.TaskQueue(context.Background())
		return err == nil && strings.Contains(string(queue), `"b"`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRuntime_ConnectsOncePersistedConfigAppears(t *testing.T) {
	accepted := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepted <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	state := store.NewState(store.NewMemory())
	w := startWorker(t, state, "")
	c := dialWorker(t, w, "ctl-token")
	c.until(protocol.KindWSDisconnected)

	require.NoError(t, state.SetServerConfig(context.Background(), store.ServerConfig{URL: wsURL(srv), Token: "persisted"}))

	select {
	case token := <-accepted:
		assert.Equal(t, "persisted", token)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never dialed after config was saved")
	}
	connected := c.until(protocol.KindWSConnected).(*protocol.WSConnected)
	assert.Contains(t, connected.URL, strings.TrimPrefix(srv.URL, "http://"))
}

func TestRuntime_StopRemovesRegistryAndSocket(t *testing.T) {
	w := startWorker(t, store.NewState(store.NewMemory()), "")
	w.stop()

	_, err := os.Stat(w.cfg.RegistryPath)
	assert.True(t, os.IsNotExist(err), "registry should be removed, stat err = %v", err)
	_, err = os.Stat(w.cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed, stat err = %v", err)
}

func TestRuntime_HeartbeatsAttachedController(t *testing.T) {
	w := startWorker(t, store.NewState(store.NewMemory()), "", func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	c := dialWorker(t, w, "ctl-token")

	// The first OFFSCREEN_ALIVE is the hello ack; the rest are periodic.
	for i := 0; i < 3; i++ {
		alive := c.until(protocol.KindWorkerAlive).(*protocol.WorkerAlive)
		assert.Equal(t, "w-test", alive.WorkerID)
		assert.False(t, alive.At.IsZero())
	}
}

func TestRuntime_ControllerDisconnectAndReconnect(t *testing.T) {
	accepts := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts <- struct{}{}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	w := startWorker(t, store.NewState(store.NewMemory()), wsURL(srv))
	c := dialWorker(t, w, "ctl-token")
	c.until(protocol.KindWSConnected)
	<-accepts

	c.send(&protocol.Disconnect{})
	c.untilMatch(protocol.KindWSDisconnected, func(msg protocol.Message) bool {
		return msg.(*protocol.WSDisconnected).Code == int(websocket.StatusNormalClosure)
	})

	// Disconnected by request: no reconnect timer, even with a 10ms base delay.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, accepts, 0)

	c.send(&protocol.Reconnect{})
	c.until(protocol.KindWSConnected)
	select {
	case <-accepts:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not redial after RECONNECT")
	}
}

func TestRuntime_HeldResultIsSentAfterReconnect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Outlive the first socket so the result has nowhere to go.
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer target.Close()

	task := protocol.TaskDescriptor{
		TaskID:   "t-held",
		Platform: "acme",
		Request:  protocol.TaskRequest{Method: http.MethodGet, URL: target.URL},
	}
	var dials atomic.Int32
	serverUp := make(chan struct{})
	results := make(chan protocol.TaskResult, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n > 1 {
			select {
			case <-serverUp:
			default:
				http.Error(w, "restarting", http.StatusServiceUnavailable)
				return
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			frame, err := protocol.Marshal(&protocol.FetchTask{TaskDescriptor: task})
			if err == nil {
				_ = conn.Write(context.Background(), websocket.MessageText, frame)
			}
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		readResults(conn, results)
	}))
	defer srv.Close()

	state := store.NewState(store.NewMemory())
	startWorker(t, state, wsURL(srv))

	// The count is bumped after the send attempt, so the result is held by now.
	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := state.TaskCount(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, results, 0)

	close(serverUp)
	select {
	case res := <-results:
		assert.Equal(t, "t-held", res.TaskID)
		assert.True(t, res.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("held TASK_RESULT was not sent after reconnect")
	}
	assert.Greater(t, dials.Load(), int32(1))
}

func TestRuntime_ConcurrentTasksAreAllCounted(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`ok`))
	}))
	defer target.Close()

	const tasks = 8
	results := make(chan protocol.TaskResult, tasks)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for i := 0; i < tasks; i++ {
			frame, err := protocol.Marshal(&protocol.FetchTask{TaskDescriptor: protocol.TaskDescriptor{
				TaskID:   "t-" + strconv.Itoa(i),
				Platform: "acme",
				Request:  protocol.TaskRequest{Method: http.MethodGet, URL: target.URL},
			}})
			if err != nil {
				return
			}
			if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
				return
			}
		}
		readResults(conn, results)
	}))
	defer srv.Close()

	state := store.NewState(store.NewMemory())
	startWorker(t, state, wsURL(srv))

	for i := 0; i < tasks; i++ {
		select {
		case <-results:
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d of %d results", i, tasks)
		}
	}
	require.Eventually(t, func() bool {
		n, err := state.TaskCount(context.Background())
		return err == nil && n == tasks
	}, 5*time.Second, 10*time.Millisecond)
}
