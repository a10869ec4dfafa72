package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

// Badge texts mirrored for the UI.
const (
	BadgeDisconnected = "OFF"
	BadgeError        = "ERR"
)

const notifyTimeout = 10 * time.Second

// Route handles one message, whether it came from the worker channel or a
// local command. Worker events get an OK response nobody reads.
func (c *Controller) Route(ctx context.Context, msg protocol.Message) protocol.Response {
	switch m := msg.(type) {
	// worker events
	case *protocol.WorkerAlive:
		c.lastAlive.Store(time.Now().UnixNano())
		return ok()
	case *protocol.Log:
		c.cfg.Activity.Append(m.Level, m.Message)
		return ok()
	case *protocol.WSConnected:
		c.setConnection(ctx, store.ConnectionStatus{State: protocol.StateConnected, URL: m.URL}, "")
		c.cfg.Activity.Success("Connected to server")
		return ok()
	case *protocol.WSDisconnected:
		c.setConnection(ctx, store.ConnectionStatus{State: protocol.StateDisconnected, Code: m.Code, Reason: m.Reason}, BadgeDisconnected)
		c.cfg.Activity.Warn(fmt.Sprintf("Disconnected from server (code %d)", m.Code))
		return ok()
	case *protocol.WSError:
		c.setBadge(ctx, BadgeError)
		c.cfg.Activity.Error("Connection error: " + m.Error)
		return ok()
	case *protocol.LoginExpired:
		c.loginExpired(ctx, m)
		return ok()

	// local commands
	case *protocol.NavigateAndCapture:
		return c.navigateAndCapture(ctx, m)
	case *protocol.InterceptedData:
		if m.Platform == "" {
			return fail(errors.New("missing platform"))
		}
		if !c.captures.Deliver(m.Platform, m.Payload) {
			c.logf("capture for %s cached (no matching request)", m.Platform)
		}
		return ok()
	case *protocol.ArmRestart:
		c.ArmRestart()
		return ok()
	case *protocol.RestartWorker:
		if err := c.RestartWorker(ctx, m.Manual); err != nil {
			return fail(err)
		}
		return ok()
	case *protocol.SetConfig:
		return c.setConfig(ctx, m)
	case *protocol.GetStatus:
		return c.status(ctx)
	case *protocol.GetCapture:
		return c.cachedCapture(ctx, m.Platform)

	// frames that belong to other links
	case *protocol.Ping, *protocol.Pong, *protocol.FetchTask, *protocol.TaskQueue,
		*protocol.TaskAssigned, *protocol.TaskResultMessage,
		*protocol.Hello, *protocol.Reconnect, *protocol.Disconnect:
		return fail(fmt.Errorf("unexpected %s", msg.Kind()))
	default:
		return fail(fmt.Errorf("unknown message %s", msg.Kind()))
	}
}

func ok() protocol.Response { return protocol.Response{OK: true} }

func fail(err error) protocol.Response {
	return protocol.Response{OK: false, Error: err.Error()}
}

func (c *Controller) setConnection(ctx context.Context, st store.ConnectionStatus, badge string) {
	if err := c.cfg.State.SetConnection(ctx, st); err != nil {
		c.logf("persist connection state: %v", err)
	}
	c.setBadge(ctx, badge)
}

func (c *Controller) setBadge(ctx context.Context, badge string) {
	if err := c.cfg.State.SetBadge(ctx, badge); err != nil {
		c.logf("persist badge: %v", err)
	}
}

func (c *Controller) loginExpired(ctx context.Context, m *protocol.LoginExpired) {
	if err := c.cfg.State.SetLoginExpired(ctx, m.Platform, true); err != nil {
		c.logf("persist login expired: %v", err)
	}
	c.cfg.Activity.Error(fmt.Sprintf("%s login expired (task %s)", m.Platform, m.TaskID))

	// Alerting is slow and must not stall the channel.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		nctx, cancel := context.WithTimeout(c.baseCtx, notifyTimeout)
		defer cancel()
		if err := c.cfg.Notifier.LoginExpired(nctx, m.Platform, m.TaskID); err != nil {
			c.logf("notify login expired for %s: %v", m.Platform, err)
		}
	}()
}

func (c *Controller) navigateAndCapture(ctx context.Context, m *protocol.NavigateAndCapture) protocol.Response {
	if m.Platform == "" {
		return fail(errors.New("missing platform"))
	}
	u, err := url.Parse(m.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail(fmt.Errorf("invalid url %q", m.URL))
	}

	waiter, err := c.captures.Expect(m.Platform, m.WaitPattern, c.cfg.CaptureTimeout)
	if err != nil {
		return fail(err)
	}
	if err := c.cfg.Navigator.Open(ctx, m.URL); err != nil {
		waiter.Cancel(err)
		return fail(fmt.Errorf("open %s: %w", m.URL, err))
	}
	c.logf("capture requested: platform=%s url=%s", m.Platform, m.URL)

	payload, err := waiter.Wait(ctx)
	if err != nil {
		c.cfg.Activity.Warn(fmt.Sprintf("Capture for %s failed: %v", m.Platform, err))
		return fail(err)
	}
	return protocol.Response{OK: true, Payload: &payload}
}

func (c *Controller) setConfig(ctx context.Context, m *protocol.SetConfig) protocol.Response {
	cfg := store.ServerConfig{URL: strings.TrimSpace(m.ServerURL), Token: strings.TrimSpace(m.Token)}
	if !cfg.Valid() {
		return fail(errors.New("server url and token are required"))
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fail(fmt.Errorf("server url must be ws:// or wss://, got %q", cfg.URL))
	}
	if err := c.cfg.State.SetServerConfig(ctx, cfg); err != nil {
		return fail(fmt.Errorf("save server config: %w", err))
	}
	c.cfg.Activity.Info("Server configuration updated")

	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch != nil && !ch.Closed() {
		if err := ch.Send(&protocol.Reconnect{}); err == nil {
			return ok()
		}
	}
	if err := c.EnsureWorkerAlive(ctx); err != nil {
		return fail(err)
	}
	return ok()
}

func (c *Controller) status(ctx context.Context) protocol.Response {
	snap, err := c.cfg.State.Snapshot(ctx, statusLogLimit)
	if err != nil {
		return fail(err)
	}
	extra := map[string]string{
		"workerAttached": strconv.FormatBool(c.attached()),
	}
	if h := c.Worker(); h != nil {
		extra["worker"] = h.ID
		extra["workerPid"] = strconv.Itoa(h.PID)
	}
	if at := c.LastAlive(); !at.IsZero() {
		extra["lastAlive"] = at.UTC().Format(time.RFC3339)
	}
	if pending := c.captures.Pending(); len(pending) > 0 {
		extra["pendingCaptures"] = strings.Join(pending, ",")
	}
	snap.Extra = extra
	return protocol.Response{OK: true, Status: snap}
}

func (c *Controller) cachedCapture(ctx context.Context, platform string) protocol.Response {
	if platform == "" {
		return fail(errors.New("missing platform"))
	}
	if payload, found := c.captures.Cached(platform); found {
		return protocol.Response{OK: true, Payload: &payload}
	}
	payload, err := c.cfg.State.Capture(ctx, platform)
	if err != nil {
		return fail(err)
	}
	if payload == nil {
		return fail(fmt.Errorf("no capture cached for %s", platform))
	}
	return protocol.Response{OK: true, Payload: payload}
}
