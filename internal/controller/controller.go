// Package controller keeps exactly one worker alive, mirrors its status into
// the store, and serves local commands (captures, config, restarts).
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/victorarias/tether/internal/activitylog"
	"github.com/victorarias/tether/internal/correlator"
	"github.com/victorarias/tether/internal/launcher"
	"github.com/victorarias/tether/internal/notify"
	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

const (
	DefaultWatchdogInterval = time.Minute
	DefaultHelloTimeout     = 5 * time.Second

	statusLogLimit = 20
)

var (
	ErrRestartNotManual = errors.New("restart rejected: not a manual request")
	ErrRestartNotArmed  = errors.New("restart rejected: not armed")
)

type Config struct {
	// SocketPath is where local commands are served.
	SocketPath string

	State    *store.State
	Activity *activitylog.Log
	Launcher launcher.Launcher

	Navigator Navigator
	Notifier  notify.Notifier

	WatchdogInterval time.Duration
	CaptureTimeout   time.Duration
	HelloTimeout     time.Duration

	Logf func(format string, args ...interface{})
}

type Controller struct {
	cfg      Config
	logf     func(format string, args ...interface{})
	captures *correlator.Correlator

	baseCtx context.Context
	cancel  context.CancelFunc

	ensureGroup  singleflight.Group
	restartArmed atomic.Bool
	lastAlive    atomic.Int64

	mu      sync.Mutex
	handle  *launcher.Handle
	channel *workerChannel

	listener net.Listener
	wg       sync.WaitGroup
}

func New(cfg Config) (*Controller, error) {
	if cfg.State == nil {
		return nil, errors.New("controller: missing state store")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("controller: missing launcher")
	}
	if cfg.Activity == nil {
		cfg.Activity = activitylog.New(cfg.State, activitylog.WithLogf(cfg.Logf))
	}
	if cfg.Navigator == nil {
		cfg.Navigator = BrowserNavigator{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = correlator.DefaultTimeout
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		logf:    logf,
		baseCtx: ctx,
		cancel:  cancel,
	}
	c.captures = correlator.New(
		correlator.WithTimeout(cfg.CaptureTimeout),
		correlator.WithCacheHook(c.persistCapture),
		correlator.WithLogf(logf),
	)
	return c, nil
}

// Run serves local commands and drives the watchdog until ctx is cancelled.
// The worker is left running; a later controller reattaches to it.
func (c *Controller) Run(ctx context.Context) error {
	if c.cfg.SocketPath == "" {
		return errors.New("controller: missing socket path")
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Remove(c.cfg.SocketPath)
	listener, err := net.Listen("unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.SocketPath, err)
	}
	_ = os.Chmod(c.cfg.SocketPath, 0600)
	c.listener = listener
	c.logf("controller listening on %s", c.cfg.SocketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdog(ctx)
	}()

	err = c.serve(ctx, listener)
	c.Close()
	_ = os.Remove(c.cfg.SocketPath)
	return err
}

// Close detaches from the worker without stopping it.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	c.wg.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.cfg.Activity.Flush(flushCtx)
}

func (c *Controller) watchdog(ctx context.Context) {
	c.runWatchdogTick(ctx)
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runWatchdogTick(ctx)
		}
	}
}

func (c *Controller) runWatchdogTick(ctx context.Context) {
	if err := c.EnsureWorkerAlive(ctx); err != nil && ctx.Err() == nil {
		c.logf("watchdog: ensure worker: %v", err)
	}
}

// Captures exposes the correlator, mostly for tests and status output.
func (c *Controller) Captures() *correlator.Correlator { return c.captures }

// Worker returns the current worker handle, if any.
func (c *Controller) Worker() *launcher.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// LastAlive is when the worker last reported in.
func (c *Controller) LastAlive() time.Time {
	ns := c.lastAlive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Controller) persistCapture(platform string, payload protocol.CapturePayload) {
	ctx, cancel := context.WithTimeout(c.baseCtx, 5*time.Second)
	defer cancel()
	if err := c.cfg.State.SetCapture(ctx, platform, payload); err != nil {
		c.logf("persist capture for %s: %v", platform, err)
	}
}
