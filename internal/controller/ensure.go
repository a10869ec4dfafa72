package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/victorarias/tether/internal/launcher"
	"github.com/victorarias/tether/internal/metrics"
	"github.com/victorarias/tether/internal/protocol"
)

// EnsureWorkerAlive makes sure one worker exists and this controller is
// attached to it. Concurrent callers share a single attempt.
func (c *Controller) EnsureWorkerAlive(ctx context.Context) error {
	_, err, _ := c.ensureGroup.Do("ensure", func() (interface{}, error) {
		return nil, c.ensure(ctx)
	})
	return err
}

func (c *Controller) ensure(ctx context.Context) error {
	if c.attached() {
		return nil
	}

	// A worker may have outlived the previous controller.
	found, err := c.cfg.Launcher.Find(ctx)
	if err != nil {
		c.logf("find worker: %v", err)
	}
	if found != nil {
		err := c.attach(ctx, found)
		if err == nil {
			metrics.WorkerLaunches.WithLabelValues("reclaimed").Inc()
			c.cfg.Activity.Info(fmt.Sprintf("Reattached to worker %s", found.ID))
			c.clearDegraded(ctx)
			return nil
		}
		c.logf("attach to existing worker %s: %v", found.ID, err)
	}

	server, ok, err := c.cfg.State.ServerConfig(ctx)
	if err != nil {
		return fmt.Errorf("read server config: %w", err)
	}
	if !ok {
		metrics.WorkerLaunches.WithLabelValues("deferred").Inc()
		c.logf("server not configured; worker start deferred")
		c.cfg.Activity.Info("Waiting for server configuration before starting the worker")
		return nil
	}

	h, err := c.cfg.Launcher.Launch(ctx, server)
	if errors.Is(err, launcher.ErrWorkerExists) {
		metrics.WorkerLaunches.WithLabelValues("exists").Inc()
		c.logf("worker already exists; skipping launch")
		return nil
	}
	if err != nil {
		return c.degraded(ctx, fmt.Errorf("launch worker: %w", err))
	}
	if err := c.attach(ctx, h); err != nil {
		return c.degraded(ctx, fmt.Errorf("attach to worker %s: %w", h.ID, err))
	}
	metrics.WorkerLaunches.WithLabelValues("launched").Inc()
	c.cfg.Activity.Success(fmt.Sprintf("Worker %s started", h.ID))
	c.clearDegraded(ctx)
	return nil
}

func (c *Controller) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.Alive() && c.channel != nil && !c.channel.Closed()
}

// attach opens the channel to h and makes it current.
func (c *Controller) attach(ctx context.Context, h *launcher.Handle) error {
	ch, err := dialWorker(ctx, h, c.cfg.HelloTimeout)
	if err != nil {
		return err
	}
	c.lastAlive.Store(ch.helloAt.UnixNano())

	c.mu.Lock()
	old := c.channel
	c.handle = h
	c.channel = ch
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch.readLoop(func(msg protocol.Message) {
			c.Route(c.baseCtx, msg)
		})
		c.channelClosed(ch)
	}()
	c.logf("attached to worker %s (pid %d)", h.ID, h.PID)
	return nil
}

// channelClosed runs when a channel's read loop ends. Only the current
// channel going away triggers a new ensure.
func (c *Controller) channelClosed(ch *workerChannel) {
	c.mu.Lock()
	current := c.channel == ch
	if current {
		c.channel = nil
	}
	c.mu.Unlock()
	if !current || c.baseCtx.Err() != nil {
		return
	}
	c.logf("worker channel closed; ensuring worker")
	c.cfg.Activity.Warn("Lost contact with the worker")
	if err := c.EnsureWorkerAlive(c.baseCtx); err != nil {
		c.logf("ensure after channel close: %v", err)
	}
}

func (c *Controller) degraded(ctx context.Context, err error) error {
	metrics.WorkerLaunches.WithLabelValues("failed").Inc()
	c.logf("%v", err)
	c.cfg.Activity.Error(err.Error())
	if serr := c.cfg.State.SetWorkerDegraded(ctx, err.Error()); serr != nil {
		c.logf("persist degraded flag: %v", serr)
	}
	return err
}

func (c *Controller) clearDegraded(ctx context.Context) {
	if err := c.cfg.State.SetWorkerDegraded(ctx, ""); err != nil {
		c.logf("clear degraded flag: %v", err)
	}
}

// ArmRestart allows the next manual restart. The flag is consumed on use.
func (c *Controller) ArmRestart() {
	c.restartArmed.Store(true)
	c.logf("worker restart armed")
	c.cfg.Activity.Info("Worker restart armed")
}

// RestartWorker tears the worker down and recreates it. Only manual, armed
// requests are honored.
func (c *Controller) RestartWorker(ctx context.Context, manual bool) error {
	if !manual {
		metrics.WorkerRestarts.WithLabelValues("not_manual").Inc()
		c.logf("ignoring non-manual worker restart")
		c.cfg.Activity.Warn("Ignored an automatic worker restart request")
		return ErrRestartNotManual
	}
	if !c.restartArmed.CompareAndSwap(true, false) {
		metrics.WorkerRestarts.WithLabelValues("not_armed").Inc()
		c.logf("ignoring manual worker restart: not armed")
		return ErrRestartNotArmed
	}

	c.mu.Lock()
	h := c.handle
	ch := c.channel
	c.handle = nil
	c.channel = nil
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if h != nil {
		if err := h.Stop(ctx); err != nil {
			c.logf("stop worker %s: %v", h.ID, err)
		}
	}
	c.cfg.Activity.Info("Restarting worker")

	err := c.EnsureWorkerAlive(ctx)
	if err == nil && !c.attached() {
		// Joined an attempt that started before the teardown and saw the
		// old worker attached.
		err = c.EnsureWorkerAlive(ctx)
	}
	if err != nil {
		metrics.WorkerRestarts.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WorkerRestarts.WithLabelValues("restarted").Inc()
	return nil
}
