// Package launcher creates and finds the worker the controller talks to.
package launcher

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/victorarias/tether/internal/store"
)

// ErrWorkerExists is returned by Launch while a live worker is registered.
var ErrWorkerExists = errors.New("worker already exists")

const (
	// Environment handed to a spawned worker. Secrets stay out of argv.
	EnvServerURL    = "TETHER_WORKER_SERVER_URL"
	EnvServerToken  = "TETHER_WORKER_TOKEN"
	EnvControlToken = "TETHER_WORKER_CONTROL_TOKEN"

	DefaultReadyTimeout = 8 * time.Second

	readyPollInterval = 50 * time.Millisecond
	killGracePeriod   = 2 * time.Second
)

// Launcher is what the controller needs from a worker host.
type Launcher interface {
	// Find returns the registered worker, or nil when there is none.
	Find(ctx context.Context) (*Handle, error)
	// Launch starts a worker with cfg attached.
	Launch(ctx context.Context, cfg store.ServerConfig) (*Handle, error)
}

// Handle is a reference to one worker incarnation.
type Handle struct {
	ID           string
	PID          int
	SocketPath   string
	ControlToken string
	StartedAt    time.Time

	alive func() bool
	stop  func(ctx context.Context) error

	stopOnce sync.Once
	stopErr  error
}

func (h *Handle) Alive() bool {
	if h == nil || h.alive == nil {
		return false
	}
	return h.alive()
}

// Stop terminates the worker. Only the first call has an effect.
func (h *Handle) Stop(ctx context.Context) error {
	if h == nil || h.stop == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func socketAccepts(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitReady polls until the socket accepts or the deadline passes.
func waitReady(ctx context.Context, socketPath string, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.Now().Add(timeout)
	for {
		if socketAccepts(socketPath) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("worker did not become ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("worker exited before becoming ready")
		case <-time.After(readyPollInterval):
		}
	}
}
