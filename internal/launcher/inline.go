package launcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/tether/internal/store"
	"github.com/victorarias/tether/internal/worker"
)

// InlineLauncher runs the worker runtime as a goroutine of the controller.
// Template supplies paths, the store and tuning; identity and server config
// are filled in per launch.
type InlineLauncher struct {
	Template     worker.Config
	ReadyTimeout time.Duration

	mu      sync.Mutex
	current *Handle
}

func NewInline(template worker.Config) *InlineLauncher {
	return &InlineLauncher{Template: template}
}

func (l *InlineLauncher) Find(_ context.Context) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && l.current.Alive() && socketAccepts(l.current.SocketPath) {
		return l.current, nil
	}
	return nil, nil
}

func (l *InlineLauncher) Launch(ctx context.Context, server store.ServerConfig) (*Handle, error) {
	l.mu.Lock()
	if l.current != nil && l.current.Alive() {
		if socketAccepts(l.current.SocketPath) {
			l.mu.Unlock()
			return nil, ErrWorkerExists
		}
		// Shutting down: its listener is already closed.
		if err := l.current.Stop(ctx); err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("stop previous inline worker: %w", err)
		}
	}

	cfg := l.Template
	cfg.WorkerID = "w-" + uuid.NewString()[:8]
	cfg.ControlToken = uuid.NewString()
	cfg.OwnerPID = os.Getpid()
	cfg.ServerURL = server.URL
	cfg.Token = server.Token

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(runCtx, cfg); err != nil && cfg.Logf != nil {
			cfg.Logf("inline worker %s exited: %v", cfg.WorkerID, err)
		}
	}()

	h := &Handle{
		ID:           cfg.WorkerID,
		PID:          os.Getpid(),
		SocketPath:   cfg.SocketPath,
		ControlToken: cfg.ControlToken,
		StartedAt:    time.Now(),
		alive: func() bool {
			select {
			case <-done:
				return false
			default:
				return true
			}
		},
		stop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	l.current = h
	l.mu.Unlock()

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if err := waitReady(ctx, cfg.SocketPath, timeout, done); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("inline worker: %w", err)
	}
	return h, nil
}
