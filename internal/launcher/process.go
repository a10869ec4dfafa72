package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/tether/internal/store"
	"github.com/victorarias/tether/internal/worker"
)

type ProcessConfig struct {
	// BinaryPath defaults to the running executable.
	BinaryPath string
	// ExtraArgs are appended after the worker flags (data dir, store, ...).
	ExtraArgs []string

	RegistryPath string
	SocketPath   string
	LogPath      string
	ReadyTimeout time.Duration

	Logf func(format string, args ...interface{})
}

// ProcessLauncher runs the worker as a detached `<binary> worker` process so
// it survives controller restarts.
type ProcessLauncher struct {
	cfg ProcessConfig
}

func NewProcess(cfg ProcessConfig) (*ProcessLauncher, error) {
	if cfg.RegistryPath == "" || cfg.SocketPath == "" {
		return nil, errors.New("registry and socket paths are required")
	}
	if cfg.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.BinaryPath = exe
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	return &ProcessLauncher{cfg: cfg}, nil
}

// Find returns the registered worker when its process is alive and its socket
// accepts. Stale entries are pruned.
func (l *ProcessLauncher) Find(_ context.Context) (*Handle, error) {
	entry, err := worker.ReadRegistry(l.cfg.RegistryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		l.cfg.Logf("launcher: unreadable registry %s: %v", l.cfg.RegistryPath, err)
		l.prune(entry.SocketPath)
		return nil, nil
	}

	if !pidAlive(entry.WorkerPID) {
		l.cfg.Logf("launcher: pruning stale worker %s (pid %d gone)", entry.WorkerID, entry.WorkerPID)
		l.prune(entry.SocketPath)
		return nil, nil
	}
	if !socketAccepts(entry.SocketPath) {
		l.cfg.Logf("launcher: worker %s pid %d alive but socket unreachable; terminating", entry.WorkerID, entry.WorkerPID)
		terminate(entry.WorkerPID)
		l.prune(entry.SocketPath)
		return nil, nil
	}
	return l.handleFor(entry), nil
}

// Launch spawns a worker unless a live one is registered.
func (l *ProcessLauncher) Launch(ctx context.Context, cfg store.ServerConfig) (*Handle, error) {
	existing, err := l.Find(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrWorkerExists
	}

	workerID := "w-" + uuid.NewString()[:8]
	token := uuid.NewString()
	args := []string{
		"worker",
		"--worker-id", workerID,
		"--registry-path", l.cfg.RegistryPath,
		"--socket-path", l.cfg.SocketPath,
		"--owner-pid", strconv.Itoa(os.Getpid()),
	}
	args = append(args, l.cfg.ExtraArgs...)

	// Not CommandContext: the worker must outlive the request that spawned it.
	cmd := exec.Command(l.cfg.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = append(os.Environ(),
		EnvServerURL+"="+cfg.URL,
		EnvServerToken+"="+cfg.Token,
		EnvControlToken+"="+token,
	)
	if l.cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(l.cfg.LogPath), 0700); err == nil {
			if logFile, err := os.OpenFile(l.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err == nil {
				cmd.Stdout = logFile
				cmd.Stderr = logFile
				defer logFile.Close()
			}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		// Reap so a dead worker does not linger as a zombie.
		_ = cmd.Wait()
		close(exited)
	}()

	if err := waitReady(ctx, l.cfg.SocketPath, l.cfg.ReadyTimeout, exited); err != nil {
		terminate(cmd.Process.Pid)
		return nil, err
	}

	entry, err := worker.ReadRegistry(l.cfg.RegistryPath)
	if err != nil || entry.ControlToken != token {
		terminate(cmd.Process.Pid)
		return nil, fmt.Errorf("worker %s did not register", workerID)
	}
	l.cfg.Logf("launcher: worker %s ready (pid %d)", workerID, entry.WorkerPID)
	return l.handleFor(entry), nil
}

func (l *ProcessLauncher) handleFor(entry worker.RegistryEntry) *Handle {
	startedAt, _ := time.Parse(time.RFC3339, entry.StartedAt)
	pid := entry.WorkerPID
	return &Handle{
		ID:           entry.WorkerID,
		PID:          pid,
		SocketPath:   entry.SocketPath,
		ControlToken: entry.ControlToken,
		StartedAt:    startedAt,
		alive:        func() bool { return pidAlive(pid) },
		stop: func(ctx context.Context) error {
			terminate(pid)
			if pidAlive(pid) {
				return fmt.Errorf("worker pid %d still alive", pid)
			}
			return nil
		},
	}
}

func (l *ProcessLauncher) prune(socketPath string) {
	_ = os.Remove(l.cfg.RegistryPath)
	if socketPath != "" {
		_ = os.Remove(socketPath)
	}
}

// terminate sends SIGTERM, then SIGKILL after a grace period.
func terminate(pid int) {
	if !pidAlive(pid) {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	for i := 0; i < 40 && pidAlive(pid); i++ {
		time.Sleep(25 * time.Millisecond)
	}
}
