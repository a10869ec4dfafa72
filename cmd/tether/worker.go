package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorarias/tether/internal/config"
	"github.com/victorarias/tether/internal/launcher"
	"github.com/victorarias/tether/internal/logging"
	"github.com/victorarias/tether/internal/metrics"
	"github.com/victorarias/tether/internal/store"
	"github.com/victorarias/tether/internal/worker"
)

type workerFlags struct {
	id           string
	registryPath string
	socketPath   string
	ownerPID     int
}

// newWorkerCmd is what the controller spawns. It is not meant to be run by
// hand.
func newWorkerCmd() *cobra.Command {
	var wf workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the worker process (spawned by the controller)",
		Hidden: true,
		RunE: func(*cobra.Command, []string) error {
			return runWorker(wf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&wf.id, "worker-id", "", "worker id assigned by the controller")
	f.StringVar(&wf.registryPath, "registry-path", "", "registry file to publish")
	f.StringVar(&wf.socketPath, "socket-path", "", "unix socket for the controller channel")
	f.IntVar(&wf.ownerPID, "owner-pid", 0, "pid of the controller that spawned this worker")
	f.Duration("heartbeat-interval", worker.DefaultHeartbeatInterval, "how often to report liveness to the controller")
	f.Duration("config-poll-interval", worker.DefaultConfigPollInterval, "how often to check for a new server config")
	bindFlag(config.KeyHeartbeatInterval, f, "heartbeat-interval")
	bindFlag(config.KeyConfigPollInterval, f, "config-poll-interval")
	return cmd
}

func runWorker(wf workerFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogPath("worker"), cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, cfg, "worker")
	if err != nil {
		logger.Errorf("open store: %v", err)
		return err
	}
	defer kv.Close()

	wcfg := worker.Config{
		WorkerID:           wf.id,
		RegistryPath:       wf.registryPath,
		SocketPath:         wf.socketPath,
		ControlToken:       os.Getenv(launcher.EnvControlToken),
		OwnerPID:           wf.ownerPID,
		ServerURL:          os.Getenv(launcher.EnvServerURL),
		Token:              os.Getenv(launcher.EnvServerToken),
		State:              store.NewState(kv),
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ConfigPollInterval: cfg.ConfigPollInterval,
		Logf:               logger.Prefixed("worker"),
	}
	if wcfg.SocketPath == "" {
		wcfg.SocketPath = cfg.WorkerSocketPath
	}
	if wcfg.RegistryPath == "" {
		wcfg.RegistryPath = cfg.RegistryPath
	}
	for _, key := range []string{launcher.EnvControlToken, launcher.EnvServerURL, launcher.EnvServerToken} {
		_ = os.Unsetenv(key)
	}

	metrics.StartServer(ctx, cfg.WorkerMetricsAddr, logger.Prefixed("metrics"))

	started := time.Now()
	logger.Infof("worker %s starting (pid %d, owner %d)", wcfg.WorkerID, os.Getpid(), wcfg.OwnerPID)
	if err := worker.Run(ctx, wcfg); err != nil {
		logger.Errorf("worker %s exited: %v", wcfg.WorkerID, err)
		return err
	}
	logger.Infof("worker %s stopped after %s", wcfg.WorkerID, time.Since(started).Round(time.Second))
	return nil
}
