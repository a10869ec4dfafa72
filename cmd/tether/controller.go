package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorarias/tether/internal/activitylog"
	"github.com/victorarias/tether/internal/config"
	"github.com/victorarias/tether/internal/controller"
	"github.com/victorarias/tether/internal/launcher"
	"github.com/victorarias/tether/internal/logging"
	"github.com/victorarias/tether/internal/metrics"
	"github.com/victorarias/tether/internal/notify"
	"github.com/victorarias/tether/internal/store"
	"github.com/victorarias/tether/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func newControllerCmd() *cobra.Command {
	var inline bool
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the controller: keeps one worker alive and serves local commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runController(cmd, inline)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&inline, "inline-worker", false, "run the worker inside this process (implied by --store memory)")
	f.String("worker-socket", "", "worker channel socket (default <data-dir>/worker.sock)")
	f.String("registry-path", "", "worker registry file (default <data-dir>/worker.json)")
	f.Duration("watchdog-interval", time.Minute, "how often to check the worker is alive")
	f.Duration("capture-timeout", 60*time.Second, "how long a capture request waits for its payload")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")
	f.String("slack-channel", "", "Slack channel for login-expired alerts (token from TETHER_SLACK_TOKEN)")
	bindFlag(config.KeyWorkerSocketPath, f, "worker-socket")
	bindFlag(config.KeyRegistryPath, f, "registry-path")
	bindFlag(config.KeyWatchdogInterval, f, "watchdog-interval")
	bindFlag(config.KeyCaptureTimeout, f, "capture-timeout")
	bindFlag(config.KeyMetricsAddr, f, "metrics-addr")
	bindFlag(config.KeySlackChannel, f, "slack-channel")
	return cmd
}

func runController(cmd *cobra.Command, inline bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogPath("controller"), cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, cfg, "controller")
	if err != nil {
		return err
	}
	defer kv.Close()
	state := store.NewState(kv)

	activity := activitylog.New(state, activitylog.WithLogf(logger.Prefixed("activity")))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = activity.Close(closeCtx)
	}()

	// A worker in another process cannot see a memory store.
	inline = inline || cfg.Store == config.StoreMemory
	var l launcher.Launcher
	if inline {
		il := launcher.NewInline(inlineTemplate(cfg, state, logger))
		defer stopInline(il, logger)
		l = il
	} else {
		l, err = launcher.NewProcess(launcher.ProcessConfig{
			ExtraArgs:    workerArgs(cfg),
			RegistryPath: cfg.RegistryPath,
			SocketPath:   cfg.WorkerSocketPath,
			LogPath:      cfg.LogPath("worker"),
			Logf:         logger.Prefixed("launcher"),
		})
		if err != nil {
			return err
		}
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	metrics.StartServer(ctx, cfg.MetricsAddr, logger.Prefixed("metrics"))

	c, err := controller.New(controller.Config{
		SocketPath:       cfg.SocketPath,
		State:            state,
		Activity:         activity,
		Launcher:         l,
		Notifier:         notifier,
		WatchdogInterval: cfg.WatchdogInterval,
		CaptureTimeout:   cfg.CaptureTimeout,
		Logf:             logger.Prefixed("controller"),
	})
	if err != nil {
		return err
	}

	logger.Infof("controller starting: store=%s data_dir=%s inline=%v", cfg.Store, cfg.DataDir, inline)
	fmt.Fprintf(cmd.ErrOrStderr(), "controller listening on %s (log %s)\n", cfg.SocketPath, cfg.LogPath("controller"))
	if err := c.Run(ctx); err != nil {
		logger.Errorf("controller stopped: %v", err)
		return err
	}
	logger.Info("controller stopped")
	return nil
}

// workerArgs carries the settings a spawned worker needs to open the same
// store. Secrets travel in the environment, never here.
func workerArgs(cfg config.Config) []string {
	args := []string{
		"--data-dir", cfg.DataDir,
		"--store", cfg.Store,
		"--db-path", cfg.DBPath,
		"--redis-addr", cfg.RedisAddr,
		"--redis-prefix", cfg.RedisPrefix,
		"--log-level", cfg.LogLevel,
		"--heartbeat-interval", cfg.HeartbeatInterval.String(),
		"--config-poll-interval", cfg.ConfigPollInterval.String(),
	}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return args
}

func inlineTemplate(cfg config.Config, state *store.State, logger *logging.Logger) worker.Config {
	return worker.Config{
		RegistryPath:       cfg.RegistryPath,
		SocketPath:         cfg.WorkerSocketPath,
		State:              state,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ConfigPollInterval: cfg.ConfigPollInterval,
		Logf:               logger.Prefixed("worker"),
	}
}

// stopInline stops an in-process worker; it cannot outlive this process.
func stopInline(l *launcher.InlineLauncher, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h, _ := l.Find(ctx)
	if h == nil {
		return
	}
	if err := h.Stop(ctx); err != nil {
		logger.Warnf("stop inline worker: %v", err)
	}
}

func newNotifier(cfg config.Config, logger *logging.Logger) (notify.Notifier, error) {
	switch {
	case cfg.SlackToken != "" && cfg.SlackChannel != "":
		s, err := notify.NewSlack(cfg.SlackToken, cfg.SlackChannel, notify.WithLogf(logger.Prefixed("slack")))
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.SlackToken != "" || cfg.SlackChannel != "":
		logger.Warn("slack alerts need both slack_token and slack_channel; alerts disabled")
	}
	return notify.Nop{}, nil
}
