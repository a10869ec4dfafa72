package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/victorarias/tether/internal/client"
	"github.com/victorarias/tether/internal/config"
	"github.com/victorarias/tether/internal/store"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server address, token and local config file",
	}
	cmd.AddCommand(newConfigSetCmd(), newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <server-url> <token|->",
		Short: "Set the task server address and token (token \"-\" reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := readSecret(args[1], cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			server := store.ServerConfig{URL: strings.TrimSpace(args[0]), Token: token}
			if err := validateServer(server); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			c := client.New(cfg.SocketPath, commandTimeout)
			if c.IsRunning() {
				if err := c.SetConfig(server.URL, server.Token); err != nil {
					return err
				}
				fmt.Fprintf(out, "server set to %s\n", server.URL)
				return nil
			}

			// Controller down: persist directly; the worker or the next
			// controller picks it up.
			ctx := contextOrBackground(cmd)
			err = withSharedState(ctx, cfg, func(state *store.State) error {
				return state.SetServerConfig(ctx, server)
			})
			if err != nil {
				return fmt.Errorf("controller offline and config not saved: %w", err)
			}
			fmt.Fprintf(out, "server set to %s (controller offline; applies on next start)\n", server.URL)
			return nil
		},
	}
}

func validateServer(s store.ServerConfig) error {
	if !s.Valid() {
		return errors.New("server url and token are required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("server url must be ws:// or wss://, got %q", s.URL)
	}
	return nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			file := viper.ConfigFileUsed()
			if file == "" {
				file = config.DefaultFile()
			}
			rows := [][2]string{
				{"config file", file},
				{"data dir", cfg.DataDir},
				{"store", cfg.Store},
				{"db path", cfg.DBPath},
				{"redis", cfg.RedisAddr + " (prefix " + cfg.RedisPrefix + ")"},
				{"controller socket", cfg.SocketPath},
				{"worker socket", cfg.WorkerSocketPath},
				{"registry", cfg.RegistryPath},
				{"watchdog interval", cfg.WatchdogInterval.String()},
				{"heartbeat interval", cfg.HeartbeatInterval.String()},
				{"config poll", cfg.ConfigPollInterval.String()},
				{"capture timeout", cfg.CaptureTimeout.String()},
				{"metrics addr", orNone(cfg.MetricsAddr)},
				{"worker metrics addr", orNone(cfg.WorkerMetricsAddr)},
				{"slack channel", orNone(cfg.SlackChannel)},
				{"slack token", mask(cfg.SlackToken)},
				{"log level", cfg.LogLevel},
			}
			rows = append(rows, serverRows(contextOrBackground(cmd), cfg)...)
			for _, r := range rows {
				fmt.Fprintf(out, "%-20s %s\n", r[0]+":", r[1])
			}
			return nil
		},
	}
}

func serverRows(ctx context.Context, cfg config.Config) [][2]string {
	var server store.ServerConfig
	var ok bool
	err := withSharedState(ctx, cfg, func(state *store.State) error {
		var err error
		server, ok, err = state.ServerConfig(ctx)
		return err
	})
	switch {
	case err != nil:
		return [][2]string{{"server", "unknown (" + err.Error() + ")"}}
	case !ok:
		return [][2]string{{"server", "(not configured)"}}
	default:
		return [][2]string{{"server", server.URL}, {"server token", mask(server.Token)}}
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the current settings",
		Long: `Write the current settings to a yaml config file.

If --config is given the file is written to that path, otherwise to
~/.tether/config.yaml. Fails if the file exists unless --force is passed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				dest = config.DefaultFile()
			}
			if err := config.WriteDefault(dest, viper.GetViper(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func mask(secret string) string {
	switch {
	case secret == "":
		return "(none)"
	case len(secret) <= 4:
		return "****"
	default:
		return secret[:2] + strings.Repeat("*", 6) + secret[len(secret)-2:]
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
