package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorarias/tether/internal/client"
	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/status"
	"github.com/victorarias/tether/internal/store"
)

const (
	commandTimeout = 10 * time.Second
	// captureSlack pads the client deadline past the controller's own
	// capture timeout so the controller reports the timeout, not the socket.
	captureSlack = 5 * time.Second
)

func newStatusCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection state, task counters and recent activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			offline := false
			snap, err := client.New(cfg.SocketPath, commandTimeout).Status()
			if err != nil {
				offline = true
				snap, err = persistedSnapshot(contextOrBackground(cmd), cfg, 10)
				if err != nil {
					if short {
						fmt.Fprintln(out, "? controller offline")
						return nil
					}
					return fmt.Errorf("controller offline and no persisted state: %w", err)
				}
			}
			if short {
				fmt.Fprintln(out, status.Short(snap))
				return nil
			}
			fmt.Fprintln(out, status.Format(snap, time.Now()))
			if offline {
				fmt.Fprintln(out, "\n(controller offline; showing persisted state)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "one line, for status bars")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the activity log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var entries []protocol.LogEntry
			ctx := contextOrBackground(cmd)
			err = withSharedState(ctx, cfg, func(state *store.State) error {
				var err error
				entries, err = state.Logs(ctx)
				return err
			})
			if errors.Is(err, errNoSharedStore) {
				snap, serr := client.New(cfg.SocketPath, commandTimeout).Status()
				if serr != nil {
					return serr
				}
				if snap != nil {
					entries = snap.Logs
				}
				err = nil
			}
			if err != nil {
				return err
			}
			// Stored newest first; print in reading order.
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			out := cmd.OutOrStdout()
			for i := len(entries) - 1; i >= 0; i-- {
				fmt.Fprintln(out, status.FormatLog(entries[i]))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "lines", "n", 20, "number of entries to show (0 for all)")
	return cmd
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := client.New(cfg.SocketPath, commandTimeout)
			if err := c.ArmRestart(); err != nil {
				return err
			}
			if err := c.Restart(true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "worker restarted")
			return nil
		},
	}
}

func newCaptureCmd() *cobra.Command {
	var platform, pattern string
	var cached bool
	cmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Open a page and print the payload its probe reports",
		Args: func(cmd *cobra.Command, args []string) error {
			if cached {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var payload *protocol.CapturePayload
			if cached {
				payload, err = client.New(cfg.SocketPath, commandTimeout).CachedCapture(platform)
			} else {
				payload, err = client.New(cfg.SocketPath, cfg.CaptureTimeout+captureSlack).Capture(args[0], platform, pattern)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
	f := cmd.Flags()
	f.StringVar(&platform, "platform", "", "platform whose probe reports the payload")
	f.StringVar(&pattern, "wait-pattern", "", "glob the payload URL must match (default: any)")
	f.BoolVar(&cached, "cached", false, "print the last unrequested payload instead of navigating")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

// newInterceptCmd is how page probes hand payloads to the controller. The
// body is read from stdin.
func newInterceptCmd() *cobra.Command {
	var platform, pageURL string
	var ssr bool
	cmd := &cobra.Command{
		Use:   "intercept",
		Short: "Report a captured payload (body on stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			body, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			payload := protocol.CapturePayload{URL: pageURL, Body: string(body), IsSSR: ssr}
			return client.New(cfg.SocketPath, commandTimeout).Intercept(platform, payload)
		},
	}
	f := cmd.Flags()
	f.StringVar(&platform, "platform", "", "platform the payload belongs to")
	f.StringVar(&pageURL, "url", "", "URL the payload was observed on")
	f.BoolVar(&ssr, "ssr", false, "payload came from server-rendered markup")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// readSecret returns arg, or the first line of stdin when arg is "-".
func readSecret(arg string, in io.Reader) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(io.LimitReader(in, 64<<10))
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
