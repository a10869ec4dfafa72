package controller

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// Navigator opens a page so its in-page probe can report a capture.
type Navigator interface {
	Open(ctx context.Context, url string) error
}

type NavigatorFunc func(ctx context.Context, url string) error

func (f NavigatorFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// BrowserNavigator hands the URL to the desktop's default browser.
type BrowserNavigator struct {
	// Command overrides the opener (defaults to open on macOS, xdg-open elsewhere).
	Command string
}

func (b BrowserNavigator) Open(ctx context.Context, url string) error {
	name := b.Command
	if name == "" {
		name = "xdg-open"
		if runtime.GOOS == "darwin" {
			name = "open"
		}
	}
	cmd := exec.Command(name, url)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
