// Package notify alerts a human when stored credentials stop working.
package notify

import (
	"context"
)

// Notifier is told about per-platform credential expiry.
type Notifier interface {
	LoginExpired(ctx context.Context, platform, taskID string) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) LoginExpired(context.Context, string, string) error { return nil }
