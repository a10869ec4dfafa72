// Package activitylog keeps the user-visible activity list in the store.
//
// Every process has exactly one Log. Producers call Append from any
// goroutine; a single drain goroutine merges queued entries into the
// persisted list so concurrent producers never overwrite each other.
package activitylog

import (
	"context"
	"sync"
	"time"

	"github.com/victorarias/tether/internal/protocol"
	"github.com/victorarias/tether/internal/store"
)

// MaxEntries is the capacity of the persisted list.
const MaxEntries = 100

// Log is the serialized append path for the persisted activity list.
type Log struct {
	state *store.State
	now   func() time.Time
	logf  func(format string, args ...interface{})

	mu       sync.Mutex
	pending  []protocol.LogEntry
	draining bool
	done     chan struct{}
	closed   bool
}

// Option configures a Log.
type Option func(*Log)

// WithLogf sets the file logger used for storage errors.
func WithLogf(logf func(format string, args ...interface{})) Option {
	return func(l *Log) {
		if logf != nil {
			l.logf = logf
		}
	}
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Log writing to state.
func New(state *store.State, opts ...Option) *Log {
	l := &Log{
		state: state,
		now:   time.Now,
		logf:  func(string, ...interface{}) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append queues an entry. It never blocks on storage.
func (l *Log) Append(level protocol.LogLevel, message string) {
	entry := protocol.LogEntry{
		Timestamp: protocol.NewTimestamp(l.now()),
		Level:     level,
		Message:   message,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.pending = append(l.pending, entry)
	if !l.draining {
		l.draining = true
		l.done = make(chan struct{})
		go l.drain(l.done)
	}
}

func (l *Log) Info(message string)    { l.Append(protocol.LevelInfo, message) }
func (l *Log) Warn(message string)    { l.Append(protocol.LevelWarn, message) }
func (l *Log) Error(message string)   { l.Append(protocol.LevelError, message) }
func (l *Log) Success(message string) { l.Append(protocol.LevelSuccess, message) }

// drain writes queued batches until the queue is observed empty.
func (l *Log) drain(done chan struct{}) {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		if len(batch) == 0 {
			l.draining = false
			l.mu.Unlock()
			close(done)
			return
		}
		l.mu.Unlock()

		if err := l.write(batch); err != nil {
			l.logf("activitylog: write %d entries: %v", len(batch), err)
		}
	}
}

// write re-reads the persisted list, prepends batch newest-first and
// truncates to MaxEntries.
func (l *Log) write(batch []protocol.LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := l.state.Logs(ctx)
	if err != nil {
		return err
	}

	merged := make([]protocol.LogEntry, 0, len(batch)+len(current))
	for i := len(batch) - 1; i >= 0; i-- {
		merged = append(merged, batch[i])
	}
	merged = append(merged, current...)
	if len(merged) > MaxEntries {
		merged = merged[:MaxEntries]
	}
	return l.state.SetLogs(ctx, merged)
}

// Flush waits until every entry appended before the call is persisted.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	if !l.draining {
		l.mu.Unlock()
		return nil
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding entries and rejects further appends.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.Flush(ctx)
}
