// Package correlator pairs capture requests with the page payloads that
// arrive for them later.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/victorarias/tether/internal/metrics"
	"github.com/victorarias/tether/internal/protocol"
)

var (
	ErrCaptureTimeout = errors.New("capture timed out")
	ErrSuperseded     = errors.New("capture superseded by a newer request")
)

const DefaultTimeout = 60 * time.Second

type outcome struct {
	payload protocol.CapturePayload
	err     error
}

type pendingCapture struct {
	id      uint64
	pattern glob.Glob
	timer   *time.Timer
	// buffered so resolution never blocks on the waiter
	result chan outcome
}

type Correlator struct {
	timeout time.Duration
	onCache func(platform string, payload protocol.CapturePayload)
	logf    func(format string, args ...interface{})

	mu      sync.Mutex
	seq     uint64
	pending map[string]*pendingCapture
	cache   map[string]protocol.CapturePayload
}

type Option func(*Correlator)

func WithTimeout(d time.Duration) Option { return func(c *Correlator) { c.timeout = d } }

// WithCacheHook is called, outside the lock, for every payload that lands in
// the cache instead of resolving a request.
func WithCacheHook(fn func(platform string, payload protocol.CapturePayload)) Option {
	return func(c *Correlator) { c.onCache = fn }
}

func WithLogf(fn func(format string, args ...interface{})) Option {
	return func(c *Correlator) { c.logf = fn }
}

func New(opts ...Option) *Correlator {
	c := &Correlator{
		timeout: DefaultTimeout,
		logf:    func(string, ...interface{}) {},
		pending: make(map[string]*pendingCapture),
		cache:   make(map[string]protocol.CapturePayload),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request waits for the next payload for platform whose URL matches
// waitPattern (any URL when empty). timeout <= 0 uses the correlator default.
// A later request for the same platform ends this one with ErrSuperseded.
func (c *Correlator) Request(ctx context.Context, platform, waitPattern string, timeout time.Duration) (protocol.CapturePayload, error) {
	w, err := c.Expect(platform, waitPattern, timeout)
	if err != nil {
		return protocol.CapturePayload{}, err
	}
	return w.Wait(ctx)
}

// Waiter is a registered capture request. Registering before triggering the
// page load means a fast payload cannot slip past.
type Waiter struct {
	c        *Correlator
	platform string
	p        *pendingCapture
}

// Expect registers the request without blocking; the deadline starts now.
func (c *Correlator) Expect(platform, waitPattern string, timeout time.Duration) (*Waiter, error) {
	var pattern glob.Glob
	if waitPattern != "" {
		g, err := glob.Compile(waitPattern)
		if err != nil {
			return nil, fmt.Errorf("compile wait pattern %q: %w", waitPattern, err)
		}
		pattern = g
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.pending[platform]; ok {
		c.resolveLocked(platform, prev, outcome{err: ErrSuperseded})
		metrics.Captures.WithLabelValues("superseded").Inc()
		c.logf("capture for %s superseded", platform)
	}
	c.seq++
	p := &pendingCapture{id: c.seq, pattern: pattern, result: make(chan outcome, 1)}
	id := p.id
	p.timer = time.AfterFunc(timeout, func() { c.expire(platform, id) })
	c.pending[platform] = p
	return &Waiter{c: c, platform: platform, p: p}, nil
}

// Wait blocks until the request resolves. Cancelling ctx withdraws it.
func (w *Waiter) Wait(ctx context.Context) (protocol.CapturePayload, error) {
	select {
	case out := <-w.p.result:
		return out.payload, out.err
	case <-ctx.Done():
		w.Cancel(ctx.Err())
		return protocol.CapturePayload{}, ctx.Err()
	}
}

// Cancel withdraws the request if it is still pending.
func (w *Waiter) Cancel(err error) {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[w.platform]; ok && cur.id == w.p.id {
		c.resolveLocked(w.platform, cur, outcome{err: err})
	}
}

// Deliver hands a payload to the pending request for platform. It reports
// whether a request was resolved; otherwise the payload is cached.
func (c *Correlator) Deliver(platform string, payload protocol.CapturePayload) bool {
	c.mu.Lock()
	if p, ok := c.pending[platform]; ok && (p.pattern == nil || p.pattern.Match(payload.URL)) {
		c.resolveLocked(platform, p, outcome{payload: payload})
		c.mu.Unlock()
		metrics.Captures.WithLabelValues("resolved").Inc()
		return true
	}
	c.cache[platform] = payload
	hook := c.onCache
	c.mu.Unlock()

	metrics.Captures.WithLabelValues("cached").Inc()
	if hook != nil {
		hook(platform, payload)
	}
	return false
}

// Cached returns the last payload that arrived without a matching request.
func (c *Correlator) Cached(platform string) (protocol.CapturePayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.cache[platform]
	return payload, ok
}

// Pending lists platforms with an outstanding request, sorted.
func (c *Correlator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	platforms := make([]string, 0, len(c.pending))
	for platform := range c.pending {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}

func (c *Correlator) expire(platform string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[platform]
	if !ok || p.id != id {
		return
	}
	c.resolveLocked(platform, p, outcome{err: ErrCaptureTimeout})
	metrics.Captures.WithLabelValues("timeout").Inc()
	c.logf("capture for %s timed out", platform)
}

func (c *Correlator) resolveLocked(platform string, p *pendingCapture, out outcome) {
	p.timer.Stop()
	delete(c.pending, platform)
	p.result <- out
}
