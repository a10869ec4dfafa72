// Package executor runs server-dispatched HTTP tasks with a per-attempt
// timeout, bounded retries and a session-expiry check.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/victorarias/tether/internal/backoff"
	"github.com/victorarias/tether/internal/protocol"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultRetryBase      = 1 * time.Second

	// MaxBodyBytes caps how much of a response body is kept.
	MaxBodyBytes = 10 << 20
)

// DefaultExpiryMarkers are body substrings that mean the platform session is
// gone even though the HTTP exchange succeeded.
var DefaultExpiryMarkers = []string{
	`"need_login":true`,
	`"needLogin":true`,
	`"login_required"`,
	"session expired",
	"please log in",
	"请先登录",
	"登录已过期",
}

// Doer is the HTTP client used for task requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttemptError is a failed attempt and whether another one may help.
type AttemptError struct {
	Attempt   int
	Err       error
	Retryable bool
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Executor turns a TaskDescriptor into exactly one TaskResult.
type Executor struct {
	client         Doer
	maxAttempts    int
	attemptTimeout time.Duration
	retryBase      time.Duration
	markers        []string
	sleep          func(ctx context.Context, d time.Duration) error
	onRetry        func(task protocol.TaskDescriptor, err *AttemptError, delay time.Duration)
	logf           func(format string, args ...interface{})
}

// Option configures an Executor.
type Option func(*Executor)

func WithClient(c Doer) Option                  { return func(e *Executor) { e.client = c } }
func WithMaxAttempts(n int) Option              { return func(e *Executor) { e.maxAttempts = n } }
func WithAttemptTimeout(d time.Duration) Option { return func(e *Executor) { e.attemptTimeout = d } }
func WithRetryBase(d time.Duration) Option      { return func(e *Executor) { e.retryBase = d } }
func WithExpiryMarkers(m []string) Option       { return func(e *Executor) { e.markers = m } }

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRetryHook is called before each retry wait.
func WithRetryHook(fn func(task protocol.TaskDescriptor, err *AttemptError, delay time.Duration)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

func WithLogf(fn func(format string, args ...interface{})) Option {
	return func(e *Executor) { e.logf = fn }
}

// New creates an executor with three 30s attempts and 1s/2s retry waits.
func New(opts ...Option) *Executor {
	e := &Executor{
		client:         &http.Client{},
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		retryBase:      DefaultRetryBase,
		markers:        DefaultExpiryMarkers,
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	if e.logf == nil {
		e.logf = func(string, ...interface{}) {}
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs task. Interim attempts are never reported; the returned result
// covers the whole logical execution.
func (e *Executor) Execute(ctx context.Context, task protocol.TaskDescriptor) protocol.TaskResult {
	start := time.Now()
	result := protocol.TaskResult{TaskID: task.TaskID}

	var last *AttemptError
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		resp, err := e.attempt(ctx, task.Request)
		if err == nil {
			e.complete(&result, resp)
			result.Retries = attempt - 1
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}

		last = e.classify(ctx, attempt, err)
		e.logf("task %s: %v (retryable=%v)", task.TaskID, last, last.Retryable)
		if !last.Retryable || attempt == e.maxAttempts {
			break
		}

		delay := backoff.TaskDelay(e.retryBase, attempt)
		if e.onRetry != nil {
			e.onRetry(task, last, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			break
		}
	}

	result.Success = false
	result.Error = last.Err.Error()
	result.Retries = last.Attempt - 1
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (e *Executor) attempt(ctx context.Context, spec protocol.TaskRequest) (*protocol.TaskResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b := spec.BodyBytes(); b != nil {
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return &protocol.TaskResponse{Status: resp.StatusCode, Headers: headers, Body: string(data)}, nil
}

// complete fills result from a finished exchange, applying the expiry check.
func (e *Executor) complete(result *protocol.TaskResult, resp *protocol.TaskResponse) {
	result.Response = resp
	result.LoginExpired = e.expired(resp)

	ok := resp.Status >= 200 && resp.Status < 300
	switch {
	case ok && !result.LoginExpired:
		result.Success = true
	case ok:
		result.Error = "login expired"
	default:
		result.Error = fmt.Sprintf("HTTP %d", resp.Status)
	}
}

func (e *Executor) expired(resp *protocol.TaskResponse) bool {
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return true
	}
	for _, marker := range e.markers {
		if marker != "" && strings.Contains(resp.Body, marker) {
			return true
		}
	}
	return false
}

// classify decides whether err is worth another attempt: timeouts and
// network-level failures are, everything else is terminal.
func (e *Executor) classify(parent context.Context, attempt int, err error) *AttemptError {
	ae := &AttemptError{Attempt: attempt, Err: err}
	if parent.Err() != nil {
		// Caller gave up; another attempt would fail the same way.
		return ae
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ae.Err = fmt.Errorf("timed out after %s", e.attemptTimeout)
		ae.Retryable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		ae.Err = fmt.Errorf("timed out after %s", e.attemptTimeout)
		ae.Retryable = true
	case isNetworkError(err):
		ae.Retryable = true
	}
	return ae
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	}
	return false
}
