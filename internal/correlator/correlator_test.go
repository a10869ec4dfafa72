package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victorarias/tether/internal/protocol"
)

type result struct {
	payload protocol.CapturePayload
	err     error
}

func requestAsync(c *Correlator, ctx context.Context, platform, pattern string, timeout time.Duration) chan result {
	ch := make(chan result, 1)
	go func() {
		p, err := c.Request(ctx, platform, pattern, timeout)
		ch <- result{p, err}
	}()
	return ch
}

func waitPending(t *testing.T, c *Correlator, platform string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range c.Pending() {
			if p == platform {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestRequest_ResolvedByDeliver(t *testing.T) {
	c := New()
	ch := requestAsync(c, context.Background(), "acme", "", time.Minute)
	waitPending(t, c, "acme")

	payload := protocol.CapturePayload{URL: "https://acme.test/orders", Body: "{}", IsSSR: true}
	assert.True(t, c.Deliver("acme", payload))

	got := <-ch
	require.NoError(t, got.err)
	assert.Equal(t, payload, got.payload)
	assert.Empty(t, c.Pending())

	_, cached := c.Cached("acme")
	assert.False(t, cached, "resolved payloads are not cached")
}

func TestRequest_TimesOut(t *testing.T) {
	c := New()
	start := time.Now()
	_, err := c.Request(context.Background(), "acme", "", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCaptureTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Empty(t, c.Pending())

	// A late payload is cached, not lost.
	assert.False(t, c.Deliver("acme", protocol.CapturePayload{URL: "late"}))
	cached, ok := c.Cached("acme")
	require.True(t, ok)
	assert.Equal(t, "late", cached.URL)
}

func TestRequest_DefaultTimeoutOption(t *testing.T) {
	c := New(WithTimeout(10 * time.Millisecond))
	_, err := c.Request(context.Background(), "acme", "", 0)
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestRequest_SecondRequestSupersedesFirst(t *testing.T) {
	c := New()
	first := requestAsync(c, context.Background(), "acme", "", time.Minute)
	waitPending(t, c, "acme")

	second := requestAsync(c, context.Background(), "acme", "", time.Minute)
	got := <-first
	assert.ErrorIs(t, got.err, ErrSuperseded)

	waitPending(t, c, "acme")
	assert.True(t, c.Deliver("acme", protocol.CapturePayload{URL: "u"}))
	got = <-second
	require.NoError(t, got.err)
	assert.Equal(t, "u", got.payload.URL)
}

func TestDeliver_PatternMismatchIsCached(t *testing.T) {
	var mu sync.Mutex
	var hooked []string
	c := New(WithCacheHook(func(platform string, p protocol.CapturePayload) {
		mu.Lock()
		hooked = append(hooked, platform+" "+p.URL)
		mu.Unlock()
	}))
	ch := requestAsync(c, context.Background(), "acme", "https://acme.test/api/orders*", time.Minute)
	waitPending(t, c, "acme")

	assert.False(t, c.Deliver("acme", protocol.CapturePayload{URL: "https://acme.test/api/profile"}))
	assert.Equal(t, []string{"acme"}, c.Pending())

	assert.True(t, c.Deliver("acme", protocol.CapturePayload{URL: "https://acme.test/api/orders?page=2"}))
	got := <-ch
	require.NoError(t, got.err)
	assert.Equal(t, "https://acme.test/api/orders?page=2", got.payload.URL)

	cached, ok := c.Cached("acme")
	require.True(t, ok)
	assert.Equal(t, "https://acme.test/api/profile", cached.URL)
	mu.Lock()
	assert.Equal(t, []string{"acme https://acme.test/api/profile"}, hooked)
	mu.Unlock()
}

func TestDeliver_OtherPlatformDoesNotResolve(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := requestAsync(c, ctx, "acme", "", time.Minute)
	waitPending(t, c, "acme")

	assert.False(t, c.Deliver("globex", protocol.CapturePayload{URL: "x"}))
	select {
	case <-ch:
		t.Fatal("request resolved by another platform's payload")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRequest_ContextCancelRemovesEntry(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := requestAsync(c, ctx, "acme", "", time.Minute)
	waitPending(t, c, "acme")

	cancel()
	got := <-ch
	assert.ErrorIs(t, got.err, context.Canceled)
	assert.Empty(t, c.Pending())
}

func TestPending_Sorted(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, p := range []string{"zeta", "acme", "mid"} {
		requestAsync(c, ctx, p, "", time.Minute)
		waitPending(t, c, p)
	}
	assert.Equal(t, []string{"acme", "mid", "zeta"}, c.Pending())
}

func TestExpect_PayloadBeforeWaitIsKept(t *testing.T) {
	c := New()
	w, err := c.Expect("acme", "", time.Minute)
	require.NoError(t, err)

	assert.True(t, c.Deliver("acme", protocol.CapturePayload{URL: "fast"}))
	got, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fast", got.URL)
}

func TestWaiter_CancelWithdraws(t *testing.T) {
	c := New()
	w, err := c.Expect("acme", "", time.Minute)
	require.NoError(t, err)

	w.Cancel(ErrCaptureTimeout)
	assert.Empty(t, c.Pending())
	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}
