package sticky

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBindThenExpire(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	b := New(0, WithClock(clk.Now))
	require.Equal(t, DefaultTTL, b.TTL())

	id := b.Bind("A", "P")
	require.NotEmpty(t, id)

	s, ok := b.GetActive("A")
	require.True(t, ok)
	require.Equal(t, id, s.SessionID)
	require.Equal(t, "P", s.ProxyID)
	require.Equal(t, clk.Now().Add(DefaultTTL), s.Expires)

	clk.Advance(61 * time.Minute)
	_, ok = b.GetActive("A")
	require.False(t, ok)
	require.Equal(t, 0, b.Len(), "stale binding must be evicted")
}

func TestResolveKeepsBindingForSameProxy(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Now()}
	b := New(time.Hour, WithClock(clk.Now))

	first := b.Resolve("A", "P1")
	clk.Advance(10 * time.Minute)
	again := b.Resolve("A", "P1")
	require.Equal(t, first.SessionID, again.SessionID)
	require.Equal(t, first.Expires, again.Expires, "resolve must not extend the lifetime")
}

func TestResolveReplacesOnProxyChange(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Now()}
	b := New(time.Hour, WithClock(clk.Now))

	first := b.Resolve("A", "P1")
	second := b.Resolve("A", "P2")
	require.NotEqual(t, first.SessionID, second.SessionID)
	require.Equal(t, "P2", second.ProxyID)

	got, ok := b.GetActive("A")
	require.True(t, ok)
	require.Equal(t, second.SessionID, got.SessionID)
	require.Equal(t, 1, b.Len())
}

func TestResolveRebindsAfterExpiry(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Now()}
	b := New(time.Minute, WithClock(clk.Now))

	first := b.Resolve("A", "P")
	clk.Advance(2 * time.Minute)
	second := b.Resolve("A", "P")
	require.NotEqual(t, first.SessionID, second.SessionID)
	require.True(t, second.Expires.Sub(second.Started) <= time.Minute)
}

func TestSweepAndEnd(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Now()}
	b := New(time.Minute, WithClock(clk.Now))

	b.Bind("A", "P")
	clk.Advance(30 * time.Second)
	b.Bind("B", "P")
	clk.Advance(45 * time.Second)

	require.Equal(t, 1, b.Sweep())
	require.Equal(t, 1, b.Len())

	b.End("B")
	require.Equal(t, 0, b.Len())
}
