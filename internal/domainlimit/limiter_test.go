// SPDX-License-Identifier: MIT

package domainlimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		GlobalMaxSessions:   25,
		ConcurrencyPerDrone: 1,
		QPSPerDrone:         2.0,
		BurstLimit:          3,
		Cooldown:            30 * time.Second,
		StateTTL:            600 * time.Second,
	}
}

func TestTryAcquireGrantsAndReleaseReturnsCredit(t *testing.T) {
	clk := newFakeClock()
	l := New(testConfig(), WithClock(clk.Now))

	lease, deny := l.TryAcquire("d1", "Example.COM")
	require.NotNil(t, lease)
	require.Equal(t, DenyNone, deny)
	require.Equal(t, "example.com", lease.Domain)
	require.Equal(t, 1, l.ActiveSessions("example.com"))

	lease.Release()
	require.Equal(t, 0, l.ActiveSessions("example.com"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	l := New(testConfig(), WithClock(clk.Now))

	lease, _ := l.TryAcquire("d1", "example.com")
	require.NotNil(t, lease)
	lease.Release()
	lease.Release()
	require.Equal(t, 0, l.ActiveSessions("example.com"))

	var nilLease *Lease
	nilLease.Release() // must not panic
}

func TestPerDroneConcurrencyCap(t *testing.T) {
	clk := newFakeClock()
	l := New(testConfig(), WithClock(clk.Now))

	lease, deny := l.TryAcquire("d1", "example.com")
	require.NotNil(t, lease)
	require.Equal(t, DenyNone, deny)

	second, deny := l.TryAcquire("d1", "example.com")
	require.Nil(t, second)
	require.Equal(t, DenyDroneConcurrency, deny)

	// Another drone is unaffected by d1's concurrency.
	other, deny := l.TryAcquire("d2", "example.com")
	require.NotNil(t, other)
	require.Equal(t, DenyNone, deny)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.GlobalMaxSessions = 2
	cfg.QPSPerDrone = 100
	cfg.BurstLimit = 0
	l := New(cfg, WithClock(clk.Now))

	_, deny := l.TryAcquire("d1", "example.com")
	require.Equal(t, DenyNone, deny)
	_, deny = l.TryAcquire("d2", "example.com")
	require.Equal(t, DenyNone, deny)

	lease, deny := l.TryAcquire("d3", "example.com")
	require.Nil(t, lease)
	require.Equal(t, DenyGlobalConcurrency, deny)
}

func TestQPSWindowDeniesAndSlides(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.ConcurrencyPerDrone = 10
	cfg.BurstLimit = 0
	l := New(cfg, WithClock(clk.Now))

	for i := 0; i < 2; i++ {
		lease, deny := l.TryAcquire("d1", "example.com")
		require.NotNil(t, lease)
		require.Equal(t, DenyNone, deny)
		lease.Release()
	}

	lease, deny := l.TryAcquire("d1", "example.com")
	require.Nil(t, lease)
	require.Equal(t, DenyDroneQPS, deny)

	clk.Advance(1100 * time.Millisecond)
	lease, deny = l.TryAcquire("d1", "example.com")
	require.NotNil(t, lease)
	require.Equal(t, DenyNone, deny)
}

func TestBurstCooldown(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.ConcurrencyPerDrone = 10
	cfg.QPSPerDrone = 100
	cfg.BurstLimit = 3
	cfg.Cooldown = 5 * time.Second
	l := New(cfg, WithClock(clk.Now))

	// First three rapid acquires succeed; the third trips the burst limit.
	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Millisecond)
		lease, deny := l.TryAcquire("d1", "example.com")
		require.NotNil(t, lease, "acquire %d", i+1)
		require.Equal(t, DenyNone, deny)
		lease.Release()
	}

	clk.Advance(10 * time.Millisecond)
	lease, deny := l.TryAcquire("d1", "example.com")
	require.Nil(t, lease)
	require.Equal(t, DenyCooldown, deny)

	// Burst window was cleared on cooldown entry: after the cooldown the
	// next acquire succeeds.
	clk.Advance(5 * time.Second)
	lease, deny = l.TryAcquire("d1", "example.com")
	require.NotNil(t, lease)
	require.Equal(t, DenyNone, deny)
}

func TestSweepRemovesIdleStateOnly(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.StateTTL = 10 * time.Minute
	l := New(cfg, WithClock(clk.Now))

	idle, _ := l.TryAcquire("d1", "idle.com")
	require.NotNil(t, idle)
	idle.Release()

	held, _ := l.TryAcquire("d2", "busy.com")
	require.NotNil(t, held)

	clk.Advance(11 * time.Minute)
	removed := l.Sweep(clk.Now())
	require.Equal(t, 2, removed) // idle.com global + (d1, idle.com) drone state

	// busy.com still holds concurrency and survives.
	require.Equal(t, 1, l.ActiveSessions("busy.com"))
	held.Release()
}
