package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
)

// fakeConn is an in-memory connection for pool tests.
type fakeConn struct {
	closed  atomic.Bool
	pingErr error
	dialer  *fakeDialer
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.dialer.closes.Add(1)
	return nil
}

type fakeDialer struct {
	name    string
	mu      sync.Mutex
	dialErr error
	dials   atomic.Int64
	closes  atomic.Int64
	pingErr error
}

func (d *fakeDialer) Endpoint() string { return d.name }

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	err := d.dialErr
	ping := d.pingErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.dials.Add(1)
	return &fakeConn{dialer: d, pingErr: ping}, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func testPoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Min = 1
	cfg.Max = 2
	cfg.ConnectionTimeout = 200 * time.Millisecond
	cfg.ProbeInterval = time.Hour // keep the maintainer quiet during tests
	return cfg
}

func TestPoolAcquireRelease(t *testing.T) {
	d := &fakeDialer{name: "a"}
	p, err := NewPool(testPoolConfig(), d)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h.Conn())
	h.Release()
	h.Release() // idempotent

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Open, 1)
	assert.Equal(t, 0, stats.InUse)
}

func TestPoolExhaustedAfterTimeout(t *testing.T) {
	d := &fakeDialer{name: "a"}
	p, err := NewPool(testPoolConfig(), d)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagPoolExhausted))

	h1.Release()
	h2.Release()
}

func TestPoolWaiterGetsReleasedConn(t *testing.T) {
	d := &fakeDialer{name: "a"}
	p, err := NewPool(testPoolConfig(), d)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		h, err := p.Acquire(context.Background())
		if err == nil {
			h.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h1.Release()
	require.NoError(t, <-got)
	h2.Release()
}

func TestPoolAcquireRespectsContext(t *testing.T) {
	d := &fakeDialer{name: "a"}
	cfg := testPoolConfig()
	cfg.ConnectionTimeout = time.Minute
	p, err := NewPool(cfg, d)
	require.NoError(t, err)
	defer p.Close()

	h1, _ := p.Acquire(context.Background())
	h2, _ := p.Acquire(context.Background())
	defer h1.Release()
	defer h2.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagCancelled))
}

func TestPoolDiscardClosesConn(t *testing.T) {
	d := &fakeDialer{name: "a"}
	p, err := NewPool(testPoolConfig(), d)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	before := d.closes.Load()
	h.Discard()
	assert.Equal(t, before+1, d.closes.Load())
}

func TestPoolWithConnRetriesTransient(t *testing.T) {
	d := &fakeDialer{name: "a"}
	cfg := testPoolConfig()
	cfg.Retry = RetryConfig{MaxRetries: 3, Base: time.Millisecond, Factor: 1.1, Jitter: 0}
	p, err := NewPool(cfg, d)
	require.NoError(t, err)
	defer p.Close()

	calls := 0
	err = p.WithConn(context.Background(), func(Conn) error {
		calls++
		if calls < 3 {
			return cortexerr.Timeout("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoolCircuitOpensOnDialFailures(t *testing.T) {
	d := &fakeDialer{name: "a"}
	cfg := testPoolConfig()
	cfg.Breaker = BreakerConfig{FailThreshold: 2, Window: time.Minute, CoolDown: 50 * time.Millisecond}
	p, err := NewPool(cfg, d)
	require.NoError(t, err)
	defer p.Close()

	// Drain the warm connection so new acquires must dial.
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Discard()

	d.setDialErr(fmt.Errorf("backend down"))
	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background())
		require.Error(t, err)
	}

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagCircuitOpen), "got %v", err)

	// After cool-down a healthy backend closes the circuit within one probe.
	d.setDialErr(nil)
	time.Sleep(60 * time.Millisecond)
	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, BreakerClosed, p.BreakerState())
}

func TestBalancerSkipsOpenReplicas(t *testing.T) {
	a := &fakeDialer{name: "a"}
	b := &fakeDialer{name: "b"}
	cfg := testPoolConfig()
	cfg.Max = 4
	cfg.Breaker = BreakerConfig{FailThreshold: 1, Window: time.Minute, CoolDown: time.Minute}
	p, err := NewPool(cfg, a, b)
	require.NoError(t, err)
	defer p.Close()

	p.replicas[0].breaker.RecordFailure() // open replica a
	dialsBefore := a.dials.Load()

	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h.Release()
	}
	assert.Equal(t, dialsBefore, a.dials.Load(), "open replica must not be dialed")
	assert.Greater(t, b.dials.Load(), int64(0))
}

func TestBalancerLeastConnections(t *testing.T) {
	a := &fakeDialer{name: "a"}
	b := &fakeDialer{name: "b"}
	reps := []*replica{
		{dialer: a, breaker: NewCircuitBreaker(DefaultBreakerConfig())},
		{dialer: b, breaker: NewCircuitBreaker(DefaultBreakerConfig())},
	}
	reps[0].inUse.Store(5)
	reps[1].inUse.Store(1)

	bal := newBalancer(BalanceLeastConns, reps)
	r, err := bal.pick()
	require.NoError(t, err)
	assert.Equal(t, "b", r.dialer.Endpoint())
}

func TestBalancerRoundRobin(t *testing.T) {
	a := &fakeDialer{name: "a"}
	b := &fakeDialer{name: "b"}
	reps := []*replica{
		{dialer: a, breaker: NewCircuitBreaker(DefaultBreakerConfig())},
		{dialer: b, breaker: NewCircuitBreaker(DefaultBreakerConfig())},
	}
	bal := newBalancer(BalanceRoundRobin, reps)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		r, err := bal.pick()
		require.NoError(t, err)
		seen[r.dialer.Endpoint()]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestCircuitBreakerStateMachine(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailThreshold: 2, Window: time.Minute, CoolDown: 30 * time.Millisecond})

	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(40 * time.Millisecond)
	assert.True(t, cb.Allow())  // half-open probe admitted
	assert.False(t, cb.Allow()) // only one probe at a time

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())

	// Probe failure re-opens.
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.False(t, cb.Allow())
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 5, Base: time.Millisecond, Factor: 1.1, Jitter: 0}, func() error {
		calls++
		return cortexerr.InvalidInput("never retried")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 2, Base: time.Millisecond, Factor: 1.1, Jitter: 0}, func() error {
		calls++
		return cortexerr.Timeout("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial try + 2 retries
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagTimeout))
}
