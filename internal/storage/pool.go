// Package storage provides the document store backing cortex and the
// connection pool that mediates access to it. The pool hands out
// connections under concurrency with bounded resource use: min/max sizing,
// idle eviction, liveness probing, retry with exponential backoff, a
// circuit breaker, and replica load balancing.
package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// Conn is the raw connection contract the pool manages. Implementations
// wrap whatever the backend hands out (a sql.DB session, a websocket...).
type Conn interface {
	// Ping verifies liveness; a non-nil error marks the connection unhealthy.
	Ping(ctx context.Context) error
	// Close releases the underlying resource.
	Close() error
}

// Dialer opens new connections to one backend endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	// Endpoint names the backend (for logs and stats).
	Endpoint() string
}

// PoolConfig sizes and tunes a connection pool.
type PoolConfig struct {
	Min               int
	Max               int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	ProbeInterval     time.Duration
	Retry             RetryConfig
	Breaker           BreakerConfig
	Balance           BalancePolicy
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Min:               2,
		Max:               10,
		ConnectionTimeout: 5 * time.Second,
		IdleTimeout:       5 * time.Minute,
		ProbeInterval:     30 * time.Second,
		Retry:             DefaultRetryConfig(),
		Breaker:           DefaultBreakerConfig(),
		Balance:           BalanceRoundRobin,
	}
}

func (c *PoolConfig) validate() error {
	if c.Min <= 0 || c.Min > c.Max {
		return cortexerr.InvalidInput("pool config must satisfy 0 < min <= max, got min=%d max=%d", c.Min, c.Max)
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	return nil
}

// PoolStats is a snapshot of pool health.
type PoolStats struct {
	Open         int
	Idle         int
	InUse        int
	WaitCount    int64
	AcquireFails int64
	ProbeFails   int64
	Replaced     int64
}

type pooledConn struct {
	conn     Conn
	replica  *replica
	lastUsed time.Time
}

// Handle is a leased connection. Release must be called on every exit
// path; Release is idempotent.
type Handle struct {
	pool *Pool
	pc   *pooledConn
	once sync.Once
}

// Conn returns the raw connection.
func (h *Handle) Conn() Conn { return h.pc.conn }

// Release returns the connection to the pool.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.pc, false) })
}

// Discard closes the connection instead of returning it, for callers that
// observed an error mid-use.
func (h *Handle) Discard() {
	h.once.Do(func() { h.pool.release(h.pc, true) })
}

// Pool is a bounded, self-healing connection pool over one or more
// replica endpoints.
type Pool struct {
	cfg      PoolConfig
	replicas []*replica
	balancer *balancer

	mu    sync.Mutex
	idle  *list.List // of *pooledConn, most-recently-used at front
	open  int
	waitq []chan *pooledConn

	stats  PoolStats
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPool creates a pool over the given dialers (one per replica) and
// warms it to Min connections in the background.
func NewPool(cfg PoolConfig, dialers ...Dialer) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(dialers) == 0 {
		return nil, cortexerr.InvalidInput("pool requires at least one dialer")
	}

	replicas := make([]*replica, len(dialers))
	for i, d := range dialers {
		replicas[i] = &replica{
			dialer:  d,
			breaker: NewCircuitBreaker(cfg.Breaker),
		}
	}

	p := &Pool{
		cfg:      cfg,
		replicas: replicas,
		balancer: newBalancer(cfg.Balance, replicas),
		idle:     list.New(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	logging.Pool("pool created: replicas=%d min=%d max=%d policy=%s", len(replicas), cfg.Min, cfg.Max, cfg.Balance)

	go p.maintain()
	return p, nil
}

// Acquire leases a connection, waiting up to ConnectionTimeout. It fails
// with PoolExhausted on timeout, CircuitOpen when every replica's breaker
// is open, and Cancelled when ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	timer := logging.StartTimer(logging.CategoryPool, "Acquire")
	defer timer.Stop()

	deadline := time.NewTimer(p.cfg.ConnectionTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, cortexerr.Internal("pool is closed")
		}
		if el := p.idle.Front(); el != nil {
			pc := p.idle.Remove(el).(*pooledConn)
			p.mu.Unlock()
			pc.replica.incInUse()
			return &Handle{pool: p, pc: pc}, nil
		}
		canOpen := p.open < p.cfg.Max
		if canOpen {
			p.open++ // reserve the slot before dialing
		}
		p.mu.Unlock()

		if canOpen {
			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.stats.AcquireFails++
				p.mu.Unlock()
				return nil, err
			}
			pc.replica.incInUse()
			return &Handle{pool: p, pc: pc}, nil
		}

		// At capacity: wait for a release.
		waiter := make(chan *pooledConn, 1)
		p.mu.Lock()
		p.stats.WaitCount++
		p.waitq = append(p.waitq, waiter)
		p.mu.Unlock()

		select {
		case pc := <-waiter:
			if pc != nil {
				pc.replica.incInUse()
				return &Handle{pool: p, pc: pc}, nil
			}
			// Spurious wake (connection died while being handed over); loop.
		case <-ctx.Done():
			p.removeWaiter(waiter)
			return nil, cortexerr.Wrap(ctx.Err(), cortexerr.TagCancelled, "acquire cancelled")
		case <-deadline.C:
			p.removeWaiter(waiter)
			p.mu.Lock()
			p.stats.AcquireFails++
			p.mu.Unlock()
			return nil, cortexerr.PoolExhausted("no connection available within %v (open=%d max=%d)",
				p.cfg.ConnectionTimeout, p.openCount(), p.cfg.Max)
		}
	}
}

// WithConn acquires a connection, runs fn, and guarantees release. A
// transient failure inside fn is retried under the pool's retry policy on
// a fresh connection.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	return Retry(ctx, p.cfg.Retry, func() error {
		h, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		err = fn(h.Conn())
		if err != nil && cortexerr.IsTransient(err) {
			h.Discard()
			return err
		}
		h.Release()
		return err
	})
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	rep, err := p.balancer.pick()
	if err != nil {
		return nil, err
	}
	if !rep.breaker.Allow() {
		return nil, cortexerr.CircuitOpen("replica %s circuit open", rep.dialer.Endpoint())
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := rep.dialer.Dial(dialCtx)
	if err != nil {
		rep.breaker.RecordFailure()
		if dialCtx.Err() != nil {
			return nil, cortexerr.Wrap(err, cortexerr.TagTimeout, "dial %s timed out", rep.dialer.Endpoint())
		}
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "dial %s", rep.dialer.Endpoint()).
			WithContext("origin", rep.dialer.Endpoint())
	}
	rep.breaker.RecordSuccess()
	logging.PoolDebug("dialed %s", rep.dialer.Endpoint())
	return &pooledConn{conn: conn, replica: rep, lastUsed: time.Now()}, nil
}

func (p *Pool) release(pc *pooledConn, broken bool) {
	pc.replica.decInUse()
	pc.lastUsed = time.Now()

	p.mu.Lock()
	if broken || p.closed {
		p.open--
		p.mu.Unlock()
		_ = pc.conn.Close()
		p.wakeOne(nil)
		return
	}
	// Hand off directly to a waiter if any.
	for len(p.waitq) > 0 {
		waiter := p.waitq[0]
		p.waitq = p.waitq[1:]
		select {
		case waiter <- pc:
			p.mu.Unlock()
			return
		default:
			// Waiter already gave up; try the next one.
		}
	}
	p.idle.PushFront(pc)
	p.mu.Unlock()
}

func (p *Pool) wakeOne(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.waitq) > 0 {
		waiter := p.waitq[0]
		p.waitq = p.waitq[1:]
		select {
		case waiter <- pc:
			return
		default:
		}
	}
}

func (p *Pool) removeWaiter(waiter chan *pooledConn) {
	p.mu.Lock()
	for i, w := range p.waitq {
		if w == waiter {
			p.waitq = append(p.waitq[:i], p.waitq[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// Drain a connection that raced in before removal.
	select {
	case pc := <-waiter:
		if pc != nil {
			p.release(pc, false)
		}
	default:
	}
}

func (p *Pool) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// maintain keeps the pool between min and max: warms to Min, probes idle
// connections, replaces unhealthy ones, and evicts idle beyond IdleTimeout.
func (p *Pool) maintain() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	p.warm()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
			p.probeIdle()
			p.warm()
		}
	}
}

func (p *Pool) warm() {
	for {
		p.mu.Lock()
		if p.closed || p.open >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.open++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		pc, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			logging.PoolDebug("warm dial failed: %v", err)
			return
		}
		p.mu.Lock()
		p.idle.PushBack(pc)
		p.mu.Unlock()
	}
}

func (p *Pool) evictIdle() {
	now := time.Now()
	p.mu.Lock()
	var victims []*pooledConn
	for el := p.idle.Back(); el != nil && p.open > p.cfg.Min; {
		pc := el.Value.(*pooledConn)
		prev := el.Prev()
		if now.Sub(pc.lastUsed) >= p.cfg.IdleTimeout {
			p.idle.Remove(el)
			p.open--
			victims = append(victims, pc)
		}
		el = prev
	}
	p.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Close()
		logging.PoolDebug("evicted idle connection to %s", pc.replica.dialer.Endpoint())
	}
}

func (p *Pool) probeIdle() {
	p.mu.Lock()
	conns := make([]*pooledConn, 0, p.idle.Len())
	for el := p.idle.Front(); el != nil; el = el.Next() {
		conns = append(conns, el.Value.(*pooledConn))
	}
	p.mu.Unlock()

	for _, pc := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		err := pc.conn.Ping(ctx)
		cancel()
		if err == nil {
			pc.replica.breaker.RecordSuccess()
			continue
		}
		pc.replica.breaker.RecordFailure()
		p.mu.Lock()
		removed := false
		for el := p.idle.Front(); el != nil; el = el.Next() {
			if el.Value.(*pooledConn) == pc {
				p.idle.Remove(el)
				p.open--
				removed = true
				break
			}
		}
		p.stats.ProbeFails++
		if removed {
			p.stats.Replaced++
		}
		p.mu.Unlock()
		if removed {
			_ = pc.conn.Close()
			logging.PoolWarn("replaced unhealthy connection to %s: %v", pc.replica.dialer.Endpoint(), err)
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Open = p.open
	s.Idle = p.idle.Len()
	s.InUse = p.open - p.idle.Len()
	return s
}

// BreakerState exposes the first replica's breaker state; single-endpoint
// deployments treat it as the pool breaker.
func (p *Pool) BreakerState() BreakerState {
	return p.replicas[0].breaker.State()
}

// Close drains and closes every connection. In-flight handles are closed
// on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []*pooledConn
	for el := p.idle.Front(); el != nil; el = el.Next() {
		conns = append(conns, el.Value.(*pooledConn))
	}
	p.idle.Init()
	p.open -= len(conns)
	waiters := p.waitq
	p.waitq = nil
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	for _, w := range waiters {
		close(w)
	}
	for _, pc := range conns {
		_ = pc.conn.Close()
	}
	logging.Pool("pool closed")
	return nil
}
