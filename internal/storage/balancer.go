package storage

import (
	"sync"
	"sync/atomic"

	"cortex/internal/cortexerr"
)

// BalancePolicy selects how connections are spread across replicas.
type BalancePolicy string

const (
	BalanceRoundRobin BalancePolicy = "round-robin"
	BalanceLeastConns BalancePolicy = "least-connections"
)

// replica is one backend endpoint with its own breaker and usage count.
type replica struct {
	dialer  Dialer
	breaker *CircuitBreaker
	inUse   atomic.Int64
}

func (r *replica) incInUse() { r.inUse.Add(1) }
func (r *replica) decInUse() { r.inUse.Add(-1) }

// balancer picks a replica per dial, excluding replicas whose breaker is
// open (health-based routing).
type balancer struct {
	policy   BalancePolicy
	replicas []*replica
	mu       sync.Mutex
	next     int
}

func newBalancer(policy BalancePolicy, replicas []*replica) *balancer {
	if policy == "" {
		policy = BalanceRoundRobin
	}
	return &balancer{policy: policy, replicas: replicas}
}

func (b *balancer) pick() (*replica, error) {
	healthy := make([]*replica, 0, len(b.replicas))
	for _, r := range b.replicas {
		if r.breaker.State() != BreakerOpen {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		return nil, cortexerr.CircuitOpen("all %d replicas have open circuits", len(b.replicas))
	}

	switch b.policy {
	case BalanceLeastConns:
		best := healthy[0]
		for _, r := range healthy[1:] {
			if r.inUse.Load() < best.inUse.Load() {
				best = r
			}
		}
		return best, nil
	default: // round-robin
		b.mu.Lock()
		r := healthy[b.next%len(healthy)]
		b.next++
		b.mu.Unlock()
		return r, nil
	}
}
