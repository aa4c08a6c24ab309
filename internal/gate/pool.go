package gate

import "sync/atomic"

// Pool caps the number of requests the gate works on at once using a
// semaphore.
type Pool struct {
	sem    chan struct{}
	max    int
	active atomic.Int64
}

// NewPool creates a pool with the given number of slots.
func NewPool(maxInflight int) *Pool {
	if maxInflight <= 0 {
		maxInflight = 1
	}

	return &Pool{
		sem: make(chan struct{}, maxInflight),
		max: maxInflight,
	}
}

// Acquire takes a slot without blocking. It returns false when the pool
// is full.
func (p *Pool) Acquire() bool {
	select {
	case p.sem <- struct{}{}:
		p.active.Add(1)
		return true
	default:
		return false
	}
}

// Release returns a slot. Must be called once per successful acquire.
func (p *Pool) Release() {
	select {
	case <-p.sem:
		p.active.Add(-1)
	default:
	}
}

// Active returns the number of slots in use.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Max returns the pool capacity.
func (p *Pool) Max() int {
	return p.max
}
