// Package endpointpool implements the concurrent resource allocator that
// hands out one video-generation worker URL at a time, balancing load with
// LRU-over-healthy selection and backing off endpoints that error.
package endpointpool

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Lease when no endpoint became available within
// the requested budget.
var ErrTimeout = errors.New("endpointpool: lease timed out")

// Endpoint is one remote GPU worker. Mutated only while the pool's mutex is
// held.
type Endpoint struct {
	ID         int
	URL        string
	busy       bool
	lastUsedAt time.Time
	errorCount int
	errorUntil time.Time
}

// pollInterval bounds how promptly a waiting Lease call notices a release
// while no endpoint is free.
const pollInterval = 25 * time.Millisecond

// Pool owns N worker URLs and leases one at a time under its mutex.
type Pool struct {
	mu                sync.Mutex
	endpoints         []*Endpoint
	lastSelectedIndex int
	now               func() time.Time
}

// New builds a Pool over urls, assigning ids 1..N in order. Empty URLs are
// the caller's responsibility to filter before calling New.
func New(urls []string) *Pool {
	p := &Pool{now: time.Now, lastSelectedIndex: -1}
	for i, u := range urls {
		p.endpoints = append(p.endpoints, &Endpoint{ID: i + 1, URL: u})
	}
	return p
}

// Size reports the number of endpoints in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Lease is a scoped acquisition of an endpoint. Release must be called on
// every exit path (including cancellation); it is idempotent.
type Lease struct {
	pool     *Pool
	endpoint *Endpoint
	mu       sync.Mutex
	released bool
}

// URL is the leased endpoint's address.
func (l *Lease) URL() string { return l.endpoint.URL }

// EndpointID identifies which endpoint was leased, for logging/tests.
func (l *Lease) EndpointID() int { return l.endpoint.ID }

// Succeed resets the endpoint's error state. Call this before Release once
// a generation completes successfully.
func (l *Lease) Succeed() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.endpoint.errorCount = 0
	l.endpoint.errorUntil = time.Time{}
}

// Release clears busy and re-stamps lastUsedAt. Safe to call more than
// once; only the first call has effect.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	l.pool.mu.Lock()
	l.endpoint.busy = false
	l.endpoint.lastUsedAt = l.pool.now()
	l.pool.mu.Unlock()
}

// Lease acquires an endpoint within maxWait, suspending only while every
// endpoint is genuinely busy; an idle-but-errored pool is handled without
// blocking per the selection algorithm below. Returns ErrTimeout if the
// budget is exhausted while every endpoint remains busy.
func (p *Pool) Lease(ctx context.Context, maxWait time.Duration) (*Lease, error) {
	deadline := p.now().Add(maxWait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		if len(p.endpoints) == 0 {
			p.mu.Unlock()
			return nil, ErrTimeout
		}
		if e, ok := p.selectLocked(); ok {
			e.busy = true
			e.lastUsedAt = p.now()
			p.mu.Unlock()
			return &Lease{pool: p, endpoint: e}, nil
		}
		p.mu.Unlock()

		if !p.now().Before(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// selectLocked runs the selection algorithm and must be called with the
// pool's mutex held. Returns false only when every
// endpoint is currently busy (leased to someone else), in which case the
// caller must wait.
func (p *Pool) selectLocked() (*Endpoint, bool) {
	now := p.now()

	var free []*Endpoint
	var idle []*Endpoint // not busy, but possibly in error backoff
	for _, e := range p.endpoints {
		if e.busy {
			continue
		}
		idle = append(idle, e)
		if now.After(e.errorUntil) {
			free = append(free, e)
		}
	}

	if len(free) > 0 {
		best := free[0]
		for _, e := range free[1:] {
			if e.lastUsedAt.Before(best.lastUsedAt) || (e.lastUsedAt.Equal(best.lastUsedAt) && e.ID < best.ID) {
				best = e
			}
		}
		return best, true
	}

	if len(idle) == 0 {
		// Every endpoint is busy; caller must wait.
		return nil, false
	}

	// Every idle endpoint is in error backoff (step 3/4): round-robin scan
	// from one past lastSelectedIndex; return the first to have recovered,
	// or the one with the nearest errorUntil if none have.
	n := len(p.endpoints)
	for i := 1; i <= n; i++ {
		idx := (p.lastSelectedIndex + i) % n
		e := p.endpoints[idx]
		if e.busy {
			continue
		}
		if now.After(e.errorUntil) {
			p.lastSelectedIndex = idx
			return e, true
		}
	}

	best := idle[0]
	for _, e := range idle[1:] {
		if e.errorUntil.Before(best.errorUntil) {
			best = e
		}
	}
	for idx, e := range p.endpoints {
		if e == best {
			p.lastSelectedIndex = idx
			break
		}
	}
	return best, true
}

// ReportFailure marks the leased endpoint as errored:
// errorCount increments, backoff = min(15s*2^(errorCount-1), 300s),
// doubled if isTimeout, and errorUntil = now + backoff.
func (p *Pool) ReportFailure(l *Lease, isTimeout bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := l.endpoint
	e.errorCount++
	backoff := minDuration(15*time.Second*(1<<uint(e.errorCount-1)), 300*time.Second)
	if isTimeout {
		backoff *= 2
	}
	e.errorUntil = p.now().Add(backoff)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Snapshot describes one endpoint's externally-visible state, for
// /api/status.
type Snapshot struct {
	ID      int
	Busy    bool
	Errored bool
}

// Snapshot reports the current state of every endpoint without leaking
// their URLs.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Snapshot, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, Snapshot{
			ID:      e.ID,
			Busy:    e.busy,
			Errored: now.Before(e.errorUntil),
		})
	}
	return out
}
