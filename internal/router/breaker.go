package router

import (
	"sync"
	"time"

	"github.com/toolmesh/toolmesh/internal/metrics"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is a per-tool failure-tripped circuit breaker. It opens after
// `threshold` consecutive transient-outcome invocations inside the rolling
// window, short-circuits calls for the cooldown interval, then admits a
// single trial call (half-open) whose outcome decides whether the circuit
// closes again.
type breaker struct {
	tool      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	state        breakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

func newBreaker(tool string, threshold int, window, cooldown time.Duration, now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{
		tool:      tool,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       now,
	}
}

// allow reports whether a call may proceed. In the open state it admits
// exactly one trial call once the cooldown has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
		b.probing = true
		return true
	case stateHalfOpen:
		// Only the single trial call is in flight.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// recordSuccess resets the failure streak. Application-level failures count
// here too: the transport delivered, so the tool is reachable.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		metrics.SetBreakerState(b.tool, false)
	}
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

// recordFailure notes a transient-outcome invocation and trips the circuit
// when the consecutive-failure threshold is reached within the window.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == stateHalfOpen {
		// Trial call failed: back to open for another cooldown.
		b.state = stateOpen
		b.openedAt = now
		b.probing = false
		b.failures = 0
		metrics.RecordBreakerTrip(b.tool)
		metrics.SetBreakerState(b.tool, true)
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.failures = 0
		metrics.RecordBreakerTrip(b.tool)
		metrics.SetBreakerState(b.tool, true)
	}
}

// open reports whether the circuit is currently rejecting calls.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.cooldown
}

// breakerSet manages per-tool breakers.
type breakerSet struct {
	mu        sync.RWMutex
	breakers  map[string]*breaker
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

func newBreakerSet(threshold int, window, cooldown time.Duration, now func() time.Time) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*breaker),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       now,
	}
}

// get returns the breaker for a tool, creating one if needed.
func (s *breakerSet) get(tool string) *breaker {
	s.mu.RLock()
	b, ok := s.breakers[tool]
	s.mu.RUnlock()

	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := s.breakers[tool]; ok {
		return b
	}

	b = newBreaker(tool, s.threshold, s.window, s.cooldown, s.now)
	s.breakers[tool] = b
	return b
}
