// Package breaker implements a per-provider circuit breaker registry with
// single-permit half-open probing. One entry exists per provider name,
// created lazily and retained for the lifetime of the process.
package breaker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	// FailureThreshold is the number of consecutive failures that trips a
	// Closed circuit to Open.
	FailureThreshold = 3
	// OpenDuration is how long a circuit stays Open before the next
	// permit-check lazily transitions it to HalfOpen.
	OpenDuration = 30 * time.Second
)

type probeResult int

const (
	probeUnresolved probeResult = iota
	probeSuccess
	probeFailed
)

// OpenError is returned by Acquire when a provider's circuit rejects the
// request outright (Open and not yet eligible for a probe, or a losing
// probe-wait).
type OpenError struct {
	Provider  string
	TripCount uint64
	LastError string
}

func (e *OpenError) Error() string {
	if e.LastError != "" {
		return fmt.Sprintf("circuit open for provider %q (trip #%d): %s", e.Provider, e.TripCount, e.LastError)
	}
	return fmt.Sprintf("circuit open for provider %q (trip #%d)", e.Provider, e.TripCount)
}

// PermitKind distinguishes a routine pass-through request from the single
// recovery probe allowed through a HalfOpen circuit.
type PermitKind int

const (
	PermitNormal PermitKind = iota
	PermitProbe
)

// Permit is returned by Acquire. The caller must resolve it exactly once
// via Succeed or Fail, and must defer Release so that an abandoned permit
// (panic, cancellation, early return) still resolves the breaker state —
// defaulting to failure, the conservative outcome.
type Permit struct {
	kind     PermitKind
	provider string
	circuit  *circuit
	resolved bool
}

// Kind reports whether this is a Normal or Probe permit.
func (p *Permit) Kind() PermitKind { return p.kind }

// Succeed records a successful outcome for this permit.
func (p *Permit) Succeed() {
	p.resolve(true)
}

// Fail records a failed outcome for this permit. Only failures classified
// as retryable-transient by the caller should reach here: 4xx responses
// from a healthy provider must not trip its circuit.
func (p *Permit) Fail() {
	p.resolve(false)
}

// Release defaults an unresolved permit to failure. Safe to call after
// Succeed/Fail (no-op), and safe to defer unconditionally.
func (p *Permit) Release() {
	if p.resolved {
		return
	}
	log.Printf("[CircuitBreaker] permit for %s released without explicit outcome, defaulting to failure", p.provider)
	p.resolve(false)
}

func (p *Permit) resolve(success bool) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.circuit.recordOutcome(p.kind, success)
}

// circuit is the per-provider state machine. All suspension (probe wait)
// happens outside the mutex: callers copy what they need, unlock, then
// block on a channel.
type circuit struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	tripCount           uint64
	openedAt            *time.Time
	lastError           string

	probeInFlight bool
	probeDone     chan struct{}
	probeOutcome  probeResult
}

func newCircuit() *circuit {
	return &circuit{state: Closed, probeDone: make(chan struct{})}
}

// snapshot returns the state and the consecutive-failure counter: for
// Closed it's consecutive failures since the last success; for Open/HalfOpen
// it's the count reached when the circuit last tripped from Closed (a failed
// probe re-opens the circuit without changing it).
func (c *circuit) snapshot() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.consecutiveFailures
}

func (c *circuit) transitionToOpenLocked(reason string) {
	now := time.Now()
	c.state = Open
	c.openedAt = &now
	c.tripCount++
	c.lastError = reason
	log.Printf("[CircuitBreaker] circuit tripped to open (trip #%d): %s", c.tripCount, reason)
}

func (c *circuit) transitionToHalfOpenLocked() {
	c.state = HalfOpen
	c.probeInFlight = false
	log.Printf("[CircuitBreaker] open duration elapsed, transitioning to half-open")
}

func (c *circuit) transitionToClosedLocked() {
	c.state = Closed
	c.consecutiveFailures = 0
	c.openedAt = nil
	log.Printf("[CircuitBreaker] probe succeeded, circuit closed")
}

// recordOutcome applies a resolved permit's outcome to the state machine.
func (c *circuit) recordOutcome(kind PermitKind, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case PermitNormal:
		if c.state != Closed {
			// Stray outcome from a permit acquired before a concurrent trip;
			// only Closed-state bookkeeping applies to Normal permits.
			return
		}
		if success {
			c.consecutiveFailures = 0
		} else {
			c.consecutiveFailures++
			if c.consecutiveFailures >= FailureThreshold {
				c.transitionToOpenLocked(fmt.Sprintf("%d consecutive failures", c.consecutiveFailures))
			}
		}
	case PermitProbe:
		if success {
			c.transitionToClosedLocked()
			c.probeOutcome = probeSuccess
		} else {
			c.transitionToOpenLocked("probe failed")
			c.probeOutcome = probeFailed
		}
		c.probeInFlight = false
		close(c.probeDone)
		c.probeDone = make(chan struct{})
	}
}

// Registry holds one circuit per provider name, created lazily on first
// access and retained for the process lifetime.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*circuit
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*circuit)}
}

func (r *Registry) getOrCreate(provider string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.providers[provider]
	if !ok {
		c = newCircuit()
		r.providers[provider] = c
	}
	return c
}

// Register pre-creates a Closed circuit for provider if one doesn't
// already exist, so it appears in Snapshot (and therefore GET /health)
// from server start rather than only after its first dispatch attempt.
// Call once per configured provider name at startup.
func (r *Registry) Register(provider string) {
	r.getOrCreate(provider)
}

// Acquire obtains a permit to call provider, or returns OpenError if the
// circuit rejects the request. Unknown provider names get an entry created
// on the fly, starting Closed — the breaker is opt-in purely by virtue of
// which names ever get dispatched through it.
func (r *Registry) Acquire(provider string) (*Permit, error) {
	c := r.getOrCreate(provider)

	for {
		c.mu.Lock()
		switch c.state {
		case Closed:
			c.mu.Unlock()
			return &Permit{kind: PermitNormal, provider: provider, circuit: c}, nil

		case Open:
			if c.openedAt != nil && time.Since(*c.openedAt) >= OpenDuration {
				c.transitionToHalfOpenLocked()
				c.mu.Unlock()
				continue // re-evaluate as HalfOpen
			}
			trip := c.tripCount
			lastErr := c.lastError
			c.mu.Unlock()
			return nil, &OpenError{Provider: provider, TripCount: trip, LastError: lastErr}

		case HalfOpen:
			if !c.probeInFlight {
				c.probeInFlight = true
				c.mu.Unlock()
				return &Permit{kind: PermitProbe, provider: provider, circuit: c}, nil
			}
			// Queue-and-wait: subscribe to the current probe cycle's channel
			// before releasing the lock, so a fast-resolving probe can't be
			// missed, and so a stale channel from a prior cycle never wakes us.
			waitCh := c.probeDone
			c.mu.Unlock()
			<-waitCh

			c.mu.Lock()
			outcome := c.probeOutcome
			trip := c.tripCount
			lastErr := c.lastError
			c.mu.Unlock()

			if outcome == probeSuccess {
				return &Permit{kind: PermitNormal, provider: provider, circuit: c}, nil
			}
			return nil, &OpenError{Provider: provider, TripCount: trip, LastError: lastErr}

		default:
			c.mu.Unlock()
			return &Permit{kind: PermitNormal, provider: provider, circuit: c}, nil
		}
	}
}

// ProviderSnapshot is the per-provider view used by the health endpoint.
type ProviderSnapshot struct {
	State        State
	FailureCount int
}

// Snapshot returns the current state and failure count for every provider
// name this registry holds an entry for: registered at startup, or first
// looked up through Acquire, Permitted or Reset.
func (r *Registry) Snapshot() map[string]ProviderSnapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.providers))
	circuits := make([]*circuit, 0, len(r.providers))
	for name, c := range r.providers {
		names = append(names, name)
		circuits = append(circuits, c)
	}
	r.mu.Unlock()

	out := make(map[string]ProviderSnapshot, len(names))
	for i, name := range names {
		state, failures := circuits[i].snapshot()
		out[name] = ProviderSnapshot{State: state, FailureCount: failures}
	}
	return out
}

// Permitted reports whether provider is currently eligible for a dispatch
// attempt, without consuming a HalfOpen probe slot: Closed and HalfOpen are
// eligible, Open is eligible only once OpenDuration has elapsed since it
// tripped. Used by the handler to filter candidates before the retry
// controller ever sees them, so an Open circuit is never handed to Acquire
// as an attempt to retry -- it's simply not a candidate.
func (r *Registry) Permitted(provider string) bool {
	c := r.getOrCreate(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return true
	}
	return c.openedAt != nil && time.Since(*c.openedAt) >= OpenDuration
}

// Reset forces a provider's circuit back to Closed with zeroed counters.
// Exposed for tests and operational diagnostics.
func (r *Registry) Reset(provider string) {
	c := r.getOrCreate(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closed
	c.consecutiveFailures = 0
	c.openedAt = nil
	c.probeInFlight = false
}
