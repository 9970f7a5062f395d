// Package circuitbreaker guards calls to remote dependencies (the risk
// oracle) with a per-target closed/open/half-open breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fraudstream",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by target, from-state, and to-state.",
}, []string{"target", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a target open after threshold consecutive failures. After
// openDuration the target moves to half-open and admits a single probe.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Execute runs fn if target's circuit admits it and records the outcome.
func (b *Breaker) Execute(target string, fn func() error) error {
	if !b.Allow(target) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(target)
		return err
	}
	b.RecordSuccess(target)
	return nil
}

// Allow reports whether a call to target may proceed.
func (b *Breaker) Allow(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[target]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, target, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[target]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, target, StateClosed)
	}
	e.failures = 0
}

func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[target]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[target] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, target, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, target, StateOpen)
	}
}

// State returns target's current state; unknown targets are closed.
func (b *Breaker) State(target string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[target]; ok {
		return e.state
	}
	return StateClosed
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, target string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(target, from.String(), to.String()).Inc()
}
