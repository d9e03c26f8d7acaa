// Package circuitbreaker isolates failing audit sinks. Each sink name has
// its own circuit; a sink that keeps failing is skipped for an open window
// that doubles on every consecutive trip, up to a ceiling.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key is not accepting calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are skipped
	StateHalfOpen              // one trial call in flight
)

// String returns the state name.
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

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sendguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

var cbRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sendguard",
	Subsystem: "circuitbreaker",
	Name:      "rejected_total",
	Help:      "Calls skipped because the circuit was open.",
}, []string{"key"})

func init() {
	prometheus.MustRegister(cbStateTransitions, cbRejected)
}

// KeyState is a point-in-time view of one circuit.
type KeyState struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Trips     int       `json:"trips"`
	Rejected  int64     `json:"rejected"`
	OpenUntil time.Time `json:"openUntil,omitempty"`
}

type entry struct {
	state     State
	failures  int
	trips     int // consecutive trips without a successful trial
	rejected  int64
	openUntil time.Time
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	maxOpen      time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a circuit breaker that opens after threshold consecutive
// failures. The first open window is openDuration; each re-trip from
// half-open doubles it, capped at 16x.
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
		maxOpen:      16 * openDuration,
		now:          time.Now,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithMaxOpen caps the open window growth.
func (b *Breaker) WithMaxOpen(d time.Duration) *Breaker {
	if d >= b.openDuration {
		b.maxOpen = d
	}
	return b
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// window has elapsed moves to half-open and admits a single trial call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if !b.now().Before(e.openUntil) {
			b.transition(e, key, StateHalfOpen)
			return true
		}
	case StateHalfOpen:
	default:
		return true
	}
	e.rejected++
	cbRejected.WithLabelValues(key).Inc()
	return false
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
	e.trips = 0
}

// RecordFailure counts a failure. A failed trial reopens the circuit with
// a longer window; a closed circuit trips once failures reach threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		b.trip(e, key)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.trip(e, key)
	}
}

// Do runs fn if the circuit for key allows it and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Snapshot returns every tracked circuit sorted by key.
func (b *Breaker) Snapshot() []KeyState {
	b.mu.Lock()
	out := make([]KeyState, 0, len(b.entries))
	for key, e := range b.entries {
		ks := KeyState{
			Key:      key,
			State:    e.state.String(),
			Failures: e.failures,
			Trips:    e.trips,
			Rejected: e.rejected,
		}
		if e.state == StateOpen {
			ks.OpenUntil = e.openUntil
		}
		out = append(out, ks)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// trip opens the circuit. Caller must hold b.mu.
func (b *Breaker) trip(e *entry, key string) {
	window := b.openDuration << e.trips
	if window > b.maxOpen || window <= 0 {
		window = b.maxOpen
	}
	e.trips++
	e.openUntil = b.now().Add(window)
	b.transition(e, key, StateOpen)
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
