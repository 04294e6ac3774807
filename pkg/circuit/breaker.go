// Package circuit implements the Circuit Breaker (spec §4.E): a per-named
// failure-isolation state machine protecting downstream inference calls.
// State transitions and counting are delegated to sony/gobreaker; this
// package layers on the exact default thresholds, the CircuitOpen error
// shape with retry_after, and the force_open/reset administrative
// operations the spec requires but gobreaker doesn't expose directly.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Defaults per spec §4.E.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 30 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// State mirrors gobreaker's three-state machine under spec naming.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open or the
// half-open probe budget is exhausted. RetryAfter is derived from
// open_timeout - elapsed, per spec §4.E.
type ErrCircuitOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %q open, retry_after=%s", e.Name, e.RetryAfter)
}

// Metrics is the observable snapshot returned by Status.
type Metrics struct {
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
}

// Status is the full observable state of one circuit.
type Status struct {
	Name    string
	State   State
	Metrics Metrics
}

// Settings configures a Breaker's thresholds; the zero value resolves to
// spec defaults.
type Settings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	if s.HalfOpenMaxCalls == 0 {
		s.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return s
}

// Breaker is a single named circuit. Construct one per downstream
// dependency and hold it for the process lifetime (spec §3: CircuitState
// lives for process lifetime, created lazily on first reference).
type Breaker struct {
	name     string
	settings Settings
	cb       *gobreaker.CircuitBreaker

	mu                sync.Mutex
	lastStateChange   time.Time
	forcedOpen        bool
	halfOpenSuccesses uint32
}

// New builds a Breaker named name with the given settings (zero value for
// spec defaults).
func New(name string, settings Settings) *Breaker {
	settings = settings.withDefaults()
	b := &Breaker{
		name:            name,
		settings:        settings,
		lastStateChange: time.Now(),
	}
	b.cb = gobreaker.NewCircuitBreaker(b.gobreakerSettings())
	return b
}

// gobreakerSettings builds the gobreaker.Settings for b's current
// name/settings. MaxRequests caps the number of half-open probe calls
// (half_open_max_calls); it does NOT gate the Closed transition — that is
// success_threshold, tracked independently via halfOpenSuccesses in
// Execute, since gobreaker itself only knows how to close on
// ConsecutiveSuccesses reaching MaxRequests.
func (b *Breaker) gobreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.settings.HalfOpenMaxCalls,
		Interval:    0, // never reset Closed-state counts on a timer; only on success/failure per spec
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.lastStateChange = time.Now()
			b.halfOpenSuccesses = 0
			b.mu.Unlock()
		},
	}
}

// NewDefault builds a Breaker with spec default thresholds.
func NewDefault(name string) *Breaker {
	return New(name, Settings{})
}

var errForcedOpen = errors.New("circuit forced open")

// Execute wraps f, threading its success/failure through the state
// machine. Returns ErrCircuitOpen without calling f if the circuit is
// open or half-open probes are exhausted.
func (b *Breaker) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	b.mu.Lock()
	forced := b.forcedOpen
	b.mu.Unlock()
	if forced {
		return b.openError()
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, f(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return b.openError()
	}

	// success_threshold is distinct from half_open_max_calls (spec §4.E):
	// a successful half-open probe counts toward closing the circuit as
	// soon as SuccessThreshold consecutive successes are observed, even
	// though HalfOpenMaxCalls (gobreaker's MaxRequests) may allow more
	// probes than that before gobreaker would close it on its own.
	if err == nil && fromGobreaker(b.cb.State()) == StateHalfOpen {
		b.recordHalfOpenSuccess()
	}
	return err
}

// recordHalfOpenSuccess increments the half-open consecutive-success
// counter and, once it reaches SuccessThreshold, closes the circuit
// immediately rather than waiting for gobreaker's own MaxRequests-based
// close.
func (b *Breaker) recordHalfOpenSuccess() {
	b.mu.Lock()
	b.halfOpenSuccesses++
	reached := b.halfOpenSuccesses >= b.settings.SuccessThreshold
	b.mu.Unlock()
	if reached {
		b.closeFromHalfOpen()
	}
}

// closeFromHalfOpen forces the underlying machine back to a fresh Closed
// state. Rebuilding the gobreaker.CircuitBreaker is the only way to force
// a state transition it doesn't already believe is due.
func (b *Breaker) closeFromHalfOpen() {
	b.mu.Lock()
	b.halfOpenSuccesses = 0
	b.lastStateChange = time.Now()
	b.mu.Unlock()
	b.cb = gobreaker.NewCircuitBreaker(b.gobreakerSettings())
}

func (b *Breaker) openError() *ErrCircuitOpen {
	b.mu.Lock()
	elapsed := time.Since(b.lastStateChange)
	b.mu.Unlock()
	retryAfter := b.settings.OpenTimeout - elapsed
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &ErrCircuitOpen{Name: b.name, RetryAfter: retryAfter}
}

// Status returns an observable snapshot of the circuit.
func (b *Breaker) Status() Status {
	counts := b.cb.Counts()
	state := fromGobreaker(b.cb.State())
	b.mu.Lock()
	if b.forcedOpen {
		state = StateOpen
	}
	b.mu.Unlock()
	return Status{
		Name:  b.name,
		State: state,
		Metrics: Metrics{
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
		},
	}
}

// ForceOpen administratively trips the circuit regardless of counts.
// Execute will reject every call with ErrCircuitOpen until Reset.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.forcedOpen = true
	b.lastStateChange = time.Now()
	b.mu.Unlock()
}

// Reset clears any forced-open override and returns the underlying
// machine to Closed with zeroed counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.forcedOpen = false
	b.lastStateChange = time.Now()
	b.halfOpenSuccesses = 0
	b.mu.Unlock()

	b.cb = gobreaker.NewCircuitBreaker(b.gobreakerSettings())
}

// Registry holds named breakers, lazily created on first reference
// (spec §3: CircuitState "created lazily on first reference").
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
}

// NewRegistry builds a registry applying settings to every circuit it
// lazily creates.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the named circuit, creating it on first reference.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.settings)
		r.breakers[name] = b
	}
	return b
}

// All returns a status snapshot for every circuit the registry has seen.
func (r *Registry) All() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	return out
}
