// Package circuitbreaker guards flaky collaborators such as notifiers and
// platform controllers.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe slot is taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings for circuit breaker behavior
type Settings struct {
	// MaxRequests: concurrent probes allowed in half-open state
	MaxRequests uint32
	// Timeout: how long to stay open before probing
	Timeout time.Duration
	// FailureThreshold: consecutive failures that open the circuit
	FailureThreshold uint32
	// SuccessThreshold: consecutive half-open successes that close it
	SuccessThreshold uint32
	// OnStateChange is called synchronously under no lock.
	OnStateChange func(name string, from State, to State)
}

// DefaultSettings suits local dispatch channels: trip fast, retry after 30s.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      1,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker is a closed/open/half-open state machine around calls to
// one collaborator.
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	expiry      time.Time
	inflight    uint32
	consecFail  uint32
	consecSucc  uint32
	lastFailure error
}

// New creates a breaker named after the collaborator it guards.
func New(name string, settings Settings) *CircuitBreaker {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = def.Timeout
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = def.MaxRequests
	}
	return &CircuitBreaker{name: name, settings: settings, now: time.Now}
}

// Name returns the guarded collaborator's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open. A cancelled ctx is not
// counted as a collaborator failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err, ctx.Err() != nil && errors.Is(err, ctx.Err()))
	return err
}

// State returns the current state, moving open to half-open once the
// timeout has passed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// LastFailure returns the most recent error counted against the breaker.
func (cb *CircuitBreaker) LastFailure() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.consecFail, cb.consecSucc, cb.inflight = StateClosed, 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) current() State {
	if cb.state == StateOpen && !cb.now().Before(cb.expiry) {
		cb.state, cb.consecSucc, cb.inflight = StateHalfOpen, 0, 0
	}
	return cb.state
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.current() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.inflight >= cb.settings.MaxRequests {
			return ErrTooManyRequests
		}
		cb.inflight++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error, cancelled bool) {
	cb.mu.Lock()
	from := cb.current()
	if from == StateHalfOpen && cb.inflight > 0 {
		cb.inflight--
	}
	to := from
	switch {
	case cancelled:
	case err == nil:
		cb.consecFail = 0
		cb.consecSucc++
		if from == StateHalfOpen && cb.consecSucc >= cb.settings.SuccessThreshold {
			to = StateClosed
		}
	default:
		cb.consecSucc = 0
		cb.consecFail++
		cb.lastFailure = err
		if from == StateHalfOpen || cb.consecFail >= cb.settings.FailureThreshold {
			to = StateOpen
			cb.expiry = cb.now().Add(cb.settings.Timeout)
		}
	}
	if to != from {
		cb.state = to
		if to == StateClosed {
			cb.consecFail, cb.consecSucc = 0, 0
		}
	}
	cb.mu.Unlock()
	if to != from {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}
