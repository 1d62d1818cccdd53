package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen matches every *CircuitBreakerError under errors.Is
var ErrCircuitOpen = errors.New("reliability: circuit breaker is open")

// State represents the circuit breaker state
type State int

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

// CircuitBreakerError is returned instead of running fn while the breaker
// refuses calls
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s after %d failures, retry at %s",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339Nano))
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// StateChangeFunc is called after every state transition
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker opens after FailureThreshold consecutive failures, stays
// open for OpenTimeout, then lets HalfOpenRequests trial calls through.
// SuccessThreshold successes in half-open close it again; one failure
// reopens it.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	inFlight        int
	lastFailureTime time.Time

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the half-open successes that close the breaker
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the breaker stays open
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent trial calls in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a transition callback. It runs synchronously,
// outside the breaker lock.
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 1,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the breaker refuses it, and records the outcome.
// Context errors returned by fn are not counted as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed, "reset")
	}
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.openTimeout)
		if cb.now().Before(nextRetry) {
			err := cb.refusal(nextRetry)
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.inFlight = 1
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen, "open timeout expired")
		return nil

	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenRequests {
			err := cb.refusal(cb.now().Add(cb.openTimeout / 10))
			cb.mu.Unlock()
			return err
		}
		cb.inFlight++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) refusal(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		NextRetry: nextRetry,
	}
}

func (cb *CircuitBreaker) record(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cb.mu.Lock()
		if cb.state == StateHalfOpen && cb.inFlight > 0 {
			cb.inFlight--
		}
		cb.mu.Unlock()
		return
	}

	cb.mu.Lock()
	from := cb.state
	reason := ""

	if err != nil {
		cb.failures++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				reason = fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold)
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.inFlight = 0
			reason = "failure in half-open state"
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			cb.inFlight--
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.inFlight = 0
				reason = fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold)
			}
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to, reason)
	}
}

func (cb *CircuitBreaker) notify(from, to State, reason string) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to, reason)
	}
}
