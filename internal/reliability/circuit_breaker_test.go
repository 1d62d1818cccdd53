package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	from, to State
}

func newTestBreaker(t *testing.T, options ...CircuitBreakerOption) (*CircuitBreaker, *fakeClock, *[]transition) {
	t.Helper()

	var transitions []transition
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	options = append([]CircuitBreakerOption{
		WithName("test"),
		WithStateChange(func(name string, from, to State, reason string) {
			assert.Equal(t, "test", name)
			assert.NotEmpty(t, reason)
			transitions = append(transitions, transition{from, to})
		}),
	}, options...)

	cb := NewCircuitBreaker(options...)
	cb.now = clock.Now
	return cb, clock, &transitions
}

func fail(ctx context.Context, cb *CircuitBreaker) error {
	return cb.Execute(ctx, func() error { return errors.New("downstream failed") })
}

func succeed(ctx context.Context, cb *CircuitBreaker) error {
	return cb.Execute(ctx, func() error { return nil })
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens at the failure threshold", func(t *testing.T) {
		cb, _, transitions := newTestBreaker(t, WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			assert.EqualError(t, fail(ctx, cb), "downstream failed")
		}
		assert.Equal(t, StateOpen, cb.State())

		calls := 0
		err := cb.Execute(ctx, func() error { calls++; return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Zero(t, calls)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, 3, cbErr.Failures)
		assert.Equal(t, []transition{{StateClosed, StateOpen}}, *transitions)
	})

	t.Run("success resets consecutive failures", func(t *testing.T) {
		cb, _, _ := newTestBreaker(t, WithFailureThreshold(2))

		fail(ctx, cb)
		require.NoError(t, succeed(ctx, cb))
		fail(ctx, cb)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open closes after enough successes", func(t *testing.T) {
		cb, clock, transitions := newTestBreaker(t,
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithOpenTimeout(time.Second),
		)

		fail(ctx, cb)
		clock.Advance(500 * time.Millisecond)
		assert.ErrorIs(t, succeed(ctx, cb), ErrCircuitOpen)

		clock.Advance(600 * time.Millisecond)
		require.NoError(t, succeed(ctx, cb))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, succeed(ctx, cb))
		assert.Equal(t, StateClosed, cb.State())

		assert.Equal(t, []transition{
			{StateClosed, StateOpen},
			{StateOpen, StateHalfOpen},
			{StateHalfOpen, StateClosed},
		}, *transitions)
	})

	t.Run("failure in half-open reopens", func(t *testing.T) {
		cb, clock, _ := newTestBreaker(t, WithFailureThreshold(1), WithOpenTimeout(time.Second))

		fail(ctx, cb)
		clock.Advance(2 * time.Second)
		fail(ctx, cb)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, succeed(ctx, cb), ErrCircuitOpen)
	})

	t.Run("half-open limits trial calls", func(t *testing.T) {
		cb, clock, _ := newTestBreaker(t, WithFailureThreshold(1), WithOpenTimeout(time.Second), WithHalfOpenRequests(1))

		fail(ctx, cb)
		clock.Advance(2 * time.Second)

		release := make(chan struct{})
		done := make(chan error)
		go func() {
			done <- cb.Execute(ctx, func() error { <-release; return nil })
		}()

		require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, time.Millisecond)
		assert.ErrorIs(t, succeed(ctx, cb), ErrCircuitOpen)

		close(release)
		assert.NoError(t, <-done)
	})

	t.Run("context errors are not failures", func(t *testing.T) {
		cb, _, _ := newTestBreaker(t, WithFailureThreshold(1))

		err := cb.Execute(ctx, func() error { return context.DeadlineExceeded })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateClosed, cb.State())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, succeed(cancelled, cb), context.Canceled)
	})

	t.Run("reset closes", func(t *testing.T) {
		cb, _, transitions := newTestBreaker(t, WithFailureThreshold(1))

		fail(ctx, cb)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, succeed(ctx, cb))
		assert.Equal(t, []transition{{StateClosed, StateOpen}, {StateOpen, StateClosed}}, *transitions)
	})
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker()

	assert.Equal(t, "default", cb.Name())
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 3, cb.successThreshold)
	assert.Equal(t, 30*time.Second, cb.openTimeout)
	assert.Equal(t, 1, cb.halfOpenRequests)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
