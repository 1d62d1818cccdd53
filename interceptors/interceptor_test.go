package interceptors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, d *messaging.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func testDelivery(tag uint64, routingKey string) *messaging.Delivery {
	return &messaging.Delivery{
		DeliveryInfo: messaging.DeliveryInfo{
			ConsumerTag: "ctag-test",
			DeliveryTag: tag,
			RoutingKey:  routingKey,
		},
		Properties: contracts.Properties{
			MessageID:   "msg-1",
			ContentType: "application/json",
			Headers:     contracts.Table{"tenant": "acme", "attempt": 2},
		},
		Body: []byte(`{"id":1}`),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInterceptorChain(t *testing.T) {
	t.Run("empty chain calls final handler", func(t *testing.T) {
		handler := &mockHandler{}
		d := testDelivery(1, "orders")
		handler.On("Handle", mock.Anything, d).Return(nil)

		chain := NewInterceptorChain(nil)
		err := chain.Execute(context.Background(), d, handler.Handle)

		assert.NoError(t, err)
		assert.Zero(t, chain.Len())
		handler.AssertExpectations(t)
	})

	t.Run("interceptors run in order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
				order = append(order, name+":before")
				err := next(ctx, d)
				order = append(order, name+":after")
				return err
			})
		}

		chain := NewInterceptorChain(quietLogger()).Add(record("first")).Add(record("second"))
		handler := chain.Then(func(ctx context.Context, d *messaging.Delivery) error {
			order = append(order, "handler")
			return nil
		})

		require.NoError(t, handler(context.Background(), testDelivery(1, "orders")))
		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
	})

	t.Run("errors propagate", func(t *testing.T) {
		handler := &mockHandler{}
		d := testDelivery(1, "orders")
		handler.On("Handle", mock.Anything, d).Return(assert.AnError)

		chain := NewInterceptorChain(quietLogger()).Add(NewLoggingInterceptor(quietLogger()))
		err := chain.Execute(context.Background(), d, handler.Handle)

		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("interceptor can stop the chain", func(t *testing.T) {
		handler := &mockHandler{}
		stop := NewInterceptorFunc("stop", func(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
			return nil
		})

		err := NewInterceptorChain(quietLogger()).Add(stop).Execute(context.Background(), testDelivery(1, "orders"), handler.Handle)

		assert.NoError(t, err)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		assert.Equal(t, "stop", stop.Name())
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	interceptor := NewLoggingInterceptor(logger)

	d := testDelivery(7, "orders")
	err := interceptor.Intercept(context.Background(), d, func(ctx context.Context, d *messaging.Delivery) error {
		return errors.New("boom")
	})

	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "handling delivery")
	assert.Contains(t, buf.String(), "delivery handling failed")
	assert.Contains(t, buf.String(), "deliveryTag=7")
	assert.Equal(t, "LoggingInterceptor", interceptor.Name())
}

func TestTimeoutInterceptor(t *testing.T) {
	interceptor := NewTimeoutInterceptor(20 * time.Millisecond)

	t.Run("deadline reaches the handler", func(t *testing.T) {
		err := interceptor.Intercept(context.Background(), testDelivery(3, "orders"), func(ctx context.Context, d *messaging.Delivery) error {
			<-ctx.Done()
			return ctx.Err()
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "delivery 3 timed out")
	})

	t.Run("fast handler is untouched", func(t *testing.T) {
		err := interceptor.Intercept(context.Background(), testDelivery(4, "orders"), func(ctx context.Context, d *messaging.Delivery) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestValidationInterceptor(t *testing.T) {
	validator := DeliveryValidatorFunc(func(ctx context.Context, d *messaging.Delivery) error {
		if len(d.Body) == 0 {
			return errors.New("empty body")
		}
		return nil
	})
	interceptor := NewValidationInterceptor(validator)

	handler := &mockHandler{}
	valid := testDelivery(1, "orders")
	handler.On("Handle", mock.Anything, valid).Return(nil)

	assert.NoError(t, interceptor.Intercept(context.Background(), valid, handler.Handle))

	empty := testDelivery(2, "orders")
	empty.Body = nil
	err := interceptor.Intercept(context.Background(), empty, handler.Handle)
	assert.ErrorContains(t, err, "empty body")

	handler.AssertNumberOfCalls(t, "Handle", 1)
}

func TestRetryInterceptor(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		handler := &mockHandler{}
		d := testDelivery(1, "orders")
		handler.On("Handle", mock.Anything, d).Return(assert.AnError).Twice()
		handler.On("Handle", mock.Anything, d).Return(nil).Once()

		interceptor := NewRetryInterceptor(FixedRetry(time.Millisecond, 3)).WithLogger(quietLogger())
		err := interceptor.Intercept(context.Background(), d, handler.Handle)

		assert.NoError(t, err)
		handler.AssertNumberOfCalls(t, "Handle", 3)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		handler := &mockHandler{}
		d := testDelivery(1, "orders")
		handler.On("Handle", mock.Anything, d).Return(assert.AnError)

		interceptor := NewRetryInterceptor(ExponentialRetry(time.Millisecond, 5*time.Millisecond, 2))
		err := interceptor.Intercept(context.Background(), d, handler.Handle)

		assert.ErrorIs(t, err, assert.AnError)
		handler.AssertNumberOfCalls(t, "Handle", 3)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		handler := &mockHandler{}
		d := testDelivery(1, "orders")
		handler.On("Handle", mock.Anything, d).Return(Permanent(assert.AnError))

		interceptor := NewRetryInterceptor(FixedRetry(time.Millisecond, 5))
		err := interceptor.Intercept(context.Background(), d, handler.Handle)

		assert.ErrorIs(t, err, assert.AnError)
		handler.AssertNumberOfCalls(t, "Handle", 1)
		assert.Equal(t, "RetryInterceptor", interceptor.Name())
	})
}

func TestDefaultInterceptorChainBuilder(t *testing.T) {
	chain := NewDefaultInterceptorChainBuilder(quietLogger()).
		WithLogging().
		WithFilter(RoutingKeyFilter("orders"), SkipSilently).
		WithValidation(DeliveryValidatorFunc(func(context.Context, *messaging.Delivery) error { return nil })).
		WithRetry(FixedRetry(time.Millisecond, 1)).
		WithTimeout(time.Second).
		WithCircuitBreaker(CircuitBreakerConfig{Name: "orders"}).
		WithCustom(NewInterceptorFunc("noop", func(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
			return next(ctx, d)
		})).
		Build()

	assert.Equal(t, 7, chain.Len())

	handler := &mockHandler{}
	orders := testDelivery(1, "orders")
	handler.On("Handle", mock.Anything, orders).Return(nil)

	handle := chain.Then(handler.Handle)
	assert.NoError(t, handle(context.Background(), orders))
	assert.NoError(t, handle(context.Background(), testDelivery(2, "invoices")))

	handler.AssertNumberOfCalls(t, "Handle", 1)
}
