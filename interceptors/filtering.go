package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-amqp/messaging"
)

// ErrFiltered is returned by SkipWithError for deliveries the filter rejects
var ErrFiltered = errors.New("delivery filtered")

// DeliveryFilter defines the interface for delivery filtering
type DeliveryFilter interface {
	// ShouldProcess returns true if the delivery should be handled
	ShouldProcess(ctx context.Context, d *messaging.Delivery) (bool, error)
}

// DeliveryFilterFunc is a function adapter for DeliveryFilter
type DeliveryFilterFunc func(ctx context.Context, d *messaging.Delivery) (bool, error)

// ShouldProcess implements DeliveryFilter
func (f DeliveryFilterFunc) ShouldProcess(ctx context.Context, d *messaging.Delivery) (bool, error) {
	return f(ctx, d)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently returns nil, so auto-ack consumers acknowledge the delivery
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered, handing the delivery to the failure policy
	SkipWithError
	// SkipWithLog logs the skip and returns nil
	SkipWithLog
	// SkipAndAck acknowledges the delivery itself, for manual-ack consumers
	SkipAndAck
)

// FilteringInterceptor filters deliveries based on conditions
type FilteringInterceptor struct {
	filter       DeliveryFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter DeliveryFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, d)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if shouldProcess {
		return next(ctx, d)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("%w: routingKey=%s, deliveryTag=%d", ErrFiltered, d.RoutingKey, d.DeliveryTag)
	case SkipWithLog:
		i.logger.Info("skipping filtered delivery",
			"consumerTag", d.ConsumerTag,
			"deliveryTag", d.DeliveryTag,
			"routingKey", d.RoutingKey,
		)
		return nil
	case SkipAndAck:
		return d.Ack()
	default:
		return nil
	}
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []DeliveryFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...DeliveryFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements DeliveryFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, d *messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, d)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []DeliveryFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...DeliveryFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements DeliveryFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, d *messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, d)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// NotFilter inverts another filter
type NotFilter struct {
	filter DeliveryFilter
}

// NewNotFilter creates a new NOT filter
func NewNotFilter(filter DeliveryFilter) *NotFilter {
	return &NotFilter{filter: filter}
}

// ShouldProcess implements DeliveryFilter
func (f *NotFilter) ShouldProcess(ctx context.Context, d *messaging.Delivery) (bool, error) {
	shouldProcess, err := f.filter.ShouldProcess(ctx, d)
	if err != nil {
		return false, err
	}
	return !shouldProcess, nil
}

// RoutingKeyFilter passes deliveries published with one of the given keys
func RoutingKeyFilter(keys ...string) DeliveryFilter {
	allowed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		allowed[key] = struct{}{}
	}
	return DeliveryFilterFunc(func(ctx context.Context, d *messaging.Delivery) (bool, error) {
		_, ok := allowed[d.RoutingKey]
		return ok, nil
	})
}

// HeaderFilter passes deliveries whose header key equals value
func HeaderFilter(key string, value interface{}) DeliveryFilter {
	return DeliveryFilterFunc(func(ctx context.Context, d *messaging.Delivery) (bool, error) {
		got, ok := d.Properties.Headers[key]
		if !ok {
			return false, nil
		}
		return fmt.Sprint(got) == fmt.Sprint(value), nil
	})
}

// ContentTypeFilter passes deliveries with one of the given content types
func ContentTypeFilter(contentTypes ...string) DeliveryFilter {
	return DeliveryFilterFunc(func(ctx context.Context, d *messaging.Delivery) (bool, error) {
		for _, ct := range contentTypes {
			if d.Properties.ContentType == ct {
				return true, nil
			}
		}
		return false, nil
	})
}

// RedeliveredFilter passes only first-time deliveries when firstOnly is
// set, or only redeliveries otherwise
func RedeliveredFilter(firstOnly bool) DeliveryFilter {
	return DeliveryFilterFunc(func(ctx context.Context, d *messaging.Delivery) (bool, error) {
		return d.Redelivered != firstOnly, nil
	})
}
