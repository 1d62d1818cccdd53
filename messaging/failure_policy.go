package messaging

// FailureAction determines what happens to a delivery whose handler failed
type FailureAction int

const (
	FailureNackRequeue FailureAction = iota // Nack and requeue for redelivery
	FailureNackDiscard                      // Nack without requeue (dead-letter or drop)
	FailureAck                              // Acknowledge and discard
	FailureCancel                           // Nack with requeue and cancel the consumer
)

func (a FailureAction) String() string {
	switch a {
	case FailureNackRequeue:
		return "nack-requeue"
	case FailureNackDiscard:
		return "nack-discard"
	case FailureAck:
		return "ack"
	case FailureCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// FailurePolicy decides the fate of a delivery after its handler returned an
// error or panicked. err is always a *HandlerError. The policy only applies
// while the delivery is still pending: a handler that acked before failing
// has already settled it.
type FailurePolicy func(d *Delivery, err error) FailureAction

// RequeueOnFailure nacks failed deliveries with requeue. This is the default.
func RequeueOnFailure() FailurePolicy {
	return func(*Delivery, error) FailureAction { return FailureNackRequeue }
}

// DiscardOnFailure nacks failed deliveries without requeue
func DiscardOnFailure() FailurePolicy {
	return func(*Delivery, error) FailureAction { return FailureNackDiscard }
}

// AckOnFailure acknowledges failed deliveries anyway
func AckOnFailure() FailurePolicy {
	return func(*Delivery, error) FailureAction { return FailureAck }
}

// CancelOnFailure requeues the failed delivery and cancels its consumer; a
// Subscribe waiting for cancellation returns the handler error.
func CancelOnFailure() FailurePolicy {
	return func(*Delivery, error) FailureAction { return FailureCancel }
}

// RequeueUnlessRedelivered requeues a delivery the first time it fails and
// discards it when it fails again after redelivery
func RequeueUnlessRedelivered() FailurePolicy {
	return func(d *Delivery, _ error) FailureAction {
		if d.Redelivered {
			return FailureNackDiscard
		}
		return FailureNackRequeue
	}
}
