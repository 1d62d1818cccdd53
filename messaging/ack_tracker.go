package messaging

import (
	"fmt"
	"sort"
	"sync"
)

// Outcome is how a delivery left the pending set
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeNack
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNack:
		return "nack"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// AckTracker records the delivery tags of one channel that still await
// acknowledgement. The pending set is a sorted slice, so a multiple-resolution
// is a prefix cut. Tags of different consumers may arrive out of order.
type AckTracker struct {
	mu      sync.Mutex
	pending []uint64
}

// NewAckTracker creates an empty tracker
func NewAckTracker() *AckTracker {
	return &AckTracker{}
}

// Track adds a delivery tag to the pending set. Zero and tags already
// pending are refused.
func (t *AckTracker) Track(tag uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tag == 0 {
		return fmt.Errorf("%w: tag 0 cannot be tracked", ErrInvalidDeliveryTag)
	}

	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i] >= tag })
	if i < len(t.pending) && t.pending[i] == tag {
		return fmt.Errorf("%w: tag %d is already pending", ErrInvalidDeliveryTag, tag)
	}

	t.pending = append(t.pending, 0)
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = tag
	return nil
}

// Resolve removes tag from the pending set, or every pending tag up to and
// including it when multiple is set. It returns the removed tags in delivery
// order. Resolving a tag that is not pending fails with ErrInvalidDeliveryTag.
func (t *AckTracker) Resolve(tag uint64, multiple bool, outcome Outcome) ([]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.search(tag)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s of tag %d", ErrInvalidDeliveryTag, outcome, tag)
	}

	if multiple {
		resolved := make([]uint64, i+1)
		copy(resolved, t.pending[:i+1])
		t.pending = t.pending[i+1:]
		return resolved, nil
	}

	t.pending = append(t.pending[:i], t.pending[i+1:]...)
	return []uint64{tag}, nil
}

// Contains reports whether tag is pending
func (t *AckTracker) Contains(tag uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.search(tag) >= 0
}

// Pending returns the number of outstanding deliveries
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Snapshot returns the outstanding tags in delivery order
func (t *AckTracker) Snapshot() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint64, len(t.pending))
	copy(out, t.pending)
	return out
}

// Drain empties the pending set and returns what it held. Used when the
// channel closes and the broker requeues everything implicitly.
func (t *AckTracker) Drain() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.pending
	t.pending = nil
	return out
}

func (t *AckTracker) search(tag uint64) int {
	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i] >= tag })
	if i < len(t.pending) && t.pending[i] == tag {
		return i
	}
	return -1
}
