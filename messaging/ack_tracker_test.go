package messaging

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackTags(t *testing.T, tracker *AckTracker, tags ...uint64) {
	t.Helper()
	for _, tag := range tags {
		require.NoError(t, tracker.Track(tag))
	}
}

func TestAckTrackerTrack(t *testing.T) {
	t.Run("tracks increasing tags", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 1, 2, 5)

		assert.Equal(t, 3, tracker.Pending())
		assert.Equal(t, []uint64{1, 2, 5}, tracker.Snapshot())
		assert.True(t, tracker.Contains(5))
		assert.False(t, tracker.Contains(3))
	})

	t.Run("keeps tags arriving out of order sorted", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 4, 2, 7, 1)

		assert.Equal(t, []uint64{1, 2, 4, 7}, tracker.Snapshot())

		resolved, err := tracker.Resolve(4, true, OutcomeAck)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 4}, resolved)
		assert.Equal(t, []uint64{7}, tracker.Snapshot())
	})

	t.Run("rejects zero and duplicate tags", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 3)

		assert.True(t, errors.Is(tracker.Track(0), ErrInvalidDeliveryTag))
		assert.True(t, errors.Is(tracker.Track(3), ErrInvalidDeliveryTag))
		require.NoError(t, tracker.Track(2))
		assert.Equal(t, 2, tracker.Pending())
	})
}

func TestAckTrackerResolve(t *testing.T) {
	t.Run("single resolve removes one tag", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 1, 2, 3)

		resolved, err := tracker.Resolve(2, false, OutcomeAck)
		require.NoError(t, err)
		assert.Equal(t, []uint64{2}, resolved)
		assert.Equal(t, []uint64{1, 3}, tracker.Snapshot())
	})

	t.Run("multiple resolve cuts the prefix", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 1, 2, 3, 4)

		resolved, err := tracker.Resolve(3, true, OutcomeNack)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, resolved)
		assert.Equal(t, []uint64{4}, tracker.Snapshot())
	})

	t.Run("multiple resolve skips gaps left by single resolves", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 1, 2, 3, 4)

		_, err := tracker.Resolve(2, false, OutcomeAck)
		require.NoError(t, err)

		resolved, err := tracker.Resolve(3, true, OutcomeAck)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 3}, resolved)
	})

	t.Run("double resolve fails", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 1)

		_, err := tracker.Resolve(1, false, OutcomeAck)
		require.NoError(t, err)

		_, err = tracker.Resolve(1, false, OutcomeAck)
		assert.True(t, errors.Is(err, ErrInvalidDeliveryTag))
	})

	t.Run("multiple resolve of a resolved tag fails", func(t *testing.T) {
		tracker := NewAckTracker()
		trackTags(t, tracker, 1, 2)

		_, err := tracker.Resolve(2, false, OutcomeReject)
		require.NoError(t, err)

		_, err = tracker.Resolve(2, true, OutcomeAck)
		assert.True(t, errors.Is(err, ErrInvalidDeliveryTag))
		assert.Equal(t, 1, tracker.Pending())
	})

	t.Run("unknown tag fails", func(t *testing.T) {
		tracker := NewAckTracker()

		_, err := tracker.Resolve(7, false, OutcomeAck)
		assert.True(t, errors.Is(err, ErrInvalidDeliveryTag))
	})
}

func TestAckTrackerDrain(t *testing.T) {
	tracker := NewAckTracker()
	trackTags(t, tracker, 1, 2, 3)

	assert.Equal(t, []uint64{1, 2, 3}, tracker.Drain())
	assert.Equal(t, 0, tracker.Pending())

	// the sequence continues after a drain
	assert.Error(t, tracker.Track(3))
	assert.NoError(t, tracker.Track(4))
}

func TestAckTrackerConcurrentResolve(t *testing.T) {
	tracker := NewAckTracker()
	for tag := uint64(1); tag <= 200; tag++ {
		require.NoError(t, tracker.Track(tag))
	}

	var wg sync.WaitGroup
	for tag := uint64(1); tag <= 200; tag++ {
		wg.Add(1)
		go func(tag uint64) {
			defer wg.Done()
			_, err := tracker.Resolve(tag, false, OutcomeAck)
			assert.NoError(t, err)
		}(tag)
	}
	wg.Wait()

	assert.Equal(t, 0, tracker.Pending())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", OutcomeAck.String())
	assert.Equal(t, "nack", OutcomeNack.String())
	assert.Equal(t, "reject", OutcomeReject.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
