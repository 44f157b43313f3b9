package dbstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeldVersions_MinAcrossOverlappingHolders(t *testing.T) {
	h := NewHeldVersions()
	_, ok := h.Min()
	assert.False(t, ok)

	h.Acquire(5)
	h.Acquire(3)
	h.Acquire(3)

	min, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(3), min)

	h.Release(3)
	min, ok = h.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(3), min) // still held once more

	h.Release(3)
	min, ok = h.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(5), min)

	h.Release(5)
	_, ok = h.Min()
	assert.False(t, ok)
}

func TestHeldVersions_ReleaseNotifiesChanged(t *testing.T) {
	h := NewHeldVersions()
	h.Acquire(1)
	h.Release(1)

	select {
	case <-h.Changed():
	case <-time.After(time.Second):
		t.Fatal("expected a notification on release")
	}
}

func TestCommitVerArrivals_CoalescesToLatest(t *testing.T) {
	c := NewCommitVerArrivals()
	c.Announce(3)
	c.Announce(1) // stale, must not regress Latest
	c.Announce(7)

	assert.Equal(t, uint64(7), c.Latest())

	select {
	case <-c.Arrived():
	default:
		t.Fatal("expected a pending arrival signal")
	}
}

func TestTermination_SignalIsIdempotent(t *testing.T) {
	term := NewTermination()
	term.Signal()
	term.Signal() // must not panic on double-close

	select {
	case <-term.Done():
	default:
		t.Fatal("expected Done() to be closed")
	}
}
