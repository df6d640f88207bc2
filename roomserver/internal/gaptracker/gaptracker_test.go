package gaptracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/roomserver/internal/gaptracker"
)

func TestAwaitClosed_WakesOnNotify(t *testing.T) {
	tr := gaptracker.New()
	roomID := "!room:example.org"

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitClosed(context.Background(), roomID)
	}()

	require.Eventually(t, func() bool {
		return tr.HasObservers(roomID)
	}, time.Second, time.Millisecond)

	tr.NotifyClosed(roomID)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitClosed did not return after NotifyClosed")
	}
	assert.False(t, tr.HasObservers(roomID))
}

func TestAwaitClosed_ContextCancelled(t *testing.T) {
	tr := gaptracker.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.AwaitClosed(ctx, "!room:example.org") }()

	require.Eventually(t, func() bool {
		return tr.PendingRoomCount() == 1
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("AwaitClosed did not return after context cancellation")
	}
	assert.Equal(t, 0, tr.PendingRoomCount())
}

func TestNotifyClosed_NoObserversIsNoop(t *testing.T) {
	tr := gaptracker.New()
	tr.NotifyClosed("!empty:example.org")
	assert.Equal(t, 0, tr.PendingRoomCount())
}

func TestAwaitClosedWithTimeout_ExpiresWithoutNotify(t *testing.T) {
	tr := gaptracker.New()
	err := tr.AwaitClosedWithTimeout(context.Background(), "!stuck:example.org", 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
