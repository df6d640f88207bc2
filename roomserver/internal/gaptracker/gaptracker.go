// Copyright 2024 The matrixcore Authors.

// Package gaptracker lets callers block until the DAG walker (C7) has
// closed a room's open timeline gap, without polling storage. It is kept
// separate from roomserver/internal so both that package and
// roomserver/internal/walker can depend on it without importing each other.
package gaptracker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAwaitTimeout bounds how long a caller will block waiting for a
// timeline gap to close before giving up and falling back to the stale
// state it already has (spec.md §4.7 state S3 "backfill in progress").
const DefaultAwaitTimeout = 5 * time.Minute

// Tracker is the in-memory half of the gap lifecycle; roomserver/storage
// persists the durable side (OpenTimelineGaps/CloseTimelineGap) so a
// restart doesn't lose track of which rooms still have one open.
type Tracker struct {
	observers map[string][]chan struct{} // room id -> waiters
	mu        sync.Mutex
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		observers: make(map[string][]chan struct{}),
	}
}

// AwaitClosed blocks until roomID's open timeline gap closes or ctx is
// cancelled. If the room has no registered waiters pending a close, this
// still blocks — callers are expected to check storage for an open gap
// before calling this, to avoid missing a close that already happened.
func (t *Tracker) AwaitClosed(ctx context.Context, roomID string) error {
	ch := make(chan struct{})

	t.mu.Lock()
	t.observers[roomID] = append(t.observers[roomID], ch)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		observers := t.observers[roomID]
		for i, observer := range observers {
			if observer == ch {
				t.observers[roomID] = append(observers[:i], observers[i+1:]...)
				break
			}
		}
		if len(t.observers[roomID]) == 0 {
			delete(t.observers, roomID)
		}
	}()

	logrus.WithField("room_id", roomID).Debug("awaiting timeline gap close")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		logrus.WithField("room_id", roomID).Debug("timeline gap closed")
		return nil
	}
}

// AwaitClosedWithTimeout is AwaitClosed bounded by timeout.
func (t *Tracker) AwaitClosedWithTimeout(ctx context.Context, roomID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.AwaitClosed(ctx, roomID)
}

// NotifyClosed wakes every caller currently blocked in AwaitClosed for
// roomID. The walker calls this right after CloseTimelineGap succeeds.
func (t *Tracker) NotifyClosed(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	observers, ok := t.observers[roomID]
	if !ok || len(observers) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"room_id":        roomID,
		"observer_count": len(observers),
	}).Debug("notifying waiters that timeline gap closed")

	for _, ch := range observers {
		close(ch)
	}
	delete(t.observers, roomID)
}

// PendingRoomCount returns the number of rooms with at least one waiter.
func (t *Tracker) PendingRoomCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// HasObservers reports whether anything is waiting on roomID's gap closing.
func (t *Tracker) HasObservers(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers[roomID]) > 0
}
