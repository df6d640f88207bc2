package input

import (
	"context"
	"fmt"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// InputBackfillEvents feeds a batch of historically-fetched events (the DAG
// walker's output) through the same hard-auth/state-calculation path
// SubmitLocal and SubmitRemoteTransaction use, but as KindOld: committed
// events are stored and published on the old-room-event stream without
// moving the room's forward extremities or live current-state pointer
// (spec.md §4.7's backfill closing a gap). Events are processed oldest
// (lowest depth) first so each one's prev_events are already resolvable by
// the time it is reached. A prev_event that is still missing is recorded by
// PutEvent as a backward extremity; no outlier is inserted for it.
func (r *Inputer) InputBackfillEvents(ctx context.Context, roomVersion spec.RoomVersion, events []*types.Event) error {
	ordered := make([]*types.Event, len(events))
	copy(ordered, events)
	sortByDepth(ordered)

	var firstErr error
	for _, ev := range ordered {
		_, err := r.runOnRoomActor(ev.RoomID, func() (string, error) {
			return r.processRoomEvent(ctx, &api.InputRoomEvent{
				Kind:         api.KindOld,
				Event:        ev,
				RoomVersion:  roomVersion,
				AuthEventIDs: ev.AuthEvents,
			})
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("backfill %s: %w", ev.EventID, err)
		}
	}
	return firstErr
}

func sortByDepth(events []*types.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Depth < events[j-1].Depth; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
