package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// fakeEventLookup is a map-backed state.EventLookup for tests that don't
// need a live storage.Database.
type fakeEventLookup struct {
	byNID map[types.EventNID]*types.Event
	byID  map[string]*types.Event
}

func newFakeEventLookup(events ...*types.Event) *fakeEventLookup {
	f := &fakeEventLookup{
		byNID: make(map[types.EventNID]*types.Event, len(events)),
		byID:  make(map[string]*types.Event, len(events)),
	}
	for _, ev := range events {
		f.byNID[ev.EventNID] = ev
		f.byID[ev.EventID] = ev
	}
	return f
}

func (f *fakeEventLookup) Event(nid types.EventNID) (*types.Event, bool) {
	ev, ok := f.byNID[nid]
	return ev, ok
}

func (f *fakeEventLookup) EventByID(eventID string) (*types.Event, bool) {
	ev, ok := f.byID[eventID]
	return ev, ok
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestResolveV1PowerLevelBreaksTie covers spec.md §8 Scenario S2: two forks
// each ban the same user, from senders with different power levels. The
// room-version-1 algorithm must pick the higher-power sender's ban even
// though it has a later origin_server_ts than the lower-power one - a
// regression test for pickByPowerAndRecency once ignoring power entirely.
func TestResolveV1PowerLevelBreaksTie(t *testing.T) {
	t.Parallel()

	createTuple := types.StateKeyTuple{EventTypeNID: types.MRoomCreateNID, EventStateKeyNID: types.EmptyStateKeyNID}
	powerLevelsTuple := types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID}
	carolTuple := types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 99}

	createEvent := &types.Event{
		EventNID: 1, EventID: "$create", Type: types.MRoomCreate, Sender: "@alice:test",
		Content: mustMarshal(t, map[string]string{"creator": "@alice:test"}),
	}
	powerLevelsEvent := &types.Event{
		EventNID: 2, EventID: "$power", Type: types.MRoomPowerLevels, Sender: "@alice:test",
		Content: mustMarshal(t, map[string]interface{}{
			"users": map[string]int{"@alice:test": 100, "@bob:test": 50},
		}),
	}
	// bob's ban is older but from the lower-power sender.
	bobsBan := &types.Event{
		EventNID: 10, EventID: "$ban-bob", Type: types.MRoomMember, Sender: "@bob:test",
		StateKey: strPtr("@carol:test"), OriginServerTS: 100,
		Content: mustMarshal(t, map[string]string{"membership": types.MembershipBan}),
	}
	// alice's ban is newer but from the higher-power sender - this one must win.
	alicesBan := &types.Event{
		EventNID: 11, EventID: "$ban-alice", Type: types.MRoomMember, Sender: "@alice:test",
		StateKey: strPtr("@carol:test"), OriginServerTS: 200,
		Content: mustMarshal(t, map[string]string{"membership": types.MembershipBan}),
	}

	lookup := newFakeEventLookup(createEvent, powerLevelsEvent, bobsBan, alicesBan)
	r := &Resolver{Events: lookup}

	forkA := Map{createTuple: 1, powerLevelsTuple: 2, carolTuple: 10}
	forkB := Map{createTuple: 1, powerLevelsTuple: 2, carolTuple: 11}

	resolved, err := r.ResolveConflicts(spec.RoomVersionV1, []Map{forkA, forkB})
	require.NoError(t, err)
	assert.Equal(t, types.EventNID(11), resolved[carolTuple], "higher-power sender's ban should win despite the later timestamp")
}

// TestResolveV1FallsBackToRecencyOnEqualPower covers the tie-break path:
// when both candidates' senders hold the same power level, the older
// origin_server_ts wins, then the lexicographically smaller sender, then the
// smaller event id.
func TestResolveV1FallsBackToRecencyOnEqualPower(t *testing.T) {
	t.Parallel()

	createTuple := types.StateKeyTuple{EventTypeNID: types.MRoomCreateNID, EventStateKeyNID: types.EmptyStateKeyNID}
	nameTuple := types.StateKeyTuple{EventTypeNID: 5, EventStateKeyNID: types.EmptyStateKeyNID}

	createEvent := &types.Event{
		EventNID: 1, EventID: "$create", Type: types.MRoomCreate, Sender: "@alice:test",
		Content: mustMarshal(t, map[string]string{"creator": "@alice:test"}),
	}
	// No power_levels event yet, so both senders fall back to createEvent's
	// implied defaults: only @alice:test (the creator) has nonzero power, and
	// neither of these events is sent by her, so both score equally at 0.
	olderEvent := &types.Event{
		EventNID: 20, EventID: "$name-a", Type: "m.room.name", Sender: "@bob:test", OriginServerTS: 50,
		Content: mustMarshal(t, map[string]string{"name": "old"}),
	}
	newerEvent := &types.Event{
		EventNID: 21, EventID: "$name-b", Type: "m.room.name", Sender: "@carol:test", OriginServerTS: 60,
		Content: mustMarshal(t, map[string]string{"name": "new"}),
	}

	lookup := newFakeEventLookup(createEvent, olderEvent, newerEvent)
	r := &Resolver{Events: lookup}

	forkA := Map{createTuple: 1, nameTuple: 20}
	forkB := Map{createTuple: 1, nameTuple: 21}

	resolved, err := r.ResolveConflicts(spec.RoomVersionV1, []Map{forkA, forkB})
	require.NoError(t, err)
	assert.Equal(t, types.EventNID(20), resolved[nameTuple], "equal power should fall back to the older origin_server_ts")
}

func strPtr(s string) *string { return &s }
