package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/roomserver/types"
)

// TestNextPowerLevelsAncestorResolvesByID is a regression test for the bug
// where nextPowerLevelsAncestor walked sequential NIDs (for nid := 1; ;
// nid++) instead of resolving an event's declared auth_events. NIDs here
// are deliberately sparse (42, 301) with gaps where a deleted/rolled-back
// event's NID would have been, simulating a non-dense NID space.
func TestNextPowerLevelsAncestorResolvesByID(t *testing.T) {
	t.Parallel()

	powerLevels := &types.Event{
		EventNID: 42, EventID: "$power-levels", Type: types.MRoomPowerLevels,
	}
	// ev's auth_events lists an id the lookup doesn't know about (simulating
	// a gap) before the id that does resolve, to confirm the walk doesn't
	// stop early on the miss.
	ev := &types.Event{
		EventNID: 301, EventID: "$child",
		AuthEvents: []string{"$unknown-gap", "$power-levels", "$create"},
	}

	lookup := newFakeEventLookup(powerLevels, ev)
	r := &Resolver{Events: lookup}

	nid, found := nextPowerLevelsAncestor(r, ev)
	require.True(t, found)
	assert.Equal(t, types.EventNID(42), nid)
}

// TestNextPowerLevelsAncestorNoneFound confirms a miss returns false rather
// than looping forever or panicking when no auth_events resolve to a
// power_levels event.
func TestNextPowerLevelsAncestorNoneFound(t *testing.T) {
	t.Parallel()

	createEvent := &types.Event{EventNID: 1, EventID: "$create", Type: types.MRoomCreate}
	ev := &types.Event{EventNID: 2, EventID: "$child", AuthEvents: []string{"$create", "$missing"}}

	lookup := newFakeEventLookup(createEvent, ev)
	r := &Resolver{Events: lookup}

	_, found := nextPowerLevelsAncestor(r, ev)
	assert.False(t, found)
}

// TestBuildMainlineWalksGappedAncestry builds a mainline three power-levels
// events deep, each pointing at the previous one via auth_events, with
// intentionally non-sequential NIDs (1000, 7, 500) so the old
// sequential-NID-guessing implementation would have stopped after a single
// hop (or produced the wrong order).
func TestBuildMainlineWalksGappedAncestry(t *testing.T) {
	t.Parallel()

	root := &types.Event{EventNID: 7, EventID: "$pl-root", Type: types.MRoomPowerLevels}
	middle := &types.Event{EventNID: 500, EventID: "$pl-middle", Type: types.MRoomPowerLevels, AuthEvents: []string{"$pl-root"}}
	tip := &types.Event{EventNID: 1000, EventID: "$pl-tip", Type: types.MRoomPowerLevels, AuthEvents: []string{"$pl-middle"}}

	lookup := newFakeEventLookup(root, middle, tip)
	r := &Resolver{Events: lookup}

	resolved := Map{
		types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID}: 1000,
	}

	mainline := r.buildMainline(resolved)
	assert.Equal(t, []string{"$pl-tip", "$pl-middle", "$pl-root"}, mainline)
}
