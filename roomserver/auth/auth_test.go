package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

func contentOf(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func stateKey(s string) *string { return &s }

func createEvent(t *testing.T, sender string) *types.Event {
	return &types.Event{
		EventID:  "$create",
		Type:     types.MRoomCreate,
		Sender:   sender,
		StateKey: stateKey(""),
		Content:  contentOf(t, map[string]string{"creator": sender, "room_version": "10"}),
	}
}

func memberEvent(t *testing.T, id, sender, target, membership string, prevEvents []string) *types.Event {
	return &types.Event{
		EventID:    id,
		Type:       types.MRoomMember,
		Sender:     sender,
		StateKey:   stateKey(target),
		Content:    contentOf(t, map[string]string{"membership": membership}),
		PrevEvents: prevEvents,
	}
}

func TestCreateEventRequiresEmptyStateKeyAndNoPrevEvents(t *testing.T) {
	ev := createEvent(t, "@alice:example.com")
	result := Allowed(ev, MapStateProvider{}, spec.RoomVersionV10)
	assert.True(t, result.Allowed)

	withStateKey := createEvent(t, "@alice:example.com")
	withStateKey.StateKey = stateKey("not-empty")
	assert.False(t, Allowed(withStateKey, MapStateProvider{}, spec.RoomVersionV10).Allowed)

	withPrevEvents := createEvent(t, "@alice:example.com")
	withPrevEvents.PrevEvents = []string{"$earlier"}
	assert.False(t, Allowed(withPrevEvents, MapStateProvider{}, spec.RoomVersionV10).Allowed)
}

func TestCreatorCanJoinOwnRoomAsFirstEvent(t *testing.T) {
	create := createEvent(t, "@alice:example.com")
	join := memberEvent(t, "$join", "@alice:example.com", "@alice:example.com", types.MembershipJoin, []string{"$create"})

	state := MapStateProvider{
		types.StateKeyTuple{}: create,
	}
	result := Allowed(join, state, spec.RoomVersionV10)
	assert.True(t, result.Allowed, result.Reason)
}

func TestCannotJoinOnBehalfOfAnotherUser(t *testing.T) {
	create := createEvent(t, "@alice:example.com")
	join := memberEvent(t, "$join2", "@alice:example.com", "@bob:example.com", types.MembershipJoin, []string{"$join"})
	aliceJoin := memberEvent(t, "$join", "@alice:example.com", "@alice:example.com", types.MembershipJoin, []string{"$create"})

	state := MapStateProvider{
		types.StateKeyTuple{EventTypeNID: types.MRoomCreateNID}:                                create,
		types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 2}: aliceJoin,
	}
	result := Allowed(join, state, spec.RoomVersionV10)
	assert.False(t, result.Allowed)
}

func TestBannedUserCannotJoinPublicRoom(t *testing.T) {
	create := createEvent(t, "@alice:example.com")
	aliceJoin := memberEvent(t, "$join", "@alice:example.com", "@alice:example.com", types.MembershipJoin, []string{"$create"})
	joinRules := &types.Event{
		EventID: "$jr", Type: types.MRoomJoinRules, Sender: "@alice:example.com", StateKey: stateKey(""),
		Content: contentOf(t, map[string]string{"join_rule": "public"}),
	}
	banEvent := memberEvent(t, "$ban", "@alice:example.com", "@bob:example.com", types.MembershipBan, []string{"$jr"})
	bobJoin := memberEvent(t, "$bobjoin", "@bob:example.com", "@bob:example.com", types.MembershipJoin, []string{"$ban"})

	state := MapStateProvider{
		types.StateKeyTuple{EventTypeNID: 1}: create,
		types.StateKeyTuple{EventTypeNID: 2}: aliceJoin,
		types.StateKeyTuple{EventTypeNID: 3}: joinRules,
		types.StateKeyTuple{EventTypeNID: 4}: banEvent,
	}
	result := Allowed(bobJoin, state, spec.RoomVersionV10)
	assert.False(t, result.Allowed)
}

func TestPowerLevelsRejectsGrantingAboveSendersOwnLevel(t *testing.T) {
	create := createEvent(t, "@alice:example.com")
	aliceJoin := memberEvent(t, "$join", "@alice:example.com", "@alice:example.com", types.MembershipJoin, []string{"$create"})
	currentPL := &types.Event{
		EventID: "$pl", Type: types.MRoomPowerLevels, Sender: "@alice:example.com", StateKey: stateKey(""),
		Content: contentOf(t, map[string]interface{}{"users": map[string]int{"@alice:example.com": 50}}),
	}
	bobJoin := memberEvent(t, "$bobjoin", "@bob:example.com", "@bob:example.com", types.MembershipJoin, []string{"$pl"})

	newPL := &types.Event{
		EventID: "$pl2", Type: types.MRoomPowerLevels, Sender: "@alice:example.com", StateKey: stateKey(""),
		Content: contentOf(t, map[string]interface{}{"users": map[string]int{"@alice:example.com": 50, "@bob:example.com": 100}}),
	}

	state := MapStateProvider{
		types.StateKeyTuple{EventTypeNID: 1}: create,
		types.StateKeyTuple{EventTypeNID: 2}: aliceJoin,
		types.StateKeyTuple{EventTypeNID: 3}: bobJoin,
		types.StateKeyTuple{EventTypeNID: 4}: currentPL,
	}
	result := Allowed(newPL, state, spec.RoomVersionV10)
	assert.False(t, result.Allowed)
}

func TestAuthIsPureAcrossRepeatedInvocations(t *testing.T) {
	create := createEvent(t, "@alice:example.com")
	join := memberEvent(t, "$join", "@alice:example.com", "@alice:example.com", types.MembershipJoin, []string{"$create"})
	state := MapStateProvider{types.StateKeyTuple{}: create}

	first := Allowed(join, state, spec.RoomVersionV10)
	for i := 0; i < 10; i++ {
		next := Allowed(join, state, spec.RoomVersionV10)
		assert.Equal(t, first, next)
	}
}
