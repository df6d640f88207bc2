package caching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

func newTestCaches(t *testing.T) *Caches {
	t.Helper()
	c, err := NewRistrettoCaches(Config{MaxEntries: 1000, MaxCost: 1000})
	require.NoError(t, err)
	return c
}

func TestRoomVersionRoundTrip(t *testing.T) {
	c := newTestCaches(t)
	_, ok := c.GetRoomVersion("!abc:example.com")
	assert.False(t, ok)

	c.StoreRoomVersion("!abc:example.com", spec.RoomVersionV10)
	c.Wait()
	got, ok := c.GetRoomVersion("!abc:example.com")
	require.True(t, ok)
	assert.Equal(t, spec.RoomVersionV10, got)
}

func TestRoomVersionImmutableConflictPanics(t *testing.T) {
	c := newTestCaches(t)
	c.StoreRoomVersion("!abc:example.com", spec.RoomVersionV10)
	c.Wait()

	assert.Panics(t, func() {
		c.StoreRoomVersion("!abc:example.com", spec.RoomVersionV9)
	})

	// Storing the same value again must not panic: it isn't a conflict.
	assert.NotPanics(t, func() {
		c.StoreRoomVersion("!abc:example.com", spec.RoomVersionV10)
	})
}

func TestRoomNIDBidirectional(t *testing.T) {
	c := newTestCaches(t)
	c.StoreRoomNID("!abc:example.com", types.RoomNID(42))
	c.Wait()

	nid, ok := c.GetRoomNID("!abc:example.com")
	require.True(t, ok)
	assert.Equal(t, types.RoomNID(42), nid)

	id, ok := c.GetRoomID(types.RoomNID(42))
	require.True(t, ok)
	assert.Equal(t, "!abc:example.com", id)
}

func TestEventTypeAndStateKeyInterning(t *testing.T) {
	c := newTestCaches(t)
	c.StoreEventTypeNID(types.MRoomMember, types.MRoomMemberNID)
	c.Wait()
	nid, ok := c.GetEventTypeNID(types.MRoomMember)
	require.True(t, ok)
	assert.Equal(t, types.MRoomMemberNID, nid)

	name, ok := c.GetEventType(types.MRoomMemberNID)
	require.True(t, ok)
	assert.Equal(t, types.MRoomMember, name)

	c.StoreStateKeyNID("@alice:example.com", types.EventStateKeyNID(7))
	c.Wait()
	skNID, ok := c.GetStateKeyNID("@alice:example.com")
	require.True(t, ok)
	assert.Equal(t, types.EventStateKeyNID(7), skNID)
}

func TestEventCacheByNIDAndID(t *testing.T) {
	c := newTestCaches(t)
	ev := &types.Event{EventNID: 99, EventID: "$xyz"}
	c.StoreEvent(ev)
	c.Wait()

	got, ok := c.GetEvent(99)
	require.True(t, ok)
	assert.Same(t, ev, got)

	nid, ok := c.GetEventNID("$xyz")
	require.True(t, ok)
	assert.Equal(t, types.EventNID(99), nid)
}

func TestAuthChainMemoization(t *testing.T) {
	c := newTestCaches(t)
	key := types.AuthChainCacheKey([]types.EventNID{3, 1, 2})
	assert.Equal(t, "1,2,3", key)

	_, ok := c.GetAuthChain(key)
	assert.False(t, ok)

	c.StoreAuthChain(key, []types.EventNID{1, 2, 3})
	c.Wait()
	chain, ok := c.GetAuthChain(key)
	require.True(t, ok)
	assert.Equal(t, []types.EventNID{1, 2, 3}, chain)
}

func TestRoomInfoInvalidation(t *testing.T) {
	c := newTestCaches(t)
	info := &types.Room{RoomNID: 5, RoomID: "!abc:example.com"}
	c.StoreRoomInfo(info)
	c.Wait()

	got, ok := c.GetRoomInfo(5)
	require.True(t, ok)
	assert.Equal(t, info, got)

	c.InvalidateRoomInfo(5)
	c.Wait()
	_, ok = c.GetRoomInfo(5)
	assert.False(t, ok)
}

func TestServerKeyCacheKeyedByServerAndKeyID(t *testing.T) {
	c := newTestCaches(t)
	c.StoreServerKey("example.com", "ed25519:1", ServerKeyResult{KeyID: "ed25519:1", PublicKey: []byte("abc"), ValidUntilTS: 100})
	c.Wait()

	result, ok := c.GetServerKey("example.com", "ed25519:1")
	require.True(t, ok)
	assert.Equal(t, int64(100), result.ValidUntilTS)

	_, ok = c.GetServerKey("example.com", "ed25519:2")
	assert.False(t, ok)
}
