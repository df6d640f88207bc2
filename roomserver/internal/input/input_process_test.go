package input_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/internal/input"
	"github.com/matrixcore/matrixcore/roomserver/state"
	"github.com/matrixcore/matrixcore/roomserver/storage"
	"github.com/matrixcore/matrixcore/roomserver/storage/sqlite3"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// dbAuthChains adapts storage.Database's context-taking AuthChain to
// state.AuthChainProvider the same way roomserver/internal's production
// wiring does, so these tests exercise the real resolver path.
type dbAuthChains struct{ db storage.Database }

func (d dbAuthChains) AuthChain(nids []types.EventNID) ([]types.EventNID, error) {
	return d.db.AuthChain(context.Background(), nids) // test-only, AuthChain ignores ctx internally
}

func newTestInputer(t *testing.T) (*input.Inputer, storage.Database, string) {
	t.Helper()
	db, err := sqlite3.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	return &input.Inputer{
		DB:         db,
		Resolver:   &state.Resolver{Events: db, AuthChains: dbAuthChains{db}},
		ServerName: "test.example.org",
	}, db, "!room:test.example.org"
}

func createContent(t *testing.T, creator string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"creator":      creator,
		"room_version": string(spec.RoomVersionV10),
	})
	require.NoError(t, err)
	return b
}

func memberContent(t *testing.T, membership string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"membership": membership})
	require.NoError(t, err)
	return b
}

func messageContent(t *testing.T, body string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"msgtype": "m.text", "body": body})
	require.NoError(t, err)
	return b
}

// TestSubmitLocal_CreateAndJoin walks a brand new room through its create
// event and the creator's own join, which SubmitLocal must let through
// without any auth_events yet on record (auth.checkCreate takes no state,
// and isFirstJoinByCreator special-cases the creator's own join).
func TestSubmitLocal_CreateAndJoin(t *testing.T) {
	r, db, roomID := newTestInputer(t)
	alice := "@alice:test.example.org"

	_, err := db.GetOrCreateRoomNID(context.Background(), roomID, spec.RoomVersionV10)
	require.NoError(t, err)

	createEventID, err := r.SubmitLocal(context.Background(), roomID, alice, types.MRoomCreate, strPtr(""), createContent(t, alice), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, createEventID)

	joinEventID, err := r.SubmitLocal(context.Background(), roomID, alice, types.MRoomMember, strPtr(alice), memberContent(t, types.MembershipJoin), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, joinEventID)

	roomInfo, err := db.RoomInfo(context.Background(), roomID)
	require.NoError(t, err)
	require.NotNil(t, roomInfo)
	assert.NotEqual(t, types.RoomNID(0), roomInfo.RoomNID)
	assert.NotEqual(t, types.StateSnapshotNID(0), roomInfo.StateSnapshotNID)
}

// TestSubmitLocal_RejectsUnjoinedSender checks that a message from a sender
// with no m.room.member join in current state is hard/soft-failed rather
// than stored as a live event.
func TestSubmitLocal_RejectsUnjoinedSender(t *testing.T) {
	r, db, roomID := newTestInputer(t)
	alice := "@alice:test.example.org"
	mallory := "@mallory:evil.example.org"

	_, err := db.GetOrCreateRoomNID(context.Background(), roomID, spec.RoomVersionV10)
	require.NoError(t, err)
	_, err = r.SubmitLocal(context.Background(), roomID, alice, types.MRoomCreate, strPtr(""), createContent(t, alice), nil)
	require.NoError(t, err)
	_, err = r.SubmitLocal(context.Background(), roomID, alice, types.MRoomMember, strPtr(alice), memberContent(t, types.MembershipJoin), nil)
	require.NoError(t, err)

	_, err = r.SubmitLocal(context.Background(), roomID, mallory, "m.room.message", nil, messageContent(t, "hi"), nil)
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
}

// TestSubmitLocal_Idempotent checks that resubmitting the same transaction
// id for the same (sender, device, room) returns the original event id
// rather than creating a second event (spec.md's idempotency guarantee).
func TestSubmitLocal_Idempotent(t *testing.T) {
	r, db, roomID := newTestInputer(t)
	alice := "@alice:test.example.org"

	_, err := db.GetOrCreateRoomNID(context.Background(), roomID, spec.RoomVersionV10)
	require.NoError(t, err)
	_, err = r.SubmitLocal(context.Background(), roomID, alice, types.MRoomCreate, strPtr(""), createContent(t, alice), nil)
	require.NoError(t, err)
	_, err = r.SubmitLocal(context.Background(), roomID, alice, types.MRoomMember, strPtr(alice), memberContent(t, types.MembershipJoin), nil)
	require.NoError(t, err)

	txn := &api.TransactionID{TransactionID: "txn1", SessionID: 42}
	first, err := r.SubmitLocal(context.Background(), roomID, alice, "m.room.message", nil, messageContent(t, "hi"), txn)
	require.NoError(t, err)

	second, err := r.SubmitLocal(context.Background(), roomID, alice, "m.room.message", nil, messageContent(t, "hi again, ignored"), txn)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func strPtr(s string) *string { return &s }
