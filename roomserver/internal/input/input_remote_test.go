package input_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/internal/notifier"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// TestSubmitRemoteTransaction_RejectsBadContentHash checks that a PDU whose
// content hash doesn't match its content is rejected at the verification
// gate before it ever reaches auth or state calculation.
func TestSubmitRemoteTransaction_RejectsBadContentHash(t *testing.T) {
	r, db, roomID := newTestInputer(t)
	alice := "@alice:test.example.org"
	_, err := db.GetOrCreateRoomNID(context.Background(), roomID, spec.RoomVersionV10)
	require.NoError(t, err)

	ev := &types.Event{
		RoomID:         roomID,
		RoomVersion:    spec.RoomVersionV10,
		Type:           types.MRoomCreate,
		Sender:         alice,
		StateKey:       strPtr(""),
		Content:        createContent(t, alice),
		OriginServerTS: time.Now().UnixMilli(),
		EventID:        "$bogus:test.example.org",
		Hashes:         map[string]string{"sha256": "not-a-real-hash"},
	}

	results, err := r.SubmitRemoteTransaction(context.Background(), "test.example.org", []*types.Event{ev}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Error, "a forged content hash must be rejected, not silently accepted")
}

// TestSync_ReturnsImmediatelyWithoutNotifier checks that Sync degrades to
// an immediate no-op response rather than blocking forever when no
// notifier is wired (e.g. a query-only deployment).
func TestSync_ReturnsImmediatelyWithoutNotifier(t *testing.T) {
	r, _, roomID := newTestInputer(t)
	resp, err := r.Sync(context.Background(), &api.SyncRequest{
		SinceSN: 5,
		Filter:  api.SyncFilter{RoomIDs: []string{roomID}, Timeout: 30000},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.NextSN)
}

// TestSync_WakesOnPublish checks that a Sync call blocked on a room with no
// new events returns as soon as the notifier publishes one for that room,
// rather than waiting out the full timeout.
func TestSync_WakesOnPublish(t *testing.T) {
	r, _, roomID := newTestInputer(t)
	r.Notifier = notifier.New(nil)

	done := make(chan *api.SyncResponse, 1)
	go func() {
		resp, err := r.Sync(context.Background(), &api.SyncRequest{
			SinceSN: 0,
			Filter:  api.SyncFilter{RoomIDs: []string{roomID}, Timeout: 5000},
		})
		require.NoError(t, err)
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	r.Notifier.Publish(roomID, 1, &api.OutputEvent{})

	select {
	case resp := <-done:
		assert.GreaterOrEqual(t, resp.NextSN, int64(0))
	case <-time.After(4 * time.Second):
		t.Fatal("Sync did not wake up after notifier.Publish")
	}
}

// TestCurrentState_UnknownRoomRejectsHistoricalLookup checks that asking
// for a room's state at a historical sn is rejected with an
// ErrInvariantViolation api.Error, even for a room with no recorded state.
func TestCurrentState_UnknownRoomRejectsHistoricalLookup(t *testing.T) {
	r, _, roomID := newTestInputer(t)
	sn := int64(10)
	_, err := r.CurrentState(context.Background(), roomID, &sn)
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.ErrInvariantViolation, apiErr.Kind)
}
