package walker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/internal/gaptracker"
	"github.com/matrixcore/matrixcore/roomserver/internal/input"
	"github.com/matrixcore/matrixcore/roomserver/internal/walker"
	"github.com/matrixcore/matrixcore/roomserver/storage/sqlite3"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// fakeFedAPI embeds the full interface so tests only need to implement the
// one method they exercise; calling anything else panics on a nil method
// value, which is the point — it would mean the walker reached further than
// the test expected.
type fakeFedAPI struct {
	fedapi.FederationInternalAPI
	getMissingEvents func(ctx context.Context, destination spec.ServerName, roomID string, earliest, latest []string, limit int) ([]*types.Event, error)
	tried            []spec.ServerName
}

func (f *fakeFedAPI) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliest, latest []string, limit int) ([]*types.Event, error) {
	f.tried = append(f.tried, destination)
	return f.getMissingEvents(ctx, destination, roomID, earliest, latest, limit)
}

func newTestWalker(t *testing.T, fed fedapi.FederationInternalAPI) (*walker.Walker, *gaptracker.Tracker, string) {
	t.Helper()
	db, err := sqlite3.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	gaps := gaptracker.New()
	return &walker.Walker{
		DB:      db,
		Inputer: &input.Inputer{DB: db, Gaps: gaps, ServerName: "test.example.org"},
		FSAPI:   fed,
		Gaps:    gaps,
	}, gaps, "!room:test.example.org"
}

// TestCloseGap_NoBackwardExtremities_NeverCallsFederation checks that a
// room with no recorded backward extremities is a pure no-op: nothing is
// fetched and no federation round trip happens.
func TestCloseGap_NoBackwardExtremities_NeverCallsFederation(t *testing.T) {
	fed := &fakeFedAPI{getMissingEvents: func(context.Context, spec.ServerName, string, []string, []string, int) ([]*types.Event, error) {
		t.Fatal("GetMissingEvents should not be called when there is no gap")
		return nil, nil
	}}
	w, _, roomID := newTestWalker(t, fed)

	_, err := w.DB.GetOrCreateRoomNID(context.Background(), roomID, spec.RoomVersionV10)
	require.NoError(t, err)

	err = w.CloseGap(context.Background(), roomID, spec.RoomVersionV10, []spec.ServerName{"far.example.org"}, 50)
	require.NoError(t, err)
	assert.Empty(t, fed.tried)
}

// TestCloseGap_TriesDestinationsInPreferredOrder checks that a configured
// PreferServers entry is tried before the room's other candidate servers,
// even when it is listed last in destinations.
func TestCloseGap_TriesDestinationsInPreferredOrder(t *testing.T) {
	fed := &fakeFedAPI{getMissingEvents: func(context.Context, spec.ServerName, string, []string, []string, int) ([]*types.Event, error) {
		return nil, errAllServersFail
	}}
	w, _, roomID := newTestWalker(t, fed)
	w.PreferServers = []spec.ServerName{"preferred.example.org"}

	roomNID, err := w.DB.GetOrCreateRoomNID(context.Background(), roomID, spec.RoomVersionV10)
	require.NoError(t, err)
	require.NoError(t, w.DB.UpdateExtremities(context.Background(), roomNID, types.ExtremitiesDiff{
		AddBackward: []string{"$missing:far.example.org"},
	}))

	err = w.CloseGap(context.Background(), roomID, spec.RoomVersionV10,
		[]spec.ServerName{"a.example.org", "b.example.org", "preferred.example.org"}, 50)
	require.Error(t, err)

	require.NotEmpty(t, fed.tried)
	assert.Equal(t, spec.ServerName("preferred.example.org"), fed.tried[0])
}

var errAllServersFail = errors.New("no server has the requested events")
