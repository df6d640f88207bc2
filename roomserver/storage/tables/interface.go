// Package tables declares per-concern persistence interfaces for the event
// store (C1). No package in this module implements or consumes them:
// roomserver/storage/shared runs its queries through its own unexported
// statement types against a *sql.DB shared by both backends.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Events is the `events`+`event_datas` pair from spec.md §6.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID *types.EventStateKeyNID, eventID string, sender string, depth int64, originServerTS int64, isOutlier bool) (types.EventNID, bool, error)
	SelectEvent(ctx context.Context, eventID string) (*types.Event, error)
	SelectEventsByNIDs(ctx context.Context, nids []types.EventNID) ([]*types.Event, error)
	SelectEventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error)
	SelectEventsBySNRange(ctx context.Context, fromSN, toSN int64, limit int) ([]*types.Event, error)
	UpdateEventJSON(ctx context.Context, txn *sql.Tx, nid types.EventNID, eventJSON []byte) error
	SelectEventJSON(ctx context.Context, nid types.EventNID) ([]byte, error)
	UpdateEventFlags(ctx context.Context, txn *sql.Tx, nid types.EventNID, isRejected, softFailed bool, rejectionReason string) error
	UpdateEventState(ctx context.Context, txn *sql.Tx, nid types.EventNID, stateSnapshotNID types.StateSnapshotNID) error
	UpdateEventSN(ctx context.Context, txn *sql.Tx, nid types.EventNID, sn, streamOrdering int64) error
	MarkEventRedacted(ctx context.Context, txn *sql.Tx, nid types.EventNID, redactedBy string) error
}

// EventTypes interns `event_type` strings (spec.md §3 "state field").
type EventTypes interface {
	InsertOrSelectEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
}

// EventStateKeys interns `state_key` strings.
type EventStateKeys interface {
	InsertOrSelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error)
}

// EventEdges is `event_edges`: the prev_events DAG linkage (spec.md §6,
// latest normative schema per §9's open question resolution).
type EventEdges interface {
	InsertEdge(ctx context.Context, txn *sql.Tx, eventNID, prevEventNID types.EventNID) error
	SelectEdgesOut(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error)
	SelectEdgesIn(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error)
}

// EventAuth stores each event's declared auth_events edges, distinct from
// prev_events so replay (auth §4.4) and chain indexing (§4.7) don't need to
// disambiguate edge kind.
type EventAuth interface {
	InsertAuthEdge(ctx context.Context, txn *sql.Tx, eventNID, authEventNID types.EventNID) error
	SelectAuthEventNIDs(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error)
}

// EventAuthChains is `event_auth_chains`.
type EventAuthChains interface {
	SelectAuthChain(ctx context.Context, cacheKey string) ([]types.EventNID, bool, error)
	InsertAuthChain(ctx context.Context, cacheKey string, chain []types.EventNID) error
}

// Rooms is `rooms`.
type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, version spec.RoomVersion) (types.RoomNID, error)
	SelectRoomInfo(ctx context.Context, roomID string) (*types.Room, error)
	SelectRoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.Room, error)
	UpdateRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateSnapshotNID types.StateSnapshotNID) error
	UpdateRoomMinDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, depth int64) error
}

// Extremities is `event_forward_extremities` + `event_backward_extremities`.
type Extremities interface {
	SelectForwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]types.EventNID, error)
	SelectBackwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]string, error)
	UpdateExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, diff types.ExtremitiesDiff, addForwardNIDs []types.EventNID) error
}

// StateSnapshots is `room_state_frames` (+ the block-chain that backs its
// deltas, modelled as `room_state_deltas` per spec.md §3).
type StateSnapshots interface {
	InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, blockNIDs []types.StateBlockNID, contentHash string) (types.StateSnapshotNID, bool, error)
	SelectStateBlockNIDs(ctx context.Context, snapshotNID types.StateSnapshotNID) ([]types.StateBlockNID, error)
	InsertStateBlock(ctx context.Context, txn *sql.Tx, entries []types.StateEntry, contentHash string) (types.StateBlockNID, bool, error)
	SelectStateBlockEntries(ctx context.Context, blockNIDs []types.StateBlockNID) ([]types.StateEntryList, error)
}

// TimelineGaps is `timeline_gaps`.
type TimelineGaps interface {
	InsertTimelineGap(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, sn int64, eventID string) error
	SelectOpenTimelineGaps(ctx context.Context, roomNID types.RoomNID) ([]string, error)
	DeleteTimelineGap(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
}

// Idempotents is `event_idempotents`.
type Idempotents interface {
	SelectIdempotentEventID(ctx context.Context, userID, deviceID, roomID, txnID string) (string, bool, error)
	InsertIdempotent(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, txnID, eventID string) error
}

// ServerSigningKeys persists C3's server-key cache so verification survives
// restarts without a full refetch.
type ServerSigningKeys interface {
	SelectServerKey(ctx context.Context, serverName spec.ServerName, keyID string) ([]byte, int64, bool, error)
	UpsertServerKey(ctx context.Context, serverName spec.ServerName, keyID string, publicKey []byte, validUntilTS int64) error
}
