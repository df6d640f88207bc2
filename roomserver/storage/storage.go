// Package storage is the top-level handle the room server hands to the
// event pipeline (C6), DAG walker (C7), and query paths: a single Database
// interface implemented identically by the postgres and sqlite3 backends
// via roomserver/storage/shared, so the caller never branches on dialect.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/storage/postgres"
	"github.com/matrixcore/matrixcore/roomserver/storage/shared"
	"github.com/matrixcore/matrixcore/roomserver/storage/sqlite3"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Database is the full C1 Event Store + C2 Sequence Service surface.
// *shared.Database satisfies it; see that package for the implementation.
type Database interface {
	PutEvent(ctx context.Context, ev *types.Event, authEventNIDs []types.EventNID, roomNID types.RoomNID, isOutlier bool) (nid types.EventNID, sn int64, alreadyExisted bool, err error)
	GetEvent(ctx context.Context, eventID string) (*types.Event, error)
	GetEventsBySNRange(ctx context.Context, fromSN, toSN int64, limit int) ([]*types.Event, error)
	EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error)
	EventsFromIDs(ctx context.Context, eventIDs []string) ([]*types.Event, error)
	EdgesOut(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error)
	EdgesIn(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error)
	ForwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]types.EventNID, error)
	BackwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]string, error)
	AuthChain(ctx context.Context, nids []types.EventNID) ([]types.EventNID, error)
	Event(nid types.EventNID) (*types.Event, bool)
	EventByID(eventID string) (*types.Event, bool)

	RoomInfo(ctx context.Context, roomID string) (*types.Room, error)
	RoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.Room, error)
	GetOrCreateRoomNID(ctx context.Context, roomID string, version spec.RoomVersion) (types.RoomNID, error)
	SetRoomState(ctx context.Context, roomNID types.RoomNID, snapshotNID types.StateSnapshotNID) error

	AddState(ctx context.Context, roomNID types.RoomNID, parentBlocks []types.StateBlockNID, entries []types.StateEntry) (types.StateSnapshotNID, error)
	BestStateParent(ctx context.Context, candidates []types.StateSnapshotNID, entries []types.StateEntry) ([]types.StateBlockNID, error)
	SetStateRebaseInterval(n int)
	StateBlockNIDs(ctx context.Context, snapshot types.StateSnapshotNID) ([]types.StateBlockNID, error)
	MaterializeState(ctx context.Context, snapshot types.StateSnapshotNID) (map[types.StateKeyTuple]types.EventNID, error)
	StateEntriesForEventIDs(ctx context.Context, eventIDs []string) ([]types.StateEntry, error)
	SetState(ctx context.Context, eventNID types.EventNID, snapshot types.StateSnapshotNID) error
	StateSnapshotForEvent(ctx context.Context, eventNID types.EventNID) (types.StateSnapshotNID, error)
	ResolveStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error)
	ResolveEventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error)

	UpdateExtremities(ctx context.Context, roomNID types.RoomNID, diff types.ExtremitiesDiff) error
	MarkRedacted(ctx context.Context, targetEventID, redactedBy string, strippedContent []byte) error

	RecordTimelineGap(ctx context.Context, roomNID types.RoomNID, sn int64, eventID string) error
	OpenTimelineGaps(ctx context.Context, roomNID types.RoomNID) ([]string, error)
	CloseTimelineGap(ctx context.Context, roomNID types.RoomNID, eventID string) error

	CheckIdempotent(ctx context.Context, userID, deviceID, roomID, txnID string) (string, bool, error)
	RecordIdempotent(ctx context.Context, userID, deviceID, roomID, txnID, eventID string) error

	ServerKey(ctx context.Context, serverName spec.ServerName, keyID string) ([]byte, int64, bool, error)
	UpsertServerKey(ctx context.Context, serverName spec.ServerName, keyID string, publicKey []byte, validUntilTS int64) error
}

var _ Database = (*shared.Database)(nil)

// Open dispatches on connectionString's scheme: "file:" or "file::memory:"
// selects SQLite, "postgres://" or "postgresql://" selects Postgres, and
// any other string is an error.
func Open(connectionString string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (Database, error) {
	if strings.HasPrefix(connectionString, "file:") {
		return sqlite3.Open(connectionString)
	}
	if strings.HasPrefix(connectionString, "postgres://") || strings.HasPrefix(connectionString, "postgresql://") {
		return postgres.Open(connectionString, maxOpenConns, maxIdleConns, connMaxLifetime)
	}
	return nil, fmt.Errorf("storage.Open: unrecognised connection string scheme: %q", connectionString)
}
