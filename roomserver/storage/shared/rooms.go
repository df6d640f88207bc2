package shared

import (
	"context"
	"database/sql"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

const insertRoomSQL = `
INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)
ON CONFLICT (room_id) DO NOTHING`

const selectRoomNIDByIDSQL = `SELECT room_nid FROM roomserver_rooms WHERE room_id = $1`

const selectRoomInfoSQL = `
SELECT room_nid, room_id, room_version, state_snapshot_nid, min_depth, is_public, disabled, has_auth_chain_index
FROM roomserver_rooms WHERE room_id = $1`

const selectRoomInfoByNIDSQL = `
SELECT room_nid, room_id, room_version, state_snapshot_nid, min_depth, is_public, disabled, has_auth_chain_index
FROM roomserver_rooms WHERE room_nid = $1`

const updateRoomStateSQL = `UPDATE roomserver_rooms SET state_snapshot_nid = $2 WHERE room_nid = $1`
const updateRoomMinDepthSQL = `UPDATE roomserver_rooms SET min_depth = $2 WHERE room_nid = $1 AND min_depth > $2`
const incrementStreamOrderingSQL = `UPDATE roomserver_rooms SET last_stream_ordering = last_stream_ordering + 1 WHERE room_nid = $1 RETURNING last_stream_ordering`

type roomStatements struct {
	db *sql.DB

	insertRoomStmt               *sql.Stmt
	selectRoomNIDByIDStmt        *sql.Stmt
	selectRoomInfoStmt           *sql.Stmt
	selectRoomInfoByNIDStmt      *sql.Stmt
	updateRoomStateStmt          *sql.Stmt
	updateRoomMinDepthStmt       *sql.Stmt
	incrementStreamOrderingStmt  *sql.Stmt
}

func prepareRoomStatements(db *sql.DB) (*roomStatements, error) {
	s := &roomStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.insertRoomStmt, SQL: insertRoomSQL},
		{Statement: &s.selectRoomNIDByIDStmt, SQL: selectRoomNIDByIDSQL},
		{Statement: &s.selectRoomInfoStmt, SQL: selectRoomInfoSQL},
		{Statement: &s.selectRoomInfoByNIDStmt, SQL: selectRoomInfoByNIDSQL},
		{Statement: &s.updateRoomStateStmt, SQL: updateRoomStateSQL},
		{Statement: &s.updateRoomMinDepthStmt, SQL: updateRoomMinDepthSQL},
		{Statement: &s.incrementStreamOrderingStmt, SQL: incrementStreamOrderingSQL},
	}.Prepare(db)
	return s, err
}

func (s *roomStatements) insertOrSelectRoom(ctx context.Context, txn *sql.Tx, roomID string, version spec.RoomVersion) (types.RoomNID, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx, roomID, string(version)); err != nil {
		return 0, err
	}
	var nid int64
	if err := sqlutil.TxStmt(txn, s.selectRoomNIDByIDStmt).QueryRowContext(ctx, roomID).Scan(&nid); err != nil {
		return 0, err
	}
	return types.RoomNID(nid), nil
}

func (s *roomStatements) selectRoomInfo(ctx context.Context, roomID string) (*types.Room, error) {
	return scanRoom(s.selectRoomInfoStmt.QueryRowContext(ctx, roomID))
}

func (s *roomStatements) selectRoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.Room, error) {
	return scanRoom(s.selectRoomInfoByNIDStmt.QueryRowContext(ctx, int64(roomNID)))
}

func scanRoom(row *sql.Row) (*types.Room, error) {
	var (
		roomNID, snapshotNID, minDepth int64
		roomID, version                string
		isPublic, disabled, hasChain   bool
	)
	err := row.Scan(&roomNID, &roomID, &version, &snapshotNID, &minDepth, &isPublic, &disabled, &hasChain)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.Room{
		RoomNID:           types.RoomNID(roomNID),
		RoomID:            roomID,
		Version:           spec.RoomVersion(version),
		StateSnapshotNID:  types.StateSnapshotNID(snapshotNID),
		MinDepth:          minDepth,
		IsPublic:          isPublic,
		Disabled:          disabled,
		HasAuthChainIndex: hasChain,
	}, nil
}

func (s *roomStatements) updateRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, snapshot types.StateSnapshotNID) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomStateStmt).ExecContext(ctx, int64(roomNID), int64(snapshot))
	return err
}

func (s *roomStatements) updateRoomMinDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, depth int64) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomMinDepthStmt).ExecContext(ctx, int64(roomNID), depth)
	return err
}

// incrementStreamOrdering hands out the room's next per-room monotonic
// stream_ordering value inside the caller's transaction (spec.md §4.2).
func (s *roomStatements) incrementStreamOrdering(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (int64, error) {
	var v int64
	err := sqlutil.TxStmt(txn, s.incrementStreamOrderingStmt).QueryRowContext(ctx, int64(roomNID)).Scan(&v)
	return v, err
}
