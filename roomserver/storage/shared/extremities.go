package shared

import (
	"context"
	"database/sql"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

const insertForwardExtremitySQL = `
INSERT INTO roomserver_forward_extremities (room_nid, event_nid) VALUES ($1, $2) ON CONFLICT DO NOTHING`
const deleteForwardExtremitySQL = `DELETE FROM roomserver_forward_extremities WHERE room_nid = $1 AND event_nid = $2`
const selectForwardExtremitiesSQL = `SELECT event_nid FROM roomserver_forward_extremities WHERE room_nid = $1`

const insertBackwardExtremitySQL = `
INSERT INTO roomserver_backward_extremities (room_nid, event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
const deleteBackwardExtremitySQL = `DELETE FROM roomserver_backward_extremities WHERE room_nid = $1 AND event_id = $2`
const selectBackwardExtremitiesSQL = `SELECT event_id FROM roomserver_backward_extremities WHERE room_nid = $1`

const deleteForwardExtremityByEventIDSQL = `
DELETE FROM roomserver_forward_extremities
WHERE room_nid = $1 AND event_nid = (SELECT event_nid FROM roomserver_events WHERE event_id = $2)`

// extremityStatements backs d.extremities: the room's forward and backward
// DAG frontier (spec.md §4.7 "Extremity maintenance"). Forward extremities
// are stored by NID since every forward extremity is, by definition, a
// locally-persisted event; backward extremities are stored by string id
// since they name events the server has not fetched yet.
type extremityStatements struct {
	db *sql.DB

	insertForwardStmt  *sql.Stmt
	deleteForwardStmt  *sql.Stmt
	selectForwardStmt  *sql.Stmt
	insertBackwardStmt *sql.Stmt
	deleteBackwardStmt *sql.Stmt
	selectBackwardStmt *sql.Stmt

	deleteForwardByEventIDStmt *sql.Stmt
}

func prepareExtremityStatements(db *sql.DB) (*extremityStatements, error) {
	s := &extremityStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.insertForwardStmt, SQL: insertForwardExtremitySQL},
		{Statement: &s.deleteForwardStmt, SQL: deleteForwardExtremitySQL},
		{Statement: &s.selectForwardStmt, SQL: selectForwardExtremitiesSQL},
		{Statement: &s.insertBackwardStmt, SQL: insertBackwardExtremitySQL},
		{Statement: &s.deleteBackwardStmt, SQL: deleteBackwardExtremitySQL},
		{Statement: &s.selectBackwardStmt, SQL: selectBackwardExtremitiesSQL},
		{Statement: &s.deleteForwardByEventIDStmt, SQL: deleteForwardExtremityByEventIDSQL},
	}.Prepare(db)
	return s, err
}

// update applies diff to roomNID's extremity sets. addForwardNIDs gives the
// already-resolved NIDs for diff.AddForward (in the same order); prevNIDs
// are the resolved NIDs of the event's prev_events, which stop being
// forward extremities themselves now that something builds on top of them.
func (s *extremityStatements) update(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, diff types.ExtremitiesDiff, addForwardNIDs, prevNIDs []types.EventNID) error {
	for _, nid := range addForwardNIDs {
		if _, err := sqlutil.TxStmt(txn, s.insertForwardStmt).ExecContext(ctx, int64(roomNID), int64(nid)); err != nil {
			return err
		}
	}
	for _, nid := range prevNIDs {
		if _, err := sqlutil.TxStmt(txn, s.deleteForwardStmt).ExecContext(ctx, int64(roomNID), int64(nid)); err != nil {
			return err
		}
	}
	for _, id := range diff.AddBackward {
		if _, err := sqlutil.TxStmt(txn, s.insertBackwardStmt).ExecContext(ctx, int64(roomNID), id); err != nil {
			return err
		}
	}
	for _, id := range diff.RemoveBackward {
		if _, err := sqlutil.TxStmt(txn, s.deleteBackwardStmt).ExecContext(ctx, int64(roomNID), id); err != nil {
			return err
		}
	}
	for _, id := range diff.RemoveForward {
		if _, err := sqlutil.TxStmt(txn, s.deleteForwardByEventIDStmt).ExecContext(ctx, int64(roomNID), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *extremityStatements) selectForward(ctx context.Context, roomNID types.RoomNID) ([]types.EventNID, error) {
	rows, err := s.selectForwardStmt.QueryContext(ctx, int64(roomNID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventNIDs(rows)
}

func (s *extremityStatements) selectBackward(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	rows, err := s.selectBackwardStmt.QueryContext(ctx, int64(roomNID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
