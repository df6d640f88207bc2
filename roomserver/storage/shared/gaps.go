package shared

import (
	"context"
	"database/sql"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

const insertTimelineGapSQL = `
INSERT INTO roomserver_timeline_gaps (room_nid, sn, event_id) VALUES ($1, $2, $3)
ON CONFLICT (room_nid, event_id) DO NOTHING`

const selectOpenTimelineGapsSQL = `SELECT event_id FROM roomserver_timeline_gaps WHERE room_nid = $1 ORDER BY sn ASC`

const deleteTimelineGapSQL = `DELETE FROM roomserver_timeline_gaps WHERE room_nid = $1 AND event_id = $2`

// gapStatements backs d.gaps: spec.md §4.7's timeline-gap bookkeeping (the
// walker's S3 state, "backfill in progress"), repurposed from the teacher's
// partial-state-room tracking (see DESIGN.md).
type gapStatements struct {
	db *sql.DB

	insertStmt     *sql.Stmt
	selectOpenStmt *sql.Stmt
	deleteStmt     *sql.Stmt
}

func prepareGapStatements(db *sql.DB) (*gapStatements, error) {
	s := &gapStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.insertStmt, SQL: insertTimelineGapSQL},
		{Statement: &s.selectOpenStmt, SQL: selectOpenTimelineGapsSQL},
		{Statement: &s.deleteStmt, SQL: deleteTimelineGapSQL},
	}.Prepare(db)
	return s, err
}

func (s *gapStatements) insert(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, sn int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertStmt).ExecContext(ctx, int64(roomNID), sn, eventID)
	return err
}

func (s *gapStatements) selectOpen(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	rows, err := s.selectOpenStmt.QueryContext(ctx, int64(roomNID))
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

func (s *gapStatements) delete(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStmt).ExecContext(ctx, int64(roomNID), eventID)
	return err
}
