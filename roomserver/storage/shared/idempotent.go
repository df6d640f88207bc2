package shared

import (
	"context"
	"database/sql"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
)

const selectIdempotentEventIDSQL = `
SELECT event_id FROM roomserver_idempotents WHERE user_id = $1 AND device_id = $2 AND room_id = $3 AND txn_id = $4`

const insertIdempotentSQL = `
INSERT INTO roomserver_idempotents (user_id, device_id, room_id, txn_id, event_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, device_id, room_id, txn_id) DO NOTHING`

// idempotentStatements backs d.idempotent: spec.md §4.6's dedup table for
// client-submitted transaction ids, keyed the way the Matrix client-server
// API scopes idempotency (per user, per device).
type idempotentStatements struct {
	db *sql.DB

	selectStmt *sql.Stmt
	insertStmt *sql.Stmt
}

func prepareIdempotentStatements(db *sql.DB) (*idempotentStatements, error) {
	s := &idempotentStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.selectStmt, SQL: selectIdempotentEventIDSQL},
		{Statement: &s.insertStmt, SQL: insertIdempotentSQL},
	}.Prepare(db)
	return s, err
}

func (s *idempotentStatements) selectEventID(ctx context.Context, userID, deviceID, roomID, txnID string) (string, bool, error) {
	var eventID string
	err := s.selectStmt.QueryRowContext(ctx, userID, deviceID, roomID, txnID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return eventID, true, nil
}

func (s *idempotentStatements) insert(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, txnID, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertStmt).ExecContext(ctx, userID, deviceID, roomID, txnID, eventID)
	return err
}
