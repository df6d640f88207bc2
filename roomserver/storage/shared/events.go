package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

const selectEventTypeNIDSQL = `SELECT event_type_nid FROM roomserver_event_types WHERE event_type = $1`
const insertEventTypeSQL = `INSERT INTO roomserver_event_types (event_type) VALUES ($1) ON CONFLICT (event_type) DO NOTHING`
const selectStateKeyNIDSQL = `SELECT event_state_key_nid FROM roomserver_event_state_keys WHERE event_state_key = $1`
const insertStateKeySQL = `INSERT INTO roomserver_event_state_keys (event_state_key) VALUES ($1) ON CONFLICT (event_state_key) DO NOTHING`

const insertEventSQL = `
INSERT INTO roomserver_events (room_nid, event_type_nid, event_state_key_nid, event_id, sender, depth, origin_server_ts, is_outlier)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING
RETURNING event_nid`

const selectEventNIDByIDSQL = `SELECT event_nid FROM roomserver_events WHERE event_id = $1`

const selectEventFullSQL = `
SELECT e.event_nid, e.room_nid, e.event_id, t.event_type, e.sender, k.event_state_key, e.depth, e.origin_server_ts,
       e.sn, e.stream_ordering, e.is_outlier, e.soft_failed, e.is_rejected, e.is_redacted, e.rejection_reason,
       e.redacted_by, e.state_snapshot_nid, e.worker_id, d.event_json
FROM roomserver_events e
JOIN roomserver_event_types t ON t.event_type_nid = e.event_type_nid
LEFT JOIN roomserver_event_state_keys k ON k.event_state_key_nid = e.event_state_key_nid
LEFT JOIN roomserver_event_datas d ON d.event_nid = e.event_nid
WHERE %s`

const insertEventJSONSQL = `
INSERT INTO roomserver_event_datas (event_nid, event_json) VALUES ($1, $2)
ON CONFLICT (event_nid) DO UPDATE SET event_json = EXCLUDED.event_json`

const updateEventJSONContentSQL = `UPDATE roomserver_event_datas SET event_json = $2 WHERE event_nid = $1`

const updateEventFlagsSQL = `UPDATE roomserver_events SET is_rejected = $2, soft_failed = $3, rejection_reason = $4 WHERE event_nid = $1`
const updateEventStateSQL = `UPDATE roomserver_events SET state_snapshot_nid = $2 WHERE event_nid = $1`
const updateEventSNSQL = `UPDATE roomserver_events SET sn = $2, stream_ordering = $3 WHERE event_nid = $1`
const markRedactedSQL = `UPDATE roomserver_events SET is_redacted = true, redacted_by = $2 WHERE event_nid = $1`

const insertEdgeSQL = `INSERT INTO roomserver_event_edges (event_nid, prev_event_nid) VALUES ($1, $2) ON CONFLICT DO NOTHING`
const selectEdgesOutSQL = `SELECT prev_event_nid FROM roomserver_event_edges WHERE event_nid = $1`
const selectEdgesInSQL = `SELECT event_nid FROM roomserver_event_edges WHERE prev_event_nid = $1`

const insertAuthEdgeSQL = `INSERT INTO roomserver_event_auth (event_nid, auth_event_nid) VALUES ($1, $2) ON CONFLICT DO NOTHING`
const selectAuthEventNIDsSQL = `SELECT auth_event_nid FROM roomserver_event_auth WHERE event_nid = $1`

const selectAuthChainSQL = `SELECT chain_nids FROM roomserver_event_auth_chains WHERE cache_key = $1`
const insertAuthChainSQL = `INSERT INTO roomserver_event_auth_chains (cache_key, chain_nids) VALUES ($1, $2) ON CONFLICT (cache_key) DO UPDATE SET chain_nids = EXCLUDED.chain_nids`

// eventStatements backs d.events in Database. Every prepared statement field
// carries a Stmt suffix so it never shadows the method of the same SQL verb
// that wraps it.
type eventStatements struct {
	db *sql.DB

	selectEventTypeNIDStmt *sql.Stmt
	insertEventTypeStmt    *sql.Stmt
	selectStateKeyNIDStmt  *sql.Stmt
	insertStateKeyStmt     *sql.Stmt

	insertEventStmt            *sql.Stmt
	selectEventNIDByIDStmt     *sql.Stmt
	insertEventJSONStmt        *sql.Stmt
	updateEventJSONContentStmt *sql.Stmt
	updateEventFlagsStmt       *sql.Stmt
	updateEventStateStmt       *sql.Stmt
	updateEventSNStmt          *sql.Stmt
	markRedactedStmt           *sql.Stmt

	insertEdgeStmt     *sql.Stmt
	selectEdgesOutStmt *sql.Stmt
	selectEdgesInStmt  *sql.Stmt

	insertAuthEdgeStmt      *sql.Stmt
	selectAuthEventNIDsStmt *sql.Stmt
	selectAuthChainStmt     *sql.Stmt
	insertAuthChainStmt     *sql.Stmt
}

func prepareEventStatements(db *sql.DB) (*eventStatements, error) {
	s := &eventStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.selectEventTypeNIDStmt, SQL: selectEventTypeNIDSQL},
		{Statement: &s.insertEventTypeStmt, SQL: insertEventTypeSQL},
		{Statement: &s.selectStateKeyNIDStmt, SQL: selectStateKeyNIDSQL},
		{Statement: &s.insertStateKeyStmt, SQL: insertStateKeySQL},
		{Statement: &s.insertEventStmt, SQL: insertEventSQL},
		{Statement: &s.selectEventNIDByIDStmt, SQL: selectEventNIDByIDSQL},
		{Statement: &s.insertEventJSONStmt, SQL: insertEventJSONSQL},
		{Statement: &s.updateEventJSONContentStmt, SQL: updateEventJSONContentSQL},
		{Statement: &s.updateEventFlagsStmt, SQL: updateEventFlagsSQL},
		{Statement: &s.updateEventStateStmt, SQL: updateEventStateSQL},
		{Statement: &s.updateEventSNStmt, SQL: updateEventSNSQL},
		{Statement: &s.markRedactedStmt, SQL: markRedactedSQL},
		{Statement: &s.insertEdgeStmt, SQL: insertEdgeSQL},
		{Statement: &s.selectEdgesOutStmt, SQL: selectEdgesOutSQL},
		{Statement: &s.selectEdgesInStmt, SQL: selectEdgesInSQL},
		{Statement: &s.insertAuthEdgeStmt, SQL: insertAuthEdgeSQL},
		{Statement: &s.selectAuthEventNIDsStmt, SQL: selectAuthEventNIDsSQL},
		{Statement: &s.selectAuthChainStmt, SQL: selectAuthChainSQL},
		{Statement: &s.insertAuthChainStmt, SQL: insertAuthChainSQL},
	}.Prepare(db)
	return s, err
}

func (s *eventStatements) insertOrSelectEventType(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertEventTypeStmt).ExecContext(ctx, eventType); err != nil {
		return 0, err
	}
	var nid int64
	if err := sqlutil.TxStmt(txn, s.selectEventTypeNIDStmt).QueryRowContext(ctx, eventType).Scan(&nid); err != nil {
		return 0, err
	}
	return types.EventTypeNID(nid), nil
}

func (s *eventStatements) insertOrSelectEventTypeNoTx(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	return s.insertOrSelectEventType(ctx, nil, eventType)
}

func (s *eventStatements) insertOrSelectEventStateKey(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertStateKeyStmt).ExecContext(ctx, stateKey); err != nil {
		return 0, err
	}
	var nid int64
	if err := sqlutil.TxStmt(txn, s.selectStateKeyNIDStmt).QueryRowContext(ctx, stateKey).Scan(&nid); err != nil {
		return 0, err
	}
	return types.EventStateKeyNID(nid), nil
}

func (s *eventStatements) insertOrSelectEventStateKeyNoTx(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	return s.insertOrSelectEventStateKey(ctx, nil, stateKey)
}

// insertEvent inserts the event row, returning its NID and whether a row
// with this event_id already existed (idempotent ingest, property 1).
func (s *eventStatements) insertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID, stateKeyNID *types.EventStateKeyNID, ev *types.Event) (types.EventNID, bool, error) {
	var keyArg interface{}
	if stateKeyNID != nil {
		keyArg = int64(*stateKeyNID)
	}
	var nid int64
	err := sqlutil.TxStmt(txn, s.insertEventStmt).QueryRowContext(ctx,
		int64(roomNID), int64(eventTypeNID), keyArg, ev.EventID, ev.Sender, ev.Depth, ev.OriginServerTS, ev.IsOutlier,
	).Scan(&nid)
	if err == sql.ErrNoRows {
		// ON CONFLICT DO NOTHING fired: the row already existed.
		var existingNID int64
		if serr := sqlutil.TxStmt(txn, s.selectEventNIDByIDStmt).QueryRowContext(ctx, ev.EventID).Scan(&existingNID); serr != nil {
			return 0, false, serr
		}
		return types.EventNID(existingNID), true, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.EventNID(nid), false, nil
}

func (s *eventStatements) selectEventNIDTx(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.selectEventNIDByIDStmt).QueryRowContext(ctx, eventID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.EventNID(nid), true, nil
}

func (s *eventStatements) selectEventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error) {
	out := make(map[string]types.EventNID, len(eventIDs))
	for _, id := range eventIDs {
		nid, ok, err := s.selectEventNIDTx(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = nid
		}
	}
	return out, nil
}

func (s *eventStatements) updateEventJSON(ctx context.Context, txn *sql.Tx, nid types.EventNID, eventJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventJSONStmt).ExecContext(ctx, int64(nid), eventJSON)
	return err
}

func (s *eventStatements) updateEventJSONContent(ctx context.Context, txn *sql.Tx, nid types.EventNID, eventJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventJSONContentStmt).ExecContext(ctx, int64(nid), eventJSON)
	return err
}

func (s *eventStatements) updateEventFlags(ctx context.Context, txn *sql.Tx, nid types.EventNID, isRejected, softFailed bool, rejectionReason string) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventFlagsStmt).ExecContext(ctx, int64(nid), isRejected, softFailed, rejectionReason)
	return err
}

func (s *eventStatements) updateEventState(ctx context.Context, txn *sql.Tx, nid types.EventNID, snapshot types.StateSnapshotNID) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventStateStmt).ExecContext(ctx, int64(nid), int64(snapshot))
	return err
}

func (s *eventStatements) updateEventSN(ctx context.Context, txn *sql.Tx, nid types.EventNID, sn, streamOrdering int64) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventSNStmt).ExecContext(ctx, int64(nid), sn, streamOrdering)
	return err
}

func (s *eventStatements) markRedacted(ctx context.Context, txn *sql.Tx, nid types.EventNID, redactedBy string) error {
	_, err := sqlutil.TxStmt(txn, s.markRedactedStmt).ExecContext(ctx, int64(nid), redactedBy)
	return err
}

func (s *eventStatements) insertEdge(ctx context.Context, txn *sql.Tx, eventNID, prevEventNID types.EventNID) error {
	_, err := sqlutil.TxStmt(txn, s.insertEdgeStmt).ExecContext(ctx, int64(eventNID), int64(prevEventNID))
	return err
}

func (s *eventStatements) selectEdgesOut(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error) {
	rows, err := s.selectEdgesOutStmt.QueryContext(ctx, int64(eventNID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventNIDs(rows)
}

func (s *eventStatements) selectEdgesIn(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error) {
	rows, err := s.selectEdgesInStmt.QueryContext(ctx, int64(eventNID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventNIDs(rows)
}

func (s *eventStatements) insertAuthEdge(ctx context.Context, txn *sql.Tx, eventNID, authEventNID types.EventNID) error {
	_, err := sqlutil.TxStmt(txn, s.insertAuthEdgeStmt).ExecContext(ctx, int64(eventNID), int64(authEventNID))
	return err
}

func (s *eventStatements) selectAuthEventNIDs(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error) {
	rows, err := s.selectAuthEventNIDsStmt.QueryContext(ctx, int64(eventNID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventNIDs(rows)
}

func scanEventNIDs(rows *sql.Rows) ([]types.EventNID, error) {
	var out []types.EventNID
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, types.EventNID(n))
	}
	return out, rows.Err()
}

func (s *eventStatements) selectAuthChain(ctx context.Context, cacheKey string) ([]types.EventNID, bool, error) {
	var serialized string
	err := s.selectAuthChainStmt.QueryRowContext(ctx, cacheKey).Scan(&serialized)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return deserializeNIDList(serialized), true, nil
}

func (s *eventStatements) insertAuthChain(ctx context.Context, cacheKey string, chain []types.EventNID) error {
	_, err := s.insertAuthChainStmt.ExecContext(ctx, cacheKey, serializeNIDList(chain))
	return err
}

func serializeNIDList(nids []types.EventNID) string {
	parts := make([]string, len(nids))
	for i, n := range nids {
		parts[i] = strconv.FormatInt(int64(n), 10)
	}
	return strings.Join(parts, ",")
}

func deserializeNIDList(s string) []types.EventNID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]types.EventNID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, types.EventNID(n))
	}
	return out
}

// --- full event row (de)serialization ---

func (s *eventStatements) selectEvent(ctx context.Context, eventID string) (*types.Event, error) {
	return s.queryOneEvent(ctx, nil, "e.event_id = $1", eventID)
}

func (s *eventStatements) selectEventTx(ctx context.Context, txn *sql.Tx, eventID string) (*types.Event, error) {
	return s.queryOneEvent(ctx, txn, "e.event_id = $1", eventID)
}

func (s *eventStatements) selectEventByNID(ctx context.Context, nid types.EventNID) (*types.Event, error) {
	return s.queryOneEvent(ctx, nil, "e.event_nid = $1", int64(nid))
}

func (s *eventStatements) selectEventByNIDSafe(ctx context.Context, nid types.EventNID) (*types.Event, error) {
	return s.selectEventByNID(ctx, nid)
}

func (s *eventStatements) queryOneEvent(ctx context.Context, txn *sql.Tx, where string, arg interface{}) (*types.Event, error) {
	query := fmt.Sprintf(selectEventFullSQL, where)
	var row *sql.Row
	if txn != nil {
		row = txn.QueryRowContext(ctx, query, arg)
	} else {
		row = s.db.QueryRowContext(ctx, query, arg)
	}
	ev, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (s *eventStatements) selectEventsByNIDs(ctx context.Context, nids []types.EventNID) ([]*types.Event, error) {
	out := make([]*types.Event, 0, len(nids))
	for _, nid := range nids {
		ev, err := s.selectEventByNID(ctx, nid)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *eventStatements) selectEventsBySNRange(ctx context.Context, fromSN, toSN int64, limit int) ([]*types.Event, error) {
	query := fmt.Sprintf(selectEventFullSQL, "e.sn > $1 AND e.sn <= $2 ORDER BY e.sn ASC LIMIT $3")
	rows, err := s.db.QueryContext(ctx, query, fromSN, toSN, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEventRow(row rowScanner) (*types.Event, error) {
	return scanEventRows(row)
}

func scanEventRows(row rowScanner) (*types.Event, error) {
	var (
		eventNID, roomNID             int64
		eventID, eventType, sender    string
		stateKey                      sql.NullString
		depth, originServerTS         int64
		sn, streamOrdering            sql.NullInt64
		isOutlier, softFailed         bool
		isRejected, isRedacted        bool
		rejectionReason, redactedBy   sql.NullString
		stateSnapshotNID              sql.NullInt64
		workerID                      sql.NullInt64
		eventJSON                     sql.NullString
	)
	if err := row.Scan(
		&eventNID, &roomNID, &eventID, &eventType, &sender, &stateKey, &depth, &originServerTS,
		&sn, &streamOrdering, &isOutlier, &softFailed, &isRejected, &isRedacted, &rejectionReason,
		&redactedBy, &stateSnapshotNID, &workerID, &eventJSON,
	); err != nil {
		return nil, err
	}
	ev := &types.Event{
		EventNID:            types.EventNID(eventNID),
		RoomNID:             types.RoomNID(roomNID),
		EventID:             eventID,
		Type:                eventType,
		Sender:              sender,
		Depth:               depth,
		OriginServerTS:      originServerTS,
		SN:                  sn.Int64,
		StreamOrdering:      streamOrdering.Int64,
		TopologicalOrdering: depth,
		IsOutlier:           isOutlier,
		SoftFailed:          softFailed,
		IsRejected:          isRejected,
		IsRedacted:          isRedacted,
		RejectionReason:     rejectionReason.String,
	}
	if stateKey.Valid {
		sk := stateKey.String
		ev.StateKey = &sk
	}
	if workerID.Valid {
		w := workerID.Int64
		ev.WorkerID = &w
	}
	if eventType == types.MRoomRedaction {
		ev.RedactsEventID = redactedBy.String
	}
	if eventJSON.Valid && eventJSON.String != "" {
		if err := json.Unmarshal([]byte(eventJSON.String), ev); err != nil {
			return nil, fmt.Errorf("shared: unmarshal event_json for %s: %w", eventID, err)
		}
		// event_json carries identity fields too; the scanned columns above
		// are authoritative (invariant 1 checks against the column), so
		// restore them after Unmarshal's blanket overwrite.
		ev.EventNID = types.EventNID(eventNID)
		ev.RoomNID = types.RoomNID(roomNID)
		ev.EventID = eventID
		ev.SN = sn.Int64
		ev.StreamOrdering = streamOrdering.Int64
		ev.IsOutlier = isOutlier
		ev.SoftFailed = softFailed
		ev.IsRejected = isRejected
		ev.IsRedacted = isRedacted
		ev.RejectionReason = rejectionReason.String
	}
	_ = stateSnapshotNID
	return ev, nil
}

const selectEventStateSnapshotSQL = `SELECT state_snapshot_nid FROM roomserver_events WHERE event_nid = $1`

func (s *eventStatements) selectEventStateSnapshot(ctx context.Context, nid types.EventNID) (types.StateSnapshotNID, error) {
	var snapshot sql.NullInt64
	err := s.db.QueryRowContext(ctx, selectEventStateSnapshotSQL, int64(nid)).Scan(&snapshot)
	if err != nil {
		return 0, err
	}
	return types.StateSnapshotNID(snapshot.Int64), nil
}
