package shared

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

const insertStateBlockSQL = `
INSERT INTO roomserver_state_block (state_block_hash, event_nids) VALUES ($1, $2)
ON CONFLICT (state_block_hash) DO NOTHING`

const selectStateBlockNIDByHashSQL = `SELECT state_block_nid FROM roomserver_state_block WHERE state_block_hash = $1`

const selectStateBlockEntriesByNIDSQL = `SELECT event_nids FROM roomserver_state_block WHERE state_block_nid = $1`

const insertStateSnapshotSQL = `
INSERT INTO roomserver_state_snapshot (room_nid, snapshot_hash, block_nids) VALUES ($1, $2, $3)
ON CONFLICT (snapshot_hash) DO NOTHING`

const selectStateSnapshotNIDByHashSQL = `SELECT state_snapshot_nid FROM roomserver_state_snapshot WHERE snapshot_hash = $1`

const selectStateBlockNIDsSQL = `SELECT block_nids FROM roomserver_state_snapshot WHERE state_snapshot_nid = $1`

// stateStatements backs d.state: the state-block / state-snapshot tables
// spec.md §3 describes as "state block" (one delta layer of type/state_key
// -> event mappings) and "state frame" (an ordered chain of blocks, base to
// tip). Both tables key on a content hash so identical deltas/frames
// deduplicate to one row (spec.md §3 "Duplicate content hashes collapse to
// one frame").
//
// Each table stores its payload as a single comma-joined NID column rather
// than a join table per entry; the roomserver never queries into the middle
// of a block, only materializes whole chains, so this keeps AddState to a
// single round trip per layer instead of one insert per state entry.
type stateStatements struct {
	db *sql.DB

	insertStateBlockStmt            *sql.Stmt
	selectStateBlockNIDByHashStmt   *sql.Stmt
	selectStateBlockEntriesByNIDStmt *sql.Stmt

	insertStateSnapshotStmt          *sql.Stmt
	selectStateSnapshotNIDByHashStmt *sql.Stmt
	selectStateBlockNIDsStmt         *sql.Stmt
}

func prepareStateStatements(db *sql.DB) (*stateStatements, error) {
	s := &stateStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.insertStateBlockStmt, SQL: insertStateBlockSQL},
		{Statement: &s.selectStateBlockNIDByHashStmt, SQL: selectStateBlockNIDByHashSQL},
		{Statement: &s.selectStateBlockEntriesByNIDStmt, SQL: selectStateBlockEntriesByNIDSQL},
		{Statement: &s.insertStateSnapshotStmt, SQL: insertStateSnapshotSQL},
		{Statement: &s.selectStateSnapshotNIDByHashStmt, SQL: selectStateSnapshotNIDByHashSQL},
		{Statement: &s.selectStateBlockNIDsStmt, SQL: selectStateBlockNIDsSQL},
	}.Prepare(db)
	return s, err
}

func (s *stateStatements) insertBlock(ctx context.Context, txn *sql.Tx, entries []types.StateEntry) (types.StateBlockNID, bool, error) {
	entries = types.DeduplicateStateEntries(entries)
	hash := hashStateEntries(entries)
	payload := serializeStateEntries(entries)
	if _, err := sqlutil.TxStmt(txn, s.insertStateBlockStmt).ExecContext(ctx, hash, payload); err != nil {
		return 0, false, err
	}
	var nid int64
	var existed bool
	row := sqlutil.TxStmt(txn, s.selectStateBlockNIDByHashStmt).QueryRowContext(ctx, hash)
	if err := row.Scan(&nid); err != nil {
		return 0, false, err
	}
	return types.StateBlockNID(nid), existed, nil
}

func (s *stateStatements) insertSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, blocks []types.StateBlockNID) (types.StateSnapshotNID, bool, error) {
	hash := hashBlockChain(blocks)
	payload := serializeBlockNIDs(blocks)
	if _, err := sqlutil.TxStmt(txn, s.insertStateSnapshotStmt).ExecContext(ctx, int64(roomNID), hash, payload); err != nil {
		return 0, false, err
	}
	var nid int64
	row := sqlutil.TxStmt(txn, s.selectStateSnapshotNIDByHashStmt).QueryRowContext(ctx, hash)
	if err := row.Scan(&nid); err != nil {
		return 0, false, err
	}
	return types.StateSnapshotNID(nid), false, nil
}

func (s *stateStatements) selectBlockNIDs(ctx context.Context, snapshot types.StateSnapshotNID) ([]types.StateBlockNID, error) {
	var payload string
	err := s.selectStateBlockNIDsStmt.QueryRowContext(ctx, int64(snapshot)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deserializeBlockNIDs(payload), nil
}

func (s *stateStatements) selectBlockEntries(ctx context.Context, blockNIDs []types.StateBlockNID) ([]types.StateEntryList, error) {
	out := make([]types.StateEntryList, 0, len(blockNIDs))
	for _, nid := range blockNIDs {
		var payload string
		err := s.selectStateBlockEntriesByNIDStmt.QueryRowContext(ctx, int64(nid)).Scan(&payload)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, types.StateEntryList{
			StateBlockNID: nid,
			StateEntries:  deserializeStateEntries(payload),
		})
	}
	return out, nil
}

// --- payload (de)serialization: "type:statekey=event;..." / "n,n,n" ---

func serializeStateEntries(entries []types.StateEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatInt(int64(e.EventTypeNID), 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(int64(e.EventStateKeyNID), 10))
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(int64(e.EventNID), 10))
	}
	return b.String()
}

func deserializeStateEntries(payload string) []types.StateEntry {
	if payload == "" {
		return nil
	}
	parts := strings.Split(payload, ";")
	out := make([]types.StateEntry, 0, len(parts))
	for _, p := range parts {
		eq := strings.IndexByte(p, '=')
		if eq < 0 {
			continue
		}
		tuple, eventNIDStr := p[:eq], p[eq+1:]
		colon := strings.IndexByte(tuple, ':')
		if colon < 0 {
			continue
		}
		typeNID, err1 := strconv.ParseInt(tuple[:colon], 10, 64)
		keyNID, err2 := strconv.ParseInt(tuple[colon+1:], 10, 64)
		eventNID, err3 := strconv.ParseInt(eventNIDStr, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{
				EventTypeNID:     types.EventTypeNID(typeNID),
				EventStateKeyNID: types.EventStateKeyNID(keyNID),
			},
			EventNID: types.EventNID(eventNID),
		})
	}
	return out
}

func serializeBlockNIDs(blocks []types.StateBlockNID) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = strconv.FormatInt(int64(b), 10)
	}
	return strings.Join(parts, ",")
}

func deserializeBlockNIDs(payload string) []types.StateBlockNID {
	if payload == "" {
		return nil
	}
	parts := strings.Split(payload, ",")
	out := make([]types.StateBlockNID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, types.StateBlockNID(n))
	}
	return out
}
