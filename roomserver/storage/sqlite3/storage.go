// Package sqlite3 wires roomserver/storage/shared against SQLite: schema
// DDL using AUTOINCREMENT instead of Postgres's BIGSERIAL, and a
// single-row-counter SequenceAllocator since SQLite has no CREATE SEQUENCE.
package sqlite3

import (
	"context"
	"database/sql"
	"time"

	// modernc.org/sqlite registers the "sqlite3" driver used by sqlutil.Open.
	_ "modernc.org/sqlite"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/storage/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS roomserver_event_types (
	event_type_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL UNIQUE
);
INSERT OR IGNORE INTO roomserver_event_types (event_type_nid, event_type) VALUES
	(1, 'm.room.create'), (2, 'm.room.power_levels'), (3, 'm.room.join_rules'),
	(4, 'm.room.member'), (5, 'm.room.third_party_invite'), (6, 'm.room.history_visibility'),
	(7, 'm.room.redaction');

CREATE TABLE IF NOT EXISTS roomserver_event_state_keys (
	event_state_key_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	event_state_key TEXT NOT NULL UNIQUE
);
INSERT OR IGNORE INTO roomserver_event_state_keys (event_state_key_nid, event_state_key) VALUES (1, '');

CREATE TABLE IF NOT EXISTS roomserver_rooms (
	room_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
	min_depth INTEGER NOT NULL DEFAULT 0,
	last_stream_ordering INTEGER NOT NULL DEFAULT 0,
	is_public BOOLEAN NOT NULL DEFAULT 0,
	disabled BOOLEAN NOT NULL DEFAULT 0,
	has_auth_chain_index BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS roomserver_events (
	event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL REFERENCES roomserver_rooms(room_nid),
	event_type_nid INTEGER NOT NULL REFERENCES roomserver_event_types(event_type_nid),
	event_state_key_nid INTEGER REFERENCES roomserver_event_state_keys(event_state_key_nid),
	event_id TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	depth INTEGER NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	sn INTEGER,
	stream_ordering INTEGER,
	is_outlier BOOLEAN NOT NULL DEFAULT 0,
	soft_failed BOOLEAN NOT NULL DEFAULT 0,
	is_rejected BOOLEAN NOT NULL DEFAULT 0,
	is_redacted BOOLEAN NOT NULL DEFAULT 0,
	rejection_reason TEXT NOT NULL DEFAULT '',
	redacted_by TEXT NOT NULL DEFAULT '',
	state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
	worker_id INTEGER
);
CREATE INDEX IF NOT EXISTS roomserver_events_room_sn_idx ON roomserver_events(room_nid, sn);
CREATE INDEX IF NOT EXISTS roomserver_events_room_type_key_idx ON roomserver_events(room_nid, event_type_nid, event_state_key_nid);

CREATE TABLE IF NOT EXISTS roomserver_event_datas (
	event_nid INTEGER NOT NULL PRIMARY KEY REFERENCES roomserver_events(event_nid),
	event_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_event_edges (
	event_nid INTEGER NOT NULL,
	prev_event_nid INTEGER NOT NULL,
	PRIMARY KEY (event_nid, prev_event_nid)
);
CREATE INDEX IF NOT EXISTS roomserver_event_edges_prev_idx ON roomserver_event_edges(prev_event_nid);

CREATE TABLE IF NOT EXISTS roomserver_event_auth (
	event_nid INTEGER NOT NULL,
	auth_event_nid INTEGER NOT NULL,
	PRIMARY KEY (event_nid, auth_event_nid)
);

CREATE TABLE IF NOT EXISTS roomserver_event_auth_chains (
	cache_key TEXT NOT NULL PRIMARY KEY,
	chain_nids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
	room_nid INTEGER NOT NULL,
	event_nid INTEGER NOT NULL,
	PRIMARY KEY (room_nid, event_nid)
);

CREATE TABLE IF NOT EXISTS roomserver_backward_extremities (
	room_nid INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_nid, event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_state_block (
	state_block_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	state_block_hash TEXT NOT NULL UNIQUE,
	event_nids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_state_snapshot (
	state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	snapshot_hash TEXT NOT NULL UNIQUE,
	block_nids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_timeline_gaps (
	room_nid INTEGER NOT NULL,
	sn INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_nid, event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_idempotents (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	txn_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (user_id, device_id, room_id, txn_id)
);

CREATE TABLE IF NOT EXISTS roomserver_server_signing_keys (
	server_name TEXT NOT NULL,
	key_id TEXT NOT NULL,
	public_key BLOB NOT NULL,
	valid_until_ts INTEGER NOT NULL,
	PRIMARY KEY (server_name, key_id)
);

CREATE TABLE IF NOT EXISTS roomserver_sn_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO roomserver_sn_counter (id, value) VALUES (1, 0);
`

// sequenceAllocator hands out the server-wide monotonic sn from a one-row
// counter table, since SQLite has no sequence object. The update runs inside
// the caller's transaction, so unlike Postgres's sequenceAllocator a
// rolled-back PutEvent here does *not* burn the sn — both behaviours satisfy
// spec.md §4.2 ("monotonic, gaps allowed"); this backend just has fewer gaps.
type sequenceAllocator struct{}

func (a *sequenceAllocator) NextSN(ctx context.Context, txn *sql.Tx) (int64, error) {
	if _, err := txn.ExecContext(ctx, `UPDATE roomserver_sn_counter SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var sn int64
	err := txn.QueryRowContext(ctx, `SELECT value FROM roomserver_sn_counter WHERE id = 1`).Scan(&sn)
	return sn, err
}

// Open connects to the SQLite database at dataSourceName, creates the schema
// if necessary, and returns a ready-to-use shared.Database.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sqlutil.Open(sqlutil.DialectSQLite, dataSourceName, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	d := &shared.Database{
		DB:       db,
		Dialect:  sqlutil.DialectSQLite,
		Sequence: &sequenceAllocator{},
	}
	if err := d.Prepare(); err != nil {
		return nil, err
	}
	return d, nil
}
