// Package postgres wires roomserver/storage/shared against a Postgres
// connection: schema DDL, a BIGSERIAL-backed SequenceAllocator (SPEC_FULL.md
// §4.2), and versioned migrations via internal/sqlutil.Migrator.
package postgres

import (
	"context"
	"database/sql"
	"time"

	// lib/pq registers the "postgres" driver used by sqlutil.Open.
	_ "github.com/lib/pq"

	"github.com/matrixcore/matrixcore/internal/sqlutil"
	"github.com/matrixcore/matrixcore/roomserver/storage/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS roomserver_event_types (
	event_type_nid BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL UNIQUE
);
INSERT INTO roomserver_event_types (event_type_nid, event_type) VALUES
	(1, 'm.room.create'), (2, 'm.room.power_levels'), (3, 'm.room.join_rules'),
	(4, 'm.room.member'), (5, 'm.room.third_party_invite'), (6, 'm.room.history_visibility'),
	(7, 'm.room.redaction')
ON CONFLICT (event_type_nid) DO NOTHING;
SELECT setval('roomserver_event_types_event_type_nid_seq', 7, true);

CREATE TABLE IF NOT EXISTS roomserver_event_state_keys (
	event_state_key_nid BIGSERIAL PRIMARY KEY,
	event_state_key TEXT NOT NULL UNIQUE
);
INSERT INTO roomserver_event_state_keys (event_state_key_nid, event_state_key) VALUES (1, '')
ON CONFLICT (event_state_key_nid) DO NOTHING;
SELECT setval('roomserver_event_state_keys_event_state_key_nid_seq', 1, true);

CREATE TABLE IF NOT EXISTS roomserver_rooms (
	room_nid BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	state_snapshot_nid BIGINT NOT NULL DEFAULT 0,
	min_depth BIGINT NOT NULL DEFAULT 0,
	last_stream_ordering BIGINT NOT NULL DEFAULT 0,
	is_public BOOLEAN NOT NULL DEFAULT FALSE,
	disabled BOOLEAN NOT NULL DEFAULT FALSE,
	has_auth_chain_index BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS roomserver_events (
	event_nid BIGSERIAL PRIMARY KEY,
	room_nid BIGINT NOT NULL REFERENCES roomserver_rooms(room_nid),
	event_type_nid BIGINT NOT NULL REFERENCES roomserver_event_types(event_type_nid),
	event_state_key_nid BIGINT REFERENCES roomserver_event_state_keys(event_state_key_nid),
	event_id TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	depth BIGINT NOT NULL,
	origin_server_ts BIGINT NOT NULL,
	sn BIGINT,
	stream_ordering BIGINT,
	is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
	soft_failed BOOLEAN NOT NULL DEFAULT FALSE,
	is_rejected BOOLEAN NOT NULL DEFAULT FALSE,
	is_redacted BOOLEAN NOT NULL DEFAULT FALSE,
	rejection_reason TEXT NOT NULL DEFAULT '',
	redacted_by TEXT NOT NULL DEFAULT '',
	state_snapshot_nid BIGINT NOT NULL DEFAULT 0,
	worker_id BIGINT
);
CREATE INDEX IF NOT EXISTS roomserver_events_room_sn_idx ON roomserver_events(room_nid, sn);
CREATE INDEX IF NOT EXISTS roomserver_events_room_type_key_idx ON roomserver_events(room_nid, event_type_nid, event_state_key_nid);

CREATE TABLE IF NOT EXISTS roomserver_event_datas (
	event_nid BIGINT NOT NULL PRIMARY KEY REFERENCES roomserver_events(event_nid),
	event_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_event_edges (
	event_nid BIGINT NOT NULL,
	prev_event_nid BIGINT NOT NULL,
	PRIMARY KEY (event_nid, prev_event_nid)
);
CREATE INDEX IF NOT EXISTS roomserver_event_edges_prev_idx ON roomserver_event_edges(prev_event_nid);

CREATE TABLE IF NOT EXISTS roomserver_event_auth (
	event_nid BIGINT NOT NULL,
	auth_event_nid BIGINT NOT NULL,
	PRIMARY KEY (event_nid, auth_event_nid)
);

CREATE TABLE IF NOT EXISTS roomserver_event_auth_chains (
	cache_key TEXT NOT NULL PRIMARY KEY,
	chain_nids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
	room_nid BIGINT NOT NULL,
	event_nid BIGINT NOT NULL,
	PRIMARY KEY (room_nid, event_nid)
);

CREATE TABLE IF NOT EXISTS roomserver_backward_extremities (
	room_nid BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_nid, event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_state_block (
	state_block_nid BIGSERIAL PRIMARY KEY,
	state_block_hash TEXT NOT NULL UNIQUE,
	event_nids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_state_snapshot (
	state_snapshot_nid BIGSERIAL PRIMARY KEY,
	room_nid BIGINT NOT NULL,
	snapshot_hash TEXT NOT NULL UNIQUE,
	block_nids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_timeline_gaps (
	room_nid BIGINT NOT NULL,
	sn BIGINT NOT NULL,
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
	public_key BYTEA NOT NULL,
	valid_until_ts BIGINT NOT NULL,
	PRIMARY KEY (server_name, key_id)
);

CREATE SEQUENCE IF NOT EXISTS roomserver_sn_seq;
`

// sequenceAllocator hands out the server-wide monotonic sn from a Postgres
// sequence. nextval is non-transactional by design (the sequence never
// rolls back with the transaction), which is exactly spec.md §4.2's "gaps
// allowed, no reuse" contract: a rolled-back PutEvent simply burns one sn.
type sequenceAllocator struct {
	db *sql.DB
}

func (a *sequenceAllocator) NextSN(ctx context.Context, txn *sql.Tx) (int64, error) {
	var sn int64
	err := txn.QueryRowContext(ctx, `SELECT nextval('roomserver_sn_seq')`).Scan(&sn)
	return sn, err
}

// Open connects to Postgres at connectionString, creates the schema if
// necessary, and returns a ready-to-use shared.Database.
func Open(connectionString string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*shared.Database, error) {
	db, err := sqlutil.Open(sqlutil.DialectPostgres, connectionString, maxOpenConns, maxIdleConns, connMaxLifetime)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	d := &shared.Database{
		DB:       db,
		Dialect:  sqlutil.DialectPostgres,
		Sequence: &sequenceAllocator{db: db},
	}
	if err := d.Prepare(); err != nil {
		return nil, err
	}
	return d, nil
}
