// Package postgres wires federationapi/storage/shared against a Postgres
// connection: retry-state and whitelist schema only (federationapi/storage's
// scope per DESIGN.md — not dendrite's full federationsender schema).
package postgres

import (
	"time"

	// lib/pq registers the "postgres" driver used by sqlutil.Open.
	_ "github.com/lib/pq"

	"github.com/matrixcore/matrixcore/federationapi/storage/shared"
	"github.com/matrixcore/matrixcore/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
	server_name TEXT NOT NULL PRIMARY KEY,
	failure_count INTEGER NOT NULL DEFAULT 0,
	retry_until BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS federationsender_whitelist (
	server_name TEXT NOT NULL,
	UNIQUE (server_name)
);
`

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
	d := &shared.Database{DB: db}
	if err := d.Prepare(); err != nil {
		return nil, err
	}
	return d, nil
}
