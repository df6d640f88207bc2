// Package sqlite3 wires federationapi/storage/shared against SQLite: the
// same two-table schema as the postgres backend, just without the BYTEA/
// BIGSERIAL differences that don't apply here since neither table has an
// auto-incrementing key.
package sqlite3

import (
	// modernc.org/sqlite registers the "sqlite3" driver used by sqlutil.Open.
	_ "modernc.org/sqlite"

	"github.com/matrixcore/matrixcore/federationapi/storage/shared"
	"github.com/matrixcore/matrixcore/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
	server_name TEXT NOT NULL PRIMARY KEY,
	failure_count INTEGER NOT NULL DEFAULT 0,
	retry_until INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS federationsender_whitelist (
	server_name TEXT NOT NULL,
	UNIQUE (server_name)
);
`

// Open connects to the SQLite database at dataSourceName, creates the
// schema if necessary, and returns a ready-to-use shared.Database.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sqlutil.Open(sqlutil.DialectSQLite, dataSourceName, 0, 0, 0)
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
