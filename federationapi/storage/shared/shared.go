// Package shared implements federationapi/storage.Database against a
// *sql.DB, reused by both federationapi/storage/postgres and
// federationapi/storage/sqlite3, mirroring roomserver/storage/shared's
// split: only schema DDL differs between backends, every DML statement
// here uses "$N" placeholders both drivers accept.
package shared

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrixcore/matrixcore/federationapi/types"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/internal/sqlutil"
)

// Database is the shared implementation of federationapi/storage.Database.
// Backend packages embed it and supply the opened *sql.DB after running
// their own schema DDL.
type Database struct {
	DB *sql.DB

	upsertRetryStateStmt     *sql.Stmt
	selectRetryStateStmt     *sql.Stmt
	selectAllRetryStatesStmt *sql.Stmt
	deleteRetryStateStmt     *sql.Stmt

	insertWhitelistStmt     *sql.Stmt
	selectWhitelistStmt     *sql.Stmt
	deleteWhitelistStmt     *sql.Stmt
	deleteAllWhitelistStmt  *sql.Stmt
}

// Prepare compiles every statement this package needs against db. Backend
// packages call this after running their schema DDL.
func (d *Database) Prepare() error {
	return sqlutil.StatementList{
		{Statement: &d.upsertRetryStateStmt, SQL: `
			INSERT INTO federationsender_retry_state (server_name, failure_count, retry_until)
			VALUES ($1, $2, $3)
			ON CONFLICT (server_name) DO UPDATE SET failure_count = $2, retry_until = $3`},
		{Statement: &d.selectRetryStateStmt, SQL: `
			SELECT failure_count, retry_until FROM federationsender_retry_state WHERE server_name = $1`},
		{Statement: &d.selectAllRetryStatesStmt, SQL: `
			SELECT server_name, failure_count, retry_until FROM federationsender_retry_state`},
		{Statement: &d.deleteRetryStateStmt, SQL: `
			DELETE FROM federationsender_retry_state WHERE server_name = $1`},
		{Statement: &d.insertWhitelistStmt, SQL: `
			INSERT INTO federationsender_whitelist (server_name) VALUES ($1)
			ON CONFLICT (server_name) DO NOTHING`},
		{Statement: &d.selectWhitelistStmt, SQL: `
			SELECT 1 FROM federationsender_whitelist WHERE server_name = $1`},
		{Statement: &d.deleteWhitelistStmt, SQL: `
			DELETE FROM federationsender_whitelist WHERE server_name = $1`},
		{Statement: &d.deleteAllWhitelistStmt, SQL: `
			DELETE FROM federationsender_whitelist`},
	}.Prepare(d.DB)
}

// UpsertRetryState records destination's current failure count and the
// unix-millis timestamp before which no further send should be attempted.
func (d *Database) UpsertRetryState(ctx context.Context, destination spec.ServerName, failureCount uint32, retryUntil int64) error {
	_, err := d.upsertRetryStateStmt.ExecContext(ctx, string(destination), failureCount, retryUntil)
	if err != nil {
		return fmt.Errorf("shared.UpsertRetryState: %w", err)
	}
	return nil
}

// RetryState returns destination's recorded backoff state, or ok=false if
// none is on record (a destination with no failures yet).
func (d *Database) RetryState(ctx context.Context, destination spec.ServerName) (state types.RetryState, ok bool, err error) {
	row := d.selectRetryStateStmt.QueryRowContext(ctx, string(destination))
	err = row.Scan(&state.FailureCount, &state.RetryUntil)
	if err == sql.ErrNoRows {
		return types.RetryState{}, false, nil
	}
	if err != nil {
		return types.RetryState{}, false, fmt.Errorf("shared.RetryState: %w", err)
	}
	return state, true, nil
}

// AllRetryStates returns every destination with a recorded backoff state,
// used to reseed in-memory circuit breakers on process start.
func (d *Database) AllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error) {
	rows, err := d.selectAllRetryStatesStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("shared.AllRetryStates: %w", err)
	}
	defer rows.Close()

	out := make(map[spec.ServerName]types.RetryState)
	for rows.Next() {
		var serverName string
		var state types.RetryState
		if err := rows.Scan(&serverName, &state.FailureCount, &state.RetryUntil); err != nil {
			return nil, fmt.Errorf("shared.AllRetryStates: scan: %w", err)
		}
		out[spec.ServerName(serverName)] = state
	}
	return out, rows.Err()
}

// DeleteRetryState clears destination's backoff state, e.g. once it has
// accepted a transaction successfully.
func (d *Database) DeleteRetryState(ctx context.Context, destination spec.ServerName) error {
	if _, err := d.deleteRetryStateStmt.ExecContext(ctx, string(destination)); err != nil {
		return fmt.Errorf("shared.DeleteRetryState: %w", err)
	}
	return nil
}

// InsertWhitelist adds destination to the server whitelist.
func (d *Database) InsertWhitelist(ctx context.Context, destination spec.ServerName) error {
	if _, err := d.insertWhitelistStmt.ExecContext(ctx, string(destination)); err != nil {
		return fmt.Errorf("shared.InsertWhitelist: %w", err)
	}
	return nil
}

// IsWhitelisted reports whether destination is on the server whitelist.
func (d *Database) IsWhitelisted(ctx context.Context, destination spec.ServerName) (bool, error) {
	var one int
	err := d.selectWhitelistStmt.QueryRowContext(ctx, string(destination)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("shared.IsWhitelisted: %w", err)
	}
	return true, nil
}

// DeleteWhitelist removes destination from the server whitelist.
func (d *Database) DeleteWhitelist(ctx context.Context, destination spec.ServerName) error {
	if _, err := d.deleteWhitelistStmt.ExecContext(ctx, string(destination)); err != nil {
		return fmt.Errorf("shared.DeleteWhitelist: %w", err)
	}
	return nil
}

// DeleteAllWhitelist clears the server whitelist entirely, used when an
// operator switches from an allow-listed federation policy to open
// federation.
func (d *Database) DeleteAllWhitelist(ctx context.Context) error {
	if _, err := d.deleteAllWhitelistStmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("shared.DeleteAllWhitelist: %w", err)
	}
	return nil
}
