// Package storage is federationapi/queue's handle on retry-state and server
// whitelist persistence (C8), scoped deliberately narrower than dendrite's
// full federationsender schema: no peeks, relay servers, notary keys, or
// blacklist tables, since nothing in this module needs them. See DESIGN.md.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matrixcore/matrixcore/federationapi/storage/postgres"
	"github.com/matrixcore/matrixcore/federationapi/storage/shared"
	"github.com/matrixcore/matrixcore/federationapi/storage/sqlite3"
	"github.com/matrixcore/matrixcore/federationapi/types"
	"github.com/matrixcore/matrixcore/internal/spec"
)

// Database is the storage surface federationapi/queue needs: per-destination
// backoff state and the optional server whitelist.
type Database interface {
	UpsertRetryState(ctx context.Context, destination spec.ServerName, failureCount uint32, retryUntil int64) error
	RetryState(ctx context.Context, destination spec.ServerName) (types.RetryState, bool, error)
	AllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error)
	DeleteRetryState(ctx context.Context, destination spec.ServerName) error

	InsertWhitelist(ctx context.Context, destination spec.ServerName) error
	IsWhitelisted(ctx context.Context, destination spec.ServerName) (bool, error)
	DeleteWhitelist(ctx context.Context, destination spec.ServerName) error
	DeleteAllWhitelist(ctx context.Context) error
}

var _ Database = (*shared.Database)(nil)

// Open dispatches on connectionString's scheme exactly as
// roomserver/storage.Open does: "file:" selects SQLite, "postgres://"/
// "postgresql://" selects Postgres.
func Open(connectionString string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (Database, error) {
	if strings.HasPrefix(connectionString, "file:") {
		return sqlite3.Open(connectionString)
	}
	if strings.HasPrefix(connectionString, "postgres://") || strings.HasPrefix(connectionString, "postgresql://") {
		return postgres.Open(connectionString, maxOpenConns, maxIdleConns, connMaxLifetime)
	}
	return nil, fmt.Errorf("federationapi/storage.Open: unrecognised connection string scheme: %q", connectionString)
}
