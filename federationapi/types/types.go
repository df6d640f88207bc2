// Package types holds the small value types federationapi/storage persists,
// kept separate from federationapi/api so the storage layer doesn't need to
// import the outbound API contract just to describe its own rows.
package types

// RetryState is one destination server's outbound delivery backoff state
// (federationapi/storage "federationsender_retry_state" table, adapted from
// the teacher's retry_state_table.go).
type RetryState struct {
	FailureCount uint32
	RetryUntil   int64 // unix millis; zero means "not currently backed off"
}
