// Package api defines the outbound federation contract (spec.md §6,
// "Outbound from core") that the DAG walker (C7) and event pipeline (C6)
// call into to pull events, state and keys from remote homeservers. The
// concrete implementation lives in federationapi/client and
// federationapi/queue; this package exists so roomserver never imports
// those packages directly, mirroring dendrite's own fsAPI boundary.
package api

import (
	"context"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// FederationInternalAPI is what the roomserver holds a reference to. Every
// method signs its own outbound request; responses are returned without
// checking their signatures.
type FederationInternalAPI interface {
	// GetEvent fetches a single PDU by id from destination (spec.md §6
	// get_event).
	GetEvent(ctx context.Context, destination spec.ServerName, eventID, roomID string) (*types.Event, error)

	// GetMissingEvents asks destination for ancestors of latestEvents not
	// reachable from earliestEvents, bounded by limit (get_missing_events).
	GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int) ([]*types.Event, error)

	// GetStateIDs returns the event ids of the resolved state (and its
	// auth chain) at eventID (state_ids).
	GetStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (stateEventIDs, authEventIDs []string, err error)

	// GetState returns full resolved-state events at eventID (state).
	GetState(ctx context.Context, destination spec.ServerName, roomID, eventID string) (stateEvents, authEvents []*types.Event, err error)

	// GetServerKeys fetches and caches destination's current signing keys
	// (server_keys), used by C3 signature verification.
	GetServerKeys(ctx context.Context, destination spec.ServerName) (*ServerKeys, error)

	// SendTransaction delivers PDUs/EDUs, batched to the federation limit,
	// to destination (send_transaction), going through C8's per-destination
	// retry queue rather than dialing synchronously.
	SendTransaction(ctx context.Context, destination spec.ServerName, pdus []*types.Event, edus []EDUEvent) error

	// QueryEventAuthFromFederation fetches the full reverse-topological
	// auth chain for an event the local server doesn't hold, used by C7's
	// checkForMissingAuthEvents path.
	QueryEventAuthFromFederation(ctx context.Context, destination spec.ServerName, roomID, eventID string) ([]*types.Event, error)

	// MakeJoin/SendJoin and MakeLeave/SendLeave implement the two-phase
	// federated membership handshake (spec.md §6).
	MakeJoin(ctx context.Context, destination spec.ServerName, roomID, userID string) (*MakeJoinResponse, error)
	SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*SendJoinResponse, error)
	MakeLeave(ctx context.Context, destination spec.ServerName, roomID, userID string) (*MakeLeaveResponse, error)
	SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error

	// Invite delivers a signed invite event to a remote user's server.
	Invite(ctx context.Context, destination spec.ServerName, event *types.Event) (*types.Event, error)
}

// ServerKeys is the subset of a /_matrix/key/v2/server response C3 needs to
// verify signatures: one Ed25519 public key per key id, plus the window
// it's valid for (spec.md §4.3).
type ServerKeys struct {
	ServerName    spec.ServerName
	VerifyKeys    map[string][]byte // key_id -> raw 32-byte Ed25519 public key
	ValidUntilTS  int64
}

// EDUEvent is the outbound-side counterpart of roomserver/api.EDU.
type EDUEvent struct {
	Type    string
	Content []byte
}

// MakeJoinResponse carries the unsigned join-event template a server
// returns from /make_join, which the caller must fill in, sign and submit
// via SendJoin.
type MakeJoinResponse struct {
	RoomVersion spec.RoomVersion
	EventTemplate []byte // unsigned event JSON with prev/auth/depth already set
}

// SendJoinResponse returns the resolved room state the joining server needs
// to seed its own copy (spec.md §4.6 "HasState" path).
type SendJoinResponse struct {
	StateEvents []*types.Event
	AuthEvents  []*types.Event
}

type MakeLeaveResponse struct {
	RoomVersion   spec.RoomVersion
	EventTemplate []byte
}
