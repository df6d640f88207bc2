// Package api defines the inbound and outbound contracts the event
// pipeline exposes to its HTTP/federation collaborators (spec.md §6). It
// intentionally carries no storage or network code itself — callers outside
// roomserver only ever see these request/response types and the Inbound
// interface.
package api

import (
	"context"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Kind classifies why an event is being submitted to the pipeline, mirroring
// dendrite's own KindNew/KindOld/KindOutlier split referenced by
// SPEC_FULL.md's grounding of C6 on input_events.go.
type Kind int

const (
	// KindNew is a newly-arriving event at the front of the room's DAG: it
	// gets full state calculation, extremity updates and notification.
	KindNew Kind = iota
	// KindOld is a backfilled historical event: it is stored but does not
	// move the room's forward extremities or current state.
	KindOld
	// KindOutlier is an event pulled in only because another event
	// references it (a missing auth or prev event). It is persisted with
	// IsOutlier set and skips state calculation and extremities.
	KindOutlier
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindOld:
		return "old"
	case KindOutlier:
		return "outlier"
	default:
		return "unknown"
	}
}

// InputRoomEvent is one PDU submitted to the pipeline, whether freshly
// authored locally, backfilled, or fetched as an ancestor.
type InputRoomEvent struct {
	Kind   Kind
	Event  *types.Event
	RoomVersion spec.RoomVersion

	// AuthEventIDs declares the event's auth_events, used for hard-auth
	// (spec.md §4.4) when the referenced events' NIDs aren't yet resolved.
	AuthEventIDs []string

	// StateEventIDs is set only when the sender already knows the resolved
	// state at this event (e.g. a federated join's send_join response) and
	// wants the pipeline to store that state rather than compute it from
	// prev_events (spec.md §4.6's "HasState" path).
	StateEventIDs []string
	HasState      bool

	// SendAsServer, when non-empty, tells the pipeline this event should be
	// treated as authoritative from the named server for extremity/auth
	// purposes (used by the federation join/leave handshakes).
	SendAsServer string

	// TransactionID deduplicates local submissions within the retention
	// window the idempotency table enforces (spec.md §4.6).
	TransactionID *TransactionID

	// Origin is the remote server a federation-submitted PDU arrived from,
	// empty for local submissions.
	Origin spec.ServerName
}

// TransactionID identifies one client-chosen dedup key for a local send.
type TransactionID struct {
	SessionID     int64
	TransactionID string
}

// InputRoomEventsRequest batches PDUs destined for one or more rooms. The
// pipeline fans each out to its own room actor; see SPEC_FULL.md §4.6.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
	Asynchronous    bool
}

// InputRoomEventsResponse reports, in request order, either the accepted
// event_id or an error for each submitted PDU.
type InputRoomEventsResponse struct {
	EventID string
	Err     string
}

// PerPDUResult is what submit_remote_transaction (spec.md §6) returns for
// one PDU in an inbound federation transaction.
type PerPDUResult struct {
	EventID string
	Error   string // empty on success
}

// Inbound is the surface spec.md §6 describes as "Inbound to core". HTTP
// routing, federation transaction handling and sync long-polling all speak
// only to this interface.
type Inbound interface {
	// SubmitLocal validates, assigns event_id/hashes/signature, and feeds a
	// locally-authored event into the pipeline. Returns the event_id.
	SubmitLocal(ctx context.Context, roomID, sender, eventType string, stateKey *string, content []byte, txnID *TransactionID) (string, error)

	// SubmitRemoteTransaction processes one inbound federation transaction,
	// returning a per-PDU outcome in submission order.
	SubmitRemoteTransaction(ctx context.Context, origin spec.ServerName, pdus []*types.Event, edus []EDU) ([]PerPDUResult, error)

	// LookupEvents returns persisted events (with signatures) by id, for
	// federation /event and /get_missing_events responses.
	LookupEvents(ctx context.Context, roomID string, eventIDs []string) ([]*types.Event, error)

	// CurrentState returns the room's live resolved state map. atSN must be
	// nil: historical lookups are not supported and a non-nil atSN returns
	// an ErrInvariantViolation error.
	CurrentState(ctx context.Context, roomID string, atSN *int64) (map[types.StateKeyTuple]*types.Event, error)

	// Sync long-polls until new sn is available in any of the user's rooms,
	// a filter-specific deadline passes, or ctx is cancelled.
	Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error)

	// Backfill returns up to limit events older than beforeSN.
	Backfill(ctx context.Context, roomID string, beforeSN int64, limit int) ([]*types.Event, error)
}

// EDU is an ephemeral data unit (typing, receipts, presence, device list
// updates) carried alongside PDUs in a federation transaction.
type EDU struct {
	Type    string
	Origin  spec.ServerName
	Content []byte
}

// SyncFilter narrows which rooms/event types a sync response considers.
// Left minimal; full filter semantics are a sync-API collaborator concern
// out of this spec's scope (spec.md §1 non-goals).
type SyncFilter struct {
	RoomIDs []string
	Timeout int64 // milliseconds
}

type SyncRequest struct {
	UserID  string
	SinceSN int64
	Filter  SyncFilter
}

type SyncResponse struct {
	Events       []*types.Event
	DeviceInbox  []EDU
	NextSN       int64
	Limited      map[string]bool // room_id -> true if a timeline_gap was surfaced
}
