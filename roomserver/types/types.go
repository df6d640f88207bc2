// Copyright 2024 The matrixcore Authors.
//
// Package types holds the interned-ID data model the room server builds its
// storage and state resolution around: every event, event type, state key
// and resolved-state snapshot is identified by a small sequential integer
// (a "NID") rather than by its string form, so that joins, comparisons and
// in-memory sets stay cheap even for rooms with a long history.
package types

import (
	"encoding/json"
	"sort"

	"github.com/matrixcore/matrixcore/internal/spec"
)

// EventNID identifies a persisted event row. It is assigned once, on first
// insert, and never reused or renumbered.
type EventNID int64

// EventTypeNID identifies an interned event `type` string (e.g. "m.room.create").
type EventTypeNID int64

// EventStateKeyNID identifies an interned `state_key` string.
type EventStateKeyNID int64

// RoomNID identifies a room.
type RoomNID int64

// StateSnapshotNID identifies a resolved state frame (spec.md's "state frame").
type StateSnapshotNID int64

// StateBlockNID identifies one delta layer within a state frame's chain.
type StateBlockNID int64

// Well-known interned NIDs. Every room, regardless of version, references
// m.room.create and the empty state key, so these are assigned fixed values
// at schema creation instead of being looked up every time.
const (
	EmptyStateKeyNID EventStateKeyNID = 1

	MRoomCreateNID           EventTypeNID = 1
	MRoomPowerLevelsNID      EventTypeNID = 2
	MRoomJoinRulesNID        EventTypeNID = 3
	MRoomMemberNID           EventTypeNID = 4
	MRoomThirdPartyInviteNID EventTypeNID = 5
	MRoomHistoryVisibilityNID EventTypeNID = 6
	MRoomRedactionNID        EventTypeNID = 7
)

// Event-type strings recognised by the auth engine. All other event types
// are treated as opaque content, per spec.md §9's "polymorphic event
// content" design note.
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomRedaction         = "m.room.redaction"
	MRoomAliases           = "m.room.aliases"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
)

// Membership values used on m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// StateKeyTuple identifies one (event_type, state_key) slot in a state map —
// spec.md's "state field".
type StateKeyTuple struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
}

// LessThan orders tuples first by type, then by state key, matching the
// ordering state resolution and storage both rely on for binary search and
// for deterministic delta diffing.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventTypeNID != b.EventTypeNID {
		return a.EventTypeNID < b.EventTypeNID
	}
	return a.EventStateKeyNID < b.EventStateKeyNID
}

// StateEntry is one resolved (type, state_key) -> event mapping.
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// StateEntryList is a set of StateEntry sharing a StateBlockNID (one delta
// layer of a state frame's chain).
type StateEntryList struct {
	StateBlockNID StateBlockNID
	StateEntries  []StateEntry
}

// StateBlockNIDList pairs a StateSnapshotNID with the ordered chain of
// StateBlockNIDs that must be materialized (base-to-tip) to reconstruct it.
type StateBlockNIDList struct {
	StateSnapshotNID StateSnapshotNID
	StateBlockNIDs   []StateBlockNID
}

// Event is a persisted PDU together with the room-server metadata attached
// at commit time (spec.md §3 "Metadata attached on persist").
type Event struct {
	EventNID    EventNID         `json:"-"`
	RoomNID     RoomNID          `json:"-"`
	RoomVersion spec.RoomVersion `json:"room_version,omitempty"`

	EventID    string   `json:"event_id"`
	RoomID     string   `json:"room_id"`
	Type       string   `json:"type"`
	Sender     string   `json:"sender"`
	StateKey   *string         `json:"state_key,omitempty"`
	Content    json.RawMessage `json:"content"` // raw canonical JSON content object
	PrevEvents []string        `json:"prev_events"`
	AuthEvents []string        `json:"auth_events"`
	Depth      int64           `json:"depth"`

	OriginServerTS int64                        `json:"origin_server_ts"`
	Hashes         map[string]string            `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`

	SN                  int64 `json:"-"` // server-wide monotonic sequence (spec.md §3 "sn")
	StreamOrdering      int64 `json:"-"` // per-room monotonic
	TopologicalOrdering int64 `json:"-"` // == Depth

	IsOutlier       bool   `json:"-"`
	SoftFailed      bool   `json:"-"`
	IsRejected      bool   `json:"-"`
	IsRedacted      bool   `json:"-"`
	RejectionReason string `json:"-"`
	RedactsEventID  string `json:"-"` // set when Type == m.room.redaction
	WorkerID        *int64 `json:"-"` // open question in spec.md §9: optional provenance only, never queried on
}

// AuthEventNIDs returns the EventNIDs of an event's declared auth_events,
// resolved against a lookup table built by the caller (storage or a state
// map), skipping any id that lookup doesn't know about.
func AuthEventNIDs(authEventIDs []string, lookup map[string]EventNID) []EventNID {
	nids := make([]EventNID, 0, len(authEventIDs))
	for _, id := range authEventIDs {
		if nid, ok := lookup[id]; ok {
			nids = append(nids, nid)
		}
	}
	return nids
}

// StateKeyEquals reports whether the event is a state event with the given
// state key (the empty string is a valid, common state key).
func (e *Event) StateKeyEquals(key string) bool {
	return e.StateKey != nil && *e.StateKey == key
}

// IsState reports whether the event carries a state_key at all.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// Room is the top-level record spec.md §3 describes: version, current
// resolved state pointer, and a couple of denormalized flags.
type Room struct {
	RoomNID       RoomNID
	RoomID        string
	Version       spec.RoomVersion
	StateSnapshotNID StateSnapshotNID
	MinDepth      int64
	IsPublic      bool
	Disabled      bool
	HasAuthChainIndex bool
}

// StateAtEvent captures, for one event being processed by the pipeline, the
// state snapshot that existed immediately before it and whether the pipeline
// chose to overwrite rather than merge that snapshot (see spec.md §4.6's
// "HasState" federated-join path).
type StateAtEvent struct {
	EventNID         EventNID
	BeforeStateSnapshotNID StateSnapshotNID
	Overwrite        bool
}

// AuthChainCacheKey derives the compact cache key used by
// internal/caching's auth-chain memoization: the sorted, comma-joined
// decimal NIDs of the input set. See SPEC_FULL.md §3.
func AuthChainCacheKey(nids []EventNID) string {
	sorted := append([]EventNID(nil), nids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var buf []byte
	for i, n := range sorted {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendInt(buf, int64(n))
	}
	return string(buf)
}

func appendInt(buf []byte, n int64) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	neg := n < 0
	if neg {
		n = -n
	}
	start := len(buf)
	for n > 0 {
		buf = append(buf, byte('0'+n%10))
		n /= 10
	}
	if neg {
		buf = append(buf, '-')
	}
	// reverse the digits we just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

// DeduplicateStateEntries removes exact duplicate (StateKeyTuple, EventNID)
// pairs, preserving the first occurrence's position. Entries sharing a
// StateKeyTuple but disagreeing on EventNID are both kept — that is a real
// conflict for the resolver to settle, not a duplicate.
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	seen := make(map[StateEntry]struct{}, len(entries))
	out := make([]StateEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// ExtremitiesDiff describes how a room's forward/backward extremity sets
// should change as a result of committing one non-outlier event (spec.md
// §4.7 "Extremity maintenance").
type ExtremitiesDiff struct {
	AddForward     []string
	RemoveForward  []string
	AddBackward    []string
	RemoveBackward []string
}
