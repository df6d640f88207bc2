package api

import "github.com/matrixcore/matrixcore/roomserver/types"

// OutputType classifies what kind of thing C9 published for one commit, the
// same style as dendrite's OutputNewRoomEvent/OutputOldRoomEvent union.
type OutputType string

const (
	OutputTypeNewRoomEvent    OutputType = "new_room_event"
	OutputTypeOldRoomEvent    OutputType = "old_room_event"
	OutputTypeRedactedEvent   OutputType = "redacted_event"
	OutputTypeNewInviteEvent  OutputType = "new_invite_event"
	OutputTypeRetireInviteEvent OutputType = "retire_invite_event"
)

// OutputEvent is the envelope the pipeline publishes to C9 after a commit
// (spec.md §4.9: "(room, sn, event_id, membership_changes)").
type OutputEvent struct {
	Type OutputType

	NewRoomEvent    *OutputNewRoomEvent
	OldRoomEvent    *OutputOldRoomEvent
	RedactedEvent   *OutputRedactedEvent
}

// OutputNewRoomEvent is published for every KindNew event that commits
// without being rejected or soft-failed.
type OutputNewRoomEvent struct {
	Event             *types.Event
	SN                int64
	StateEventIDs     []string // full state before this event, by id
	MembershipChanges []MembershipChange
	TimelineGap       *TimelineGap // set if a gap was recorded alongside this event
}

// MembershipChange is one (user, old, new) membership transition extracted
// from an m.room.member event, consumed by sync workers to know whose
// timelines to touch (spec.md §4.9).
type MembershipChange struct {
	UserID string
	Old    string
	New    string
}

// TimelineGap records that a room has an unfetchable backward extremity at
// the point this event committed (spec.md §4.2, §4.7 S3).
type TimelineGap struct {
	RoomID  string
	SN      int64
	EventID string
}

// OutputOldRoomEvent is published for backfilled (KindOld) events, which
// don't move the room's live timeline cursor.
type OutputOldRoomEvent struct {
	Event *types.Event
}

// OutputRedactedEvent notifies that committing an event resulted in another
// event being redacted (spec.md §4.6 "Redactions").
type OutputRedactedEvent struct {
	RedactedEventID string
	RedactedBecause *types.Event
}
