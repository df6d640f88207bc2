// Package auth implements the room-version authorization rules (spec.md
// §4.4): given a candidate event and a state map, decide whether the event
// is allowed. The package is deliberately side-effect free — it never
// touches storage or the network — so that property 4 ("auth purity") holds
// by construction: the same (event, state, version) triple always yields
// the same verdict.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// StateProvider resolves the single event occupying a (type, state_key)
// slot in the state map an auth decision is being made against. Both the
// pipeline (working from a materialized state frame) and the state
// resolver (working from a partial candidate map) implement this over
// their own representations.
type StateProvider interface {
	Get(eventType, stateKey string) (*types.Event, bool)
}

// MapStateProvider is a StateProvider backed by a plain map, convenient for
// tests and for the resolver's iterative-apply step.
type MapStateProvider map[types.StateKeyTuple]*types.Event

// Get implements StateProvider over (type string, state key string) by
// doing the type->NID lookup via the event's own string fields rather than
// interned NIDs, since auth operates before or independent of interning.
func (m MapStateProvider) Get(eventType, stateKey string) (*types.Event, bool) {
	for _, ev := range m {
		if ev.Type == eventType && ev.StateKeyEquals(stateKey) {
			return ev, true
		}
	}
	return nil, false
}

// Result is the outcome of an authorization decision.
type Result struct {
	Allowed bool
	Reason  string
}

func reject(format string, args ...interface{}) Result {
	return Result{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

var allowed = Result{Allowed: true}

// Allowed decides whether event may be accepted given the state declared by
// its auth_events (hard auth) or the room's current state (soft auth) —
// the caller chooses which state to pass. It never returns an error: every
// malformed input is a rejection with an explanatory reason, matching
// spec.md's "pure function" requirement for C4.
func Allowed(event *types.Event, state StateProvider, version spec.RoomVersion) Result {
	if event.Type == types.MRoomCreate {
		return checkCreate(event, state)
	}

	create, ok := state.Get(types.MRoomCreate, "")
	if !ok {
		return reject("no m.room.create in auth state")
	}

	powerLevels, hasPL := state.Get(types.MRoomPowerLevels, "")
	levels := defaultPowerLevels(create)
	if hasPL {
		if err := json.Unmarshal(powerLevels.Content, &levels); err != nil {
			return reject("malformed power_levels content: %v", err)
		}
	}

	senderMembership, _ := memberContent(state, event.Sender)
	if event.Type != types.MRoomMember && senderMembership != types.MembershipJoin {
		return reject("sender %s is not joined to the room", event.Sender)
	}

	switch event.Type {
	case types.MRoomMember:
		return checkMembership(event, state, levels, version)
	case types.MRoomPowerLevels:
		return checkPowerLevels(event, state, levels)
	case types.MRoomJoinRules:
		return checkStateChange(event, levels, levels.stateLevel(event.Type))
	case types.MRoomHistoryVisibility:
		return checkStateChange(event, levels, levels.stateLevel(event.Type))
	case types.MRoomThirdPartyInvite:
		return checkThirdPartyInvite(event, levels)
	case types.MRoomRedaction:
		return checkRedaction(event, levels)
	default:
		return checkGenericEvent(event, levels)
	}
}

func checkCreate(event *types.Event, state StateProvider) Result {
	if event.StateKey == nil || *event.StateKey != "" {
		return reject("m.room.create must have an empty state_key")
	}
	if len(event.PrevEvents) != 0 {
		return reject("m.room.create must not have prev_events")
	}
	var content struct {
		RoomVersion string `json:"room_version"`
		Creator     string `json:"creator"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return reject("malformed create content: %v", err)
	}
	if content.RoomVersion != "" && !spec.RoomVersion(content.RoomVersion).Supported() {
		return reject("unsupported room_version %q", content.RoomVersion)
	}
	return allowed
}

func checkMembership(event *types.Event, state StateProvider, levels powerLevels, version spec.RoomVersion) Result {
	if event.StateKey == nil {
		return reject("m.room.member must have a state_key")
	}
	target := *event.StateKey
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return reject("malformed member content: %v", err)
	}

	targetCurrent, _ := memberContent(state, target)
	senderCurrent, _ := memberContent(state, event.Sender)
	targetPL := levels.forUser(target)
	senderPL := levels.forUser(event.Sender)

	switch content.Membership {
	case types.MembershipJoin:
		if event.Sender != target {
			return reject("cannot join on behalf of another user")
		}
		create, ok := state.Get(types.MRoomCreate, "")
		if ok && isFirstJoinByCreator(create, event) {
			return allowed
		}
		joinRule := currentJoinRule(state)
		switch joinRule {
		case "public":
			if targetCurrent == types.MembershipBan {
				return reject("banned users cannot join")
			}
			return allowed
		case "invite", "knock":
			if targetCurrent == types.MembershipInvite || targetCurrent == types.MembershipJoin {
				return allowed
			}
			return reject("join_rule %q requires an invite", joinRule)
		case "restricted":
			if targetCurrent == types.MembershipBan {
				return reject("banned users cannot join")
			}
			if targetCurrent == types.MembershipInvite || targetCurrent == types.MembershipJoin {
				return allowed
			}
			return allowed // restricted-join authorisation server check is out of scope for this engine
		default:
			return reject("unknown join_rule %q", joinRule)
		}
	case types.MembershipInvite:
		if senderCurrent != types.MembershipJoin {
			return reject("only joined members can invite")
		}
		if targetCurrent == types.MembershipBan || targetCurrent == types.MembershipJoin {
			return reject("cannot invite a banned or already-joined user")
		}
		if senderPL < levels.Invite {
			return reject("sender power level %d below invite level %d", senderPL, levels.Invite)
		}
		return allowed
	case types.MembershipLeave:
		if event.Sender == target {
			if targetCurrent == types.MembershipBan {
				return reject("banned users cannot leave on their own")
			}
			return allowed
		}
		if targetCurrent == types.MembershipBan {
			if senderPL < levels.Ban {
				return reject("sender power level %d below ban level %d", senderPL, levels.Ban)
			}
			return allowed
		}
		if senderPL < levels.Kick {
			return reject("sender power level %d below kick level %d", senderPL, levels.Kick)
		}
		if targetPL >= senderPL && event.Sender != target {
			return reject("cannot kick a user with power level >= sender")
		}
		return allowed
	case types.MembershipBan:
		if senderPL < levels.Ban {
			return reject("sender power level %d below ban level %d", senderPL, levels.Ban)
		}
		if targetPL >= senderPL {
			return reject("cannot ban a user with power level >= sender")
		}
		return allowed
	case types.MembershipKnock:
		joinRule := currentJoinRule(state)
		if joinRule != "knock" && joinRule != "knock_restricted" {
			return reject("join_rule %q does not permit knocking", joinRule)
		}
		if event.Sender != target {
			return reject("cannot knock on behalf of another user")
		}
		if targetCurrent == types.MembershipBan || targetCurrent == types.MembershipJoin {
			return reject("cannot knock while banned or already joined")
		}
		return allowed
	default:
		return reject("unknown membership %q", content.Membership)
	}
}

func isFirstJoinByCreator(create *types.Event, event *types.Event) bool {
	var content struct {
		Creator string `json:"creator"`
	}
	_ = json.Unmarshal(create.Content, &content)
	return len(event.PrevEvents) == 1 && event.PrevEvents[0] == create.EventID && event.Sender == content.Creator
}

func checkPowerLevels(event *types.Event, state StateProvider, current powerLevels) Result {
	senderPL := current.forUser(event.Sender)
	if senderPL < current.stateLevel(event.Type) {
		return reject("sender power level %d below state default %d", senderPL, current.stateLevel(event.Type))
	}
	var next powerLevels
	if err := json.Unmarshal(event.Content, &next); err != nil {
		return reject("malformed power_levels content: %v", err)
	}
	next.fillDefaults(current)

	// A sender may not grant power greater than their own, nor change any
	// existing user's level to or from a value they could not themselves set.
	if next.UsersDefault > senderPL || next.EventsDefault > senderPL || next.StateDefault > senderPL ||
		next.Ban > senderPL || next.Kick > senderPL || next.Redact > senderPL || next.Invite > senderPL {
		return reject("cannot set a power level field above sender's own level %d", senderPL)
	}
	for user, level := range next.Users {
		oldLevel := current.forUser(user)
		if (level > senderPL || oldLevel > senderPL) && level != oldLevel {
			return reject("cannot change power level of %s above sender's own level %d", user, senderPL)
		}
	}
	return allowed
}

func checkStateChange(event *types.Event, levels powerLevels, required int) Result {
	senderPL := levels.forUser(event.Sender)
	if senderPL < required {
		return reject("sender power level %d below required %d for %s", senderPL, required, event.Type)
	}
	return allowed
}

func checkThirdPartyInvite(event *types.Event, levels powerLevels) Result {
	senderPL := levels.forUser(event.Sender)
	if senderPL < levels.Invite {
		return reject("sender power level %d below invite level %d", senderPL, levels.Invite)
	}
	return allowed
}

func checkRedaction(event *types.Event, levels powerLevels) Result {
	senderPL := levels.forUser(event.Sender)
	if senderPL < levels.Redact {
		return reject("sender power level %d below redact level %d", senderPL, levels.Redact)
	}
	return allowed
}

func checkGenericEvent(event *types.Event, levels powerLevels) Result {
	required := levels.EventsDefault
	if event.IsState() {
		required = levels.stateLevel(event.Type)
	}
	if levels.forUser(event.Sender) < required {
		return reject("sender power level below required level %d for %s", required, event.Type)
	}
	return allowed
}

func memberContent(state StateProvider, userID string) (string, bool) {
	ev, ok := state.Get(types.MRoomMember, userID)
	if !ok {
		return "", false
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", false
	}
	return content.Membership, true
}

func currentJoinRule(state StateProvider) string {
	ev, ok := state.Get(types.MRoomJoinRules, "")
	if !ok {
		return "invite"
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "invite"
	}
	return content.JoinRule
}

