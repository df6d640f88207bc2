// Package state implements state resolution (spec.md §4.5): given the
// state maps at each of a candidate event's forward parents, compute the
// resolved state the event sees. Two algorithms are implemented, selected
// by spec.StateResAlgorithmForRoomVersion: the room-version-1 priority
// algorithm and the room-version-2-onward (mainline ordering) algorithm
// used by every later room version.
package state

import (
	"encoding/json"
	"sort"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/auth"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Map is a resolved or candidate state: one event per (type, state key) slot.
type Map map[types.StateKeyTuple]types.EventNID

// Clone returns a shallow copy, since resolution mutates its working map in
// place while iterating.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventLookup resolves an event by EventNID or by its string event id. Both
// roomserver storage and tests (via a map-backed fake) implement this.
type EventLookup interface {
	Event(nid types.EventNID) (*types.Event, bool)
	EventByID(eventID string) (*types.Event, bool)
}

// AuthChainProvider returns the transitive closure of a set of events'
// auth_events. Memoization is left to the implementation (roomserver/storage
// keeps results in its event_auth_chains table keyed by
// types.AuthChainCacheKey), so this interface expresses "give me the union of these events'
// individual auth chains" without mandating how it's cached.
type AuthChainProvider interface {
	AuthChain(nids []types.EventNID) ([]types.EventNID, error)
}

// Resolver runs state resolution against a concrete event store and
// auth-chain provider.
type Resolver struct {
	Events     EventLookup
	AuthChains AuthChainProvider
}

// ResolveConflicts computes the state map seen by an event with multiple
// forward-parent states, per spec.md §4.5. A single input map is returned
// unchanged (no conflict to resolve).
func (r *Resolver) ResolveConflicts(version spec.RoomVersion, parents []Map) (Map, error) {
	if len(parents) == 0 {
		return Map{}, nil
	}
	if len(parents) == 1 {
		return parents[0].Clone(), nil
	}
	switch spec.StateResAlgorithmForRoomVersion(version) {
	case spec.StateResV1:
		return r.resolveV1(version, parents)
	default:
		return r.resolveV2(version, parents)
	}
}

// resolveV1 implements the room-version-1 algorithm: conflicts are
// resolved by picking, per conflicting slot, the event with the highest
// sender power level at the time, breaking ties by the oldest (smallest)
// origin_server_ts, then the lexicographically smallest sender, then the
// smallest event id. Unlike v2 it
// does not compute an auth-difference set or mainline-order non-power
// events; it is a direct per-slot comparison.
func (r *Resolver) resolveV1(version spec.RoomVersion, parents []Map) (Map, error) {
	unconflicted, conflicted := partition(parents)
	resolved := unconflicted.Clone()

	powerLevelsEvent := r.stateEvent(unconflicted, types.MRoomPowerLevelsNID)
	createEvent := r.stateEvent(unconflicted, types.MRoomCreateNID)
	var powerLevelsContent []byte
	if powerLevelsEvent != nil {
		powerLevelsContent = powerLevelsEvent.Content
	}

	for tuple, candidates := range conflicted {
		best, err := r.pickByPowerAndRecency(candidates, powerLevelsContent, createEvent)
		if err != nil {
			return nil, err
		}
		resolved[tuple] = best
	}
	return resolved, nil
}

// stateEvent returns the unconflicted state's event for (typeNID,
// emptyStateKey), or nil if that slot is absent or itself conflicted (e.g.
// the power_levels event is one of the events in dispute).
func (r *Resolver) stateEvent(unconflicted Map, typeNID types.EventTypeNID) *types.Event {
	tuple := types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: types.EmptyStateKeyNID}
	nid, ok := unconflicted[tuple]
	if !ok {
		return nil
	}
	ev, ok := r.Events.Event(nid)
	if !ok {
		return nil
	}
	return ev
}

// pickByPowerAndRecency resolves a single conflicted slot by the room-
// version-1 algorithm (spec.md §4.5): the candidate whose sender holds the
// highest power level (per powerLevelsContent, falling back to
// createEvent's implied defaults when the room has no power_levels event
// yet) wins; ties break by oldest origin_server_ts, then smallest sender,
// then smallest event id.
func (r *Resolver) pickByPowerAndRecency(candidates []types.EventNID, powerLevelsContent []byte, createEvent *types.Event) (types.EventNID, error) {
	type scored struct {
		nid   types.EventNID
		ev    *types.Event
		power int
	}
	var scoredList []scored
	for _, nid := range candidates {
		ev, ok := r.Events.Event(nid)
		if !ok {
			continue
		}
		scoredList = append(scoredList, scored{
			nid:   nid,
			ev:    ev,
			power: auth.SenderPowerLevel(ev.Sender, powerLevelsContent, createEvent),
		})
	}
	if len(scoredList) == 0 {
		return 0, nil
	}
	sort.Slice(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.power != b.power {
			return a.power > b.power
		}
		if a.ev.OriginServerTS != b.ev.OriginServerTS {
			return a.ev.OriginServerTS < b.ev.OriginServerTS
		}
		if a.ev.Sender != b.ev.Sender {
			return a.ev.Sender < b.ev.Sender
		}
		return a.ev.EventID < b.ev.EventID
	})
	return scoredList[0].nid, nil
}

// partition splits the union of parent states into slots where every
// parent agrees (unconflicted) and slots where they don't (conflicted,
// mapping to every distinct candidate event seen across parents).
func partition(parents []Map) (unconflicted Map, conflicted map[types.StateKeyTuple][]types.EventNID) {
	seen := make(map[types.StateKeyTuple]map[types.EventNID]struct{})
	order := make(map[types.StateKeyTuple][]types.EventNID)
	allTuples := make(map[types.StateKeyTuple]struct{})

	for _, parent := range parents {
		for tuple, nid := range parent {
			allTuples[tuple] = struct{}{}
			if seen[tuple] == nil {
				seen[tuple] = make(map[types.EventNID]struct{})
			}
			if _, ok := seen[tuple][nid]; !ok {
				seen[tuple][nid] = struct{}{}
				order[tuple] = append(order[tuple], nid)
			}
		}
	}

	unconflicted = Map{}
	conflicted = make(map[types.StateKeyTuple][]types.EventNID)
	for tuple := range allTuples {
		candidates := order[tuple]
		allPresent := true
		for _, parent := range parents {
			if _, ok := parent[tuple]; !ok {
				allPresent = false
				break
			}
		}
		if allPresent && len(candidates) == 1 {
			unconflicted[tuple] = candidates[0]
			continue
		}
		conflicted[tuple] = candidates
	}
	return unconflicted, conflicted
}

// membershipOf reads the `membership` field of an m.room.member
// event's content, used to classify power events.
func membershipOf(ev *types.Event) string {
	var content struct {
		Membership string `json:"membership"`
	}
	_ = json.Unmarshal(ev.Content, &content)
	return content.Membership
}

// isPowerEvent identifies the event classes state-res v2 orders and applies
// before anything else: m.room.power_levels, m.room.join_rules, and
// membership changes that are ban/leave/kick-shaped (i.e. not join/invite).
func isPowerEvent(ev *types.Event) bool {
	switch ev.Type {
	case types.MRoomPowerLevels, types.MRoomJoinRules:
		return true
	case types.MRoomMember:
		switch membershipOf(ev) {
		case types.MembershipBan, types.MembershipLeave:
			return true
		}
		return false
	default:
		return false
	}
}
