package state

import (
	"sort"

	"golang.org/x/exp/maps"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/auth"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// resolveV2 implements the mainline-ordering algorithm used by every room
// version from 2 onward (spec.md §4.5 steps 1-6).
func (r *Resolver) resolveV2(version spec.RoomVersion, parents []Map) (Map, error) {
	unconflicted, conflicted := partition(parents)

	conflictedSet := map[types.EventNID]struct{}{}
	for _, candidates := range conflicted {
		for _, nid := range candidates {
			conflictedSet[nid] = struct{}{}
		}
	}

	authDiff, err := r.authDifference(conflictedSet)
	if err != nil {
		return nil, err
	}

	fullConflictedSet := map[types.EventNID]struct{}{}
	for nid := range conflictedSet {
		fullConflictedSet[nid] = struct{}{}
	}
	for nid := range authDiff {
		fullConflictedSet[nid] = struct{}{}
	}

	// maps.Keys gives an arbitrary-order snapshot of the set; sort it so two
	// runs over the same conflicted set always feed reverseTopologicalPowerOrder
	// and mainlineOrder the same starting slice.
	fullConflictedNIDs := maps.Keys(fullConflictedSet)
	sort.Slice(fullConflictedNIDs, func(i, j int) bool { return fullConflictedNIDs[i] < fullConflictedNIDs[j] })

	var powerEvents, otherEvents []types.EventNID
	for _, nid := range fullConflictedNIDs {
		ev, ok := r.Events.Event(nid)
		if !ok {
			continue
		}
		if isPowerEvent(ev) {
			powerEvents = append(powerEvents, nid)
		} else {
			otherEvents = append(otherEvents, nid)
		}
	}

	ordered, err := r.reverseTopologicalPowerOrder(powerEvents)
	if err != nil {
		return nil, err
	}

	resolved := unconflicted.Clone()
	resolved = r.iterativeApply(version, resolved, ordered)

	mainlineOrdered := r.mainlineOrder(resolved, otherEvents)
	resolved = r.iterativeApply(version, resolved, mainlineOrdered)

	for tuple, nid := range unconflicted {
		resolved[tuple] = nid
	}

	return resolved, nil
}

// authDifference computes auth-chain(conflicted) minus the intersection of
// per-event auth chains, per spec.md §4.5 step 2: events that appear in at
// least one conflicting event's auth chain but not in all of them.
func (r *Resolver) authDifference(conflicted map[types.EventNID]struct{}) (map[types.EventNID]struct{}, error) {
	if len(conflicted) == 0 {
		return map[types.EventNID]struct{}{}, nil
	}
	chains := make([]map[types.EventNID]struct{}, 0, len(conflicted))
	for nid := range conflicted {
		chain, err := r.AuthChains.AuthChain([]types.EventNID{nid})
		if err != nil {
			return nil, err
		}
		set := make(map[types.EventNID]struct{}, len(chain))
		for _, c := range chain {
			set[c] = struct{}{}
		}
		chains = append(chains, set)
	}

	union := map[types.EventNID]struct{}{}
	for _, set := range chains {
		for nid := range set {
			union[nid] = struct{}{}
		}
	}
	intersection := map[types.EventNID]struct{}{}
	for nid := range union {
		inAll := true
		for _, set := range chains {
			if _, ok := set[nid]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			intersection[nid] = struct{}{}
		}
	}

	diff := map[types.EventNID]struct{}{}
	for nid := range union {
		if _, ok := intersection[nid]; !ok {
			diff[nid] = struct{}{}
		}
	}
	return diff, nil
}

// reverseTopologicalPowerOrder orders power events so that auth
// dependencies come before dependents, breaking ties by
// (-origin_server_ts, sender, event_id) per spec.md §4.5 step 3.
func (r *Resolver) reverseTopologicalPowerOrder(nids []types.EventNID) ([]types.EventNID, error) {
	events := make(map[types.EventNID]*types.Event, len(nids))
	for _, nid := range nids {
		if ev, ok := r.Events.Event(nid); ok {
			events[nid] = ev
		}
	}

	inThisSet := func(id string) bool {
		for nid, ev := range events {
			if ev.EventID == id {
				_ = nid
				return true
			}
		}
		return false
	}

	indegree := map[types.EventNID]int{}
	dependents := map[types.EventNID][]types.EventNID{}
	idToNID := map[string]types.EventNID{}
	for nid, ev := range events {
		idToNID[ev.EventID] = nid
	}
	for nid, ev := range events {
		for _, authID := range ev.AuthEvents {
			if !inThisSet(authID) {
				continue
			}
			dep := idToNID[authID]
			dependents[dep] = append(dependents[dep], nid)
			indegree[nid]++
		}
	}

	less := func(a, b types.EventNID) bool {
		ea, eb := events[a], events[b]
		if ea.OriginServerTS != eb.OriginServerTS {
			return ea.OriginServerTS > eb.OriginServerTS // -ts: higher ts sorts first
		}
		if ea.Sender != eb.Sender {
			return ea.Sender < eb.Sender
		}
		return ea.EventID < eb.EventID
	}

	var ready []types.EventNID
	for nid := range events {
		if indegree[nid] == 0 {
			ready = append(ready, nid)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var result []types.EventNID
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)
		var newlyReady []types.EventNID
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return less(newlyReady[i], newlyReady[j]) })
		ready = append(ready, newlyReady...)
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
	}
	return result, nil
}

// mainlineOrder orders the remaining conflicted+auth-diff non-power events
// by their distance from the resolved power-level event's mainline
// (spec.md §4.5 step 5), falling back to the same tie-break as power
// events for events with no mainline ancestor.
func (r *Resolver) mainlineOrder(resolvedSoFar Map, nids []types.EventNID) []types.EventNID {
	mainline := r.buildMainline(resolvedSoFar)

	type scored struct {
		nid      types.EventNID
		distance int
		ev       *types.Event
	}
	var scoredList []scored
	for _, nid := range nids {
		ev, ok := r.Events.Event(nid)
		if !ok {
			continue
		}
		scoredList = append(scoredList, scored{nid: nid, ev: ev, distance: r.mainlineDistance(ev, mainline)})
	}
	sort.Slice(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.ev.OriginServerTS != b.ev.OriginServerTS {
			return a.ev.OriginServerTS > b.ev.OriginServerTS
		}
		if a.ev.Sender != b.ev.Sender {
			return a.ev.Sender < b.ev.Sender
		}
		return a.ev.EventID < b.ev.EventID
	})
	result := make([]types.EventNID, len(scoredList))
	for i, s := range scoredList {
		result[i] = s.nid
	}
	return result
}

// buildMainline walks the power-level event chain starting from the
// resolved state's current m.room.power_levels, following its auth_events'
// power-level ancestry, returning event ids in mainline order (closest
// first).
func (r *Resolver) buildMainline(resolved Map) []string {
	nid, ok := resolved[types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID}]
	if !ok {
		return nil
	}
	var mainline []string
	seen := map[types.EventNID]struct{}{}
	for {
		if _, dup := seen[nid]; dup {
			break
		}
		seen[nid] = struct{}{}
		ev, ok := r.Events.Event(nid)
		if !ok {
			break
		}
		mainline = append(mainline, ev.EventID)
		next, found := nextPowerLevelsAncestor(r, ev)
		if !found {
			break
		}
		nid = next
	}
	return mainline
}

// nextPowerLevelsAncestor resolves ev's own declared auth_events (by id, via
// EventLookup.EventByID) and returns the NID of the one that is itself an
// m.room.power_levels event, if any.
func nextPowerLevelsAncestor(r *Resolver, ev *types.Event) (types.EventNID, bool) {
	for _, authID := range ev.AuthEvents {
		candidate, ok := r.Events.EventByID(authID)
		if !ok {
			continue
		}
		if candidate.Type == types.MRoomPowerLevels {
			return candidate.EventNID, true
		}
	}
	return 0, false
}

// mainlineDistance counts how many mainline hops separate ev's closest
// power-levels ancestor from the mainline's root; events with no mainline
// ancestor sort after every event that has one.
func (r *Resolver) mainlineDistance(ev *types.Event, mainline []string) int {
	if len(mainline) == 0 {
		return len(mainline) + 1
	}
	seen := map[string]bool{}
	for ev != nil && !seen[ev.EventID] {
		seen[ev.EventID] = true
		for i, id := range mainline {
			if ev.EventID == id {
				return len(mainline) - 1 - i
			}
		}
		next, found := nextPowerLevelsAncestor(r, ev)
		if !found {
			break
		}
		ev, _ = r.Events.Event(next)
	}
	return len(mainline)
}

// iterativeApply walks ordered events and, for each, runs C4 against the
// state accumulated so far; accepted events enter resolved, rejected ones
// are dropped (spec.md §4.5 step 4).
func (r *Resolver) iterativeApply(version spec.RoomVersion, resolved Map, ordered []types.EventNID) Map {
	for _, nid := range ordered {
		ev, ok := r.Events.Event(nid)
		if !ok {
			continue
		}
		provider := r.stateProviderFor(resolved)
		result := auth.Allowed(ev, provider, version)
		if !result.Allowed {
			continue
		}
		if ev.IsState() {
			resolved[types.StateKeyTuple{EventTypeNID: typeNIDFor(ev.Type), EventStateKeyNID: stateKeyNIDFor(*ev.StateKey)}] = nid
		}
	}
	return resolved
}

func (r *Resolver) stateProviderFor(resolved Map) auth.StateProvider {
	return mapLookupProvider{resolver: r, state: resolved}
}

type mapLookupProvider struct {
	resolver *Resolver
	state    Map
}

func (p mapLookupProvider) Get(eventType, stateKey string) (*types.Event, bool) {
	tuple := types.StateKeyTuple{EventTypeNID: typeNIDFor(eventType), EventStateKeyNID: stateKeyNIDFor(stateKey)}
	nid, ok := p.state[tuple]
	if !ok {
		return nil, false
	}
	return p.resolver.Events.Event(nid)
}
