package input

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/matrixcore/internal/eventutil"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/auth"
	"github.com/matrixcore/matrixcore/roomserver/state"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// processRoomEvent is the core of C6: store the event, run hard and soft
// auth, calculate its before-state, and fan out a notification. It runs
// exclusively on the event's room actor (see runOnRoomActor).
func (r *Inputer) processRoomEvent(ctx context.Context, input *api.InputRoomEvent) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "processRoomEvent")
	defer span.Finish()

	event := input.Event
	span.SetTag("room_id", event.RoomID)
	span.SetTag("event_id", event.EventID)
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"event_id": event.EventID,
		"room_id":  event.RoomID,
		"type":     event.Type,
		"kind":     input.Kind.String(),
	})

	if input.Kind == api.KindOutlier {
		if existing, err := r.DB.EventsFromIDs(ctx, []string{event.EventID}); err == nil && len(existing) == 1 {
			logger.Debug("already processed outlier; ignoring")
			return event.EventID, nil
		}
	}

	if err := r.checkForMissingAuthEvents(ctx, input.Origin, event); err != nil {
		return "", fmt.Errorf("checkForMissingAuthEvents: %w", err)
	}

	authEventNIDs, authState, isRejected := r.checkHardAuth(ctx, event, input.RoomVersion, input.AuthEventIDs)

	if err := r.checkForMissingPrevEvents(ctx, input.Origin, event); err != nil {
		return "", fmt.Errorf("checkForMissingPrevEvents: %w", err)
	}

	var softFailed bool
	if input.Kind == api.KindNew && !isRejected {
		softFailed = r.checkSoftFail(ctx, event, input.RoomVersion)
	}

	roomNID, err := r.DB.GetOrCreateRoomNID(ctx, event.RoomID, input.RoomVersion)
	if err != nil {
		return "", fmt.Errorf("GetOrCreateRoomNID: %w", err)
	}

	nid, sn, alreadyExisted, err := r.DB.PutEvent(ctx, event, authEventNIDs, roomNID, input.Kind == api.KindOutlier)
	if err != nil {
		return "", fmt.Errorf("PutEvent: %w", err)
	}
	event.EventNID = nid
	event.RoomNID = roomNID
	if alreadyExisted {
		logger.Debug("event already stored; ignoring")
		return event.EventID, nil
	}

	var redactedEventID string
	var redactedBecause *types.Event
	if !isRejected && event.Type == types.MRoomRedaction {
		redactedEventID, redactedBecause, err = r.applyRedaction(ctx, event, input.RoomVersion)
		if err != nil {
			logger.WithError(err).Warn("applying redaction failed")
		}
	}

	if input.Kind == api.KindOutlier {
		logger.Debug("stored outlier")
		return event.EventID, nil
	}

	roomInfo, err := r.DB.RoomInfoByNID(ctx, roomNID)
	if err != nil || roomInfo == nil {
		return "", fmt.Errorf("RoomInfoByNID: %w", err)
	}

	stateEventIDs, err := r.calculateAndSetState(ctx, input, *roomInfo, event, isRejected || softFailed)
	if err != nil && input.Kind != api.KindOld {
		return "", fmt.Errorf("calculateAndSetState: %w", err)
	}

	if isRejected || softFailed {
		logger.WithField("soft_failed", softFailed).Debug("stored rejected/soft-failed event; not advancing room")
		if isRejected && input.Kind == api.KindNew && input.Origin == "" {
			return "", api.NewError(api.ErrAuthFailed, event.EventID, fmt.Errorf("input: event %s rejected by auth", event.EventID))
		}
		return event.EventID, nil
	}

	switch input.Kind {
	case api.KindNew:
		out := api.OutputEvent{
			Type: api.OutputTypeNewRoomEvent,
			NewRoomEvent: &api.OutputNewRoomEvent{
				Event:             event,
				SN:                sn,
				StateEventIDs:     stateEventIDs,
				MembershipChanges: membershipChanges(event, authState),
			},
		}
		if r.Notifier != nil {
			r.Notifier.Publish(event.RoomID, sn, &out)
		}
	case api.KindOld:
		out := api.OutputEvent{
			Type:         api.OutputTypeOldRoomEvent,
			OldRoomEvent: &api.OutputOldRoomEvent{Event: event},
		}
		if r.Notifier != nil {
			r.Notifier.Publish(event.RoomID, sn, &out)
		}
	}

	if redactedEventID != "" && r.Notifier != nil {
		r.Notifier.Publish(event.RoomID, sn, &api.OutputEvent{
			Type: api.OutputTypeRedactedEvent,
			RedactedEvent: &api.OutputRedactedEvent{
				RedactedEventID: redactedEventID,
				RedactedBecause: redactedBecause,
			},
		})
	}

	return event.EventID, nil
}

// checkForMissingAuthEvents resolves event's declared auth_events to NIDs,
// fetching any the local store doesn't know about from origin and storing
// them as outliers (spec.md §4.6, grounded on dendrite's
// checkForMissingAuthEvents).
func (r *Inputer) checkForMissingAuthEvents(ctx context.Context, origin spec.ServerName, event *types.Event) error {
	if len(event.AuthEvents) == 0 || r.FSAPI == nil || origin == "" {
		return nil
	}
	known, err := r.DB.EventNIDs(ctx, event.AuthEvents)
	if err != nil {
		return err
	}
	if len(known) == len(event.AuthEvents) {
		return nil
	}
	// Missing auth events are fetched as the remote's reverse-topological
	// chain and stored as outliers; the hard-auth check below resolves NIDs
	// again afterwards so a partial fetch still lets processing continue.
	fetched, ferr := r.FSAPI.QueryEventAuthFromFederation(ctx, origin, event.RoomID, event.EventID)
	if ferr != nil {
		return ferr
	}
	for _, ev := range fetched {
		roomNID, rerr := r.DB.GetOrCreateRoomNID(ctx, ev.RoomID, event.RoomVersion)
		if rerr != nil {
			return rerr
		}
		authNIDs, _ := r.DB.EventNIDs(ctx, ev.AuthEvents)
		nids := make([]types.EventNID, 0, len(authNIDs))
		for _, n := range authNIDs {
			nids = append(nids, n)
		}
		if _, _, _, err := r.DB.PutEvent(ctx, ev, nids, roomNID, true); err != nil {
			return err
		}
	}
	return nil
}

// checkForMissingPrevEvents fetches any prev_events the local store doesn't
// hold yet, one at a time via GetEvent, storing each as an outlier. A
// proper ancestor walk (get_missing_events, backfill) is C7's job; this is
// only the minimum fetch. A prev_event that cannot be fetched is recorded
// by PutEvent as a backward extremity; no placeholder row is stored.
func (r *Inputer) checkForMissingPrevEvents(ctx context.Context, origin spec.ServerName, event *types.Event) error {
	if len(event.PrevEvents) == 0 || r.FSAPI == nil || origin == "" {
		return nil
	}
	known, err := r.DB.EventNIDs(ctx, event.PrevEvents)
	if err != nil {
		return err
	}
	for _, id := range event.PrevEvents {
		if _, ok := known[id]; ok {
			continue
		}
		fetched, gerr := r.FSAPI.GetEvent(ctx, origin, id, event.RoomID)
		if gerr != nil {
			logrus.WithError(gerr).WithField("event_id", id).Debug("could not fetch missing prev_event; leaving as gap")
			continue
		}
		roomNID, rerr := r.DB.GetOrCreateRoomNID(ctx, fetched.RoomID, event.RoomVersion)
		if rerr != nil {
			return rerr
		}
		if _, _, _, err := r.DB.PutEvent(ctx, fetched, nil, roomNID, true); err != nil {
			return err
		}
	}
	return nil
}

// checkHardAuth resolves auth_events to NIDs and runs auth.Allowed against
// them (spec.md §4.4 hard auth). It never fails processing: a rejection is
// reported back via isRejected so the event is still stored, per spec.md's
// "reject, don't drop" contract.
func (r *Inputer) checkHardAuth(ctx context.Context, event *types.Event, version spec.RoomVersion, declaredAuthEventIDs []string) ([]types.EventNID, auth.MapStateProvider, bool) {
	ids := declaredAuthEventIDs
	if len(ids) == 0 {
		ids = event.AuthEvents
	}
	events, err := r.DB.EventsFromIDs(ctx, ids)
	if err != nil {
		return nil, nil, true
	}
	provider := make(auth.MapStateProvider, len(events))
	nids := make([]types.EventNID, 0, len(events))
	for i, ev := range events {
		provider[types.StateKeyTuple{EventStateKeyNID: types.EventStateKeyNID(i + 1)}] = ev
		nids = append(nids, ev.EventNID)
	}
	result := auth.Allowed(event, provider, version)
	return nids, provider, !result.Allowed
}

// checkSoftFail re-runs auth against the room's *current* resolved state
// rather than the event's declared auth_events (spec.md §4.4 soft auth).
func (r *Inputer) checkSoftFail(ctx context.Context, event *types.Event, version spec.RoomVersion) bool {
	roomInfo, err := r.DB.RoomInfo(ctx, event.RoomID)
	if err != nil || roomInfo == nil || roomInfo.StateSnapshotNID == 0 {
		return false
	}
	currentNIDs, err := r.DB.MaterializeState(ctx, roomInfo.StateSnapshotNID)
	if err != nil {
		return false
	}
	provider := make(auth.MapStateProvider, len(currentNIDs))
	for tuple, nid := range currentNIDs {
		if ev, ok := r.DB.Event(nid); ok {
			provider[tuple] = ev
		}
	}
	result := auth.Allowed(event, provider, version)
	return !result.Allowed
}

// calculateAndSetState computes the state the event saw immediately before
// it (spec.md §4.5/§4.6), records it, advances the room's live current-state
// pointer to the state after the event for committed KindNew events, and
// returns the before-state's
// event ids for the output notification's StateEventIDs.
func (r *Inputer) calculateAndSetState(ctx context.Context, input *api.InputRoomEvent, roomInfo types.Room, event *types.Event, isRejected bool) ([]string, error) {
	var snapshot types.StateSnapshotNID
	var err error

	if input.HasState {
		entries, eerr := r.DB.StateEntriesForEventIDs(ctx, input.StateEventIDs)
		if eerr != nil {
			return nil, fmt.Errorf("StateEntriesForEventIDs: %w", eerr)
		}
		entries = types.DeduplicateStateEntries(entries)
		var parentBlocks []types.StateBlockNID
		if roomInfo.StateSnapshotNID != 0 {
			parentBlocks, err = r.DB.BestStateParent(ctx, []types.StateSnapshotNID{roomInfo.StateSnapshotNID}, entries)
			if err != nil {
				return nil, fmt.Errorf("BestStateParent: %w", err)
			}
		}
		snapshot, err = r.DB.AddState(ctx, roomInfo.RoomNID, parentBlocks, entries)
	} else {
		snapshot, err = r.calculateStateFromPrevEvents(ctx, roomInfo, event)
	}
	if err != nil {
		return nil, fmt.Errorf("calculate before-state: %w", err)
	}

	if err := r.DB.SetState(ctx, event.EventNID, snapshot); err != nil {
		return nil, fmt.Errorf("SetState: %w", err)
	}

	if input.Kind == api.KindNew && !isRejected {
		current := snapshot
		if event.IsState() {
			before, merr := r.DB.MaterializeState(ctx, snapshot)
			entries, eerr := r.DB.StateEntriesForEventIDs(ctx, []string{event.EventID})
			if merr != nil || eerr != nil || len(entries) != 1 {
				return nil, fmt.Errorf("state after event: %v %v", merr, eerr)
			}
			for tuple, nid := range before {
				if tuple != entries[0].StateKeyTuple {
					entries = append(entries, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
				}
			}
			if current, err = r.DB.AddState(ctx, roomInfo.RoomNID, nil, entries); err != nil {
				return nil, fmt.Errorf("AddState: %w", err)
			}
		}
		if err := r.DB.SetRoomState(ctx, roomInfo.RoomNID, current); err != nil {
			return nil, fmt.Errorf("SetRoomState: %w", err)
		}
	}

	materialized, merr := r.DB.MaterializeState(ctx, snapshot)
	if merr != nil {
		return nil, fmt.Errorf("MaterializeState: %w", merr)
	}
	ids := make([]string, 0, len(materialized))
	for _, nid := range materialized {
		if ev, ok := r.DB.Event(nid); ok {
			ids = append(ids, ev.EventID)
		}
	}
	return ids, nil
}

// calculateStateFromPrevEvents resolves the before-state of event from the
// before-state its prev_events each saw, plus those prev_events themselves
// when they are state events (i.e. each prev_event's "state after"), then
// runs state resolution over the resulting candidate maps.
func (r *Inputer) calculateStateFromPrevEvents(ctx context.Context, roomInfo types.Room, event *types.Event) (types.StateSnapshotNID, error) {
	prevNIDs, err := r.DB.EventNIDs(ctx, event.PrevEvents)
	if err != nil {
		return 0, err
	}

	var parents []state.Map
	var parentSnapshots []types.StateSnapshotNID
	for _, id := range event.PrevEvents {
		nid, ok := prevNIDs[id]
		if !ok {
			continue
		}
		before, serr := r.DB.StateSnapshotForEvent(ctx, nid)
		if serr != nil || before == 0 {
			continue
		}
		parentSnapshots = append(parentSnapshots, before)
		flat, merr := r.DB.MaterializeState(ctx, before)
		if merr != nil {
			continue
		}
		m := make(state.Map, len(flat)+1)
		for tuple, v := range flat {
			m[tuple] = v
		}
		if prevEv, ok2 := r.DB.Event(nid); ok2 && prevEv.IsState() {
			typeNID, terr := r.DB.ResolveEventTypeNID(ctx, prevEv.Type)
			keyNID, kerr := r.DB.ResolveStateKeyNID(ctx, *prevEv.StateKey)
			if terr == nil && kerr == nil {
				m[types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: keyNID}] = nid
			}
		}
		parents = append(parents, m)
	}

	resolved, rerr := r.Resolver.ResolveConflicts(roomInfo.Version, parents)
	if rerr != nil {
		return 0, rerr
	}

	entries := make([]types.StateEntry, 0, len(resolved))
	for tuple, nid := range resolved {
		entries = append(entries, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
	}

	// The prev_events' own before-state snapshots are the candidate parent
	// frames; BestStateParent picks whichever minimizes the new block's size
	// (spec.md:87).
	parentBlocks, perr := r.DB.BestStateParent(ctx, parentSnapshots, entries)
	if perr != nil {
		return 0, perr
	}
	return r.DB.AddState(ctx, roomInfo.RoomNID, parentBlocks, entries)
}

// applyRedaction strips the target event's content in storage and returns
// its id plus the post-redaction event for the output notification.
func (r *Inputer) applyRedaction(ctx context.Context, redactionEvent *types.Event, version spec.RoomVersion) (string, *types.Event, error) {
	var content struct {
		Redacts string `json:"redacts"`
	}
	if err := json.Unmarshal(redactionEvent.Content, &content); err != nil || content.Redacts == "" {
		return "", nil, nil
	}
	target, err := r.DB.GetEvent(ctx, content.Redacts)
	if err != nil || target == nil {
		return "", nil, err
	}
	targetJSON, merr := json.Marshal(target)
	if merr != nil {
		return "", nil, merr
	}
	stripped, rerr := eventutil.Redact(targetJSON, version)
	if rerr != nil {
		return "", nil, rerr
	}
	if err := r.DB.MarkRedacted(ctx, content.Redacts, redactionEvent.EventID, stripped); err != nil {
		return "", nil, err
	}
	target.IsRedacted = true
	target.RedactsEventID = redactionEvent.EventID
	return content.Redacts, target, nil
}

// membershipChanges extracts the single (user, old, new) membership
// transition an m.room.member event represents, for the output
// notification's MembershipChanges (spec.md §4.9). Non-membership events
// yield none.
func membershipChanges(event *types.Event, authState auth.MapStateProvider) []api.MembershipChange {
	if event.Type != types.MRoomMember || event.StateKey == nil {
		return nil
	}
	newMembership := membershipOf(event)
	old := ""
	if authState != nil {
		if prev, ok := authState.Get(types.MRoomMember, *event.StateKey); ok {
			old = membershipOf(prev)
		}
	}
	return []api.MembershipChange{{UserID: *event.StateKey, Old: old, New: newMembership}}
}

func membershipOf(ev *types.Event) string {
	var content struct {
		Membership string `json:"membership"`
	}
	_ = json.Unmarshal(ev.Content, &content)
	return content.Membership
}
