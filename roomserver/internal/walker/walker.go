// Package walker implements C7, the DAG walker: closing timeline gaps by
// fetching a room's missing backward history from federation, and
// maintaining the auth-chain index backfilled rooms need for state
// resolution over their older events (spec.md §4.7).
package walker

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/matrixcore/internal/spec"
	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/roomserver/internal/gaptracker"
	"github.com/matrixcore/matrixcore/roomserver/internal/input"
	"github.com/matrixcore/matrixcore/roomserver/storage"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// maxBackfillServers bounds how many candidate servers one backfill request
// tries before giving up, so a run of dead servers can't stall a sync
// response indefinitely.
const maxBackfillServers = 5

// Walker closes timeline gaps (spec.md §4.2/§4.7 state S3) by asking
// candidate servers for the events between a room's backward extremities
// and the gap's far edge, then feeding what it gets back through the
// pipeline as KindOld so auth, redaction and notification all still apply.
type Walker struct {
	DB      storage.Database
	Inputer *input.Inputer
	FSAPI   fedapi.FederationInternalAPI
	Gaps    *gaptracker.Tracker

	// PreferServers moves those of CloseGap's (capped) destinations that it
	// lists to the front, in its order; servers it lists that are not among
	// the destinations are not tried.
	PreferServers []spec.ServerName
}

// CloseGap fetches up to limit ancestor events for roomID from destinations
// (tried in order, capped at maxBackfillServers), feeds what it gets back
// through the pipeline, and clears the room's recorded timeline gaps once
// its backward extremities are all either resolved or still genuinely
// unreachable after the walk.
func (w *Walker) CloseGap(ctx context.Context, roomID string, roomVersion spec.RoomVersion, destinations []spec.ServerName, limit int) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "walker.CloseGap")
	defer span.Finish()
	span.SetTag("room_id", roomID)

	roomNID, err := w.DB.GetOrCreateRoomNID(ctx, roomID, roomVersion)
	if err != nil {
		return fmt.Errorf("walker: room nid: %w", err)
	}

	backward, err := w.DB.BackwardExtremities(ctx, roomNID)
	if err != nil {
		return fmt.Errorf("walker: backward extremities: %w", err)
	}
	if len(backward) == 0 {
		return nil
	}

	forwardNIDs, err := w.DB.ForwardExtremities(ctx, roomNID)
	if err != nil {
		return fmt.Errorf("walker: forward extremities: %w", err)
	}
	var latest []string
	for _, nid := range forwardNIDs {
		if ev, ok := w.DB.Event(nid); ok {
			latest = append(latest, ev.EventID)
		}
	}

	tried := destinations
	if len(tried) > maxBackfillServers {
		tried = tried[:maxBackfillServers]
	}

	var fetched []*types.Event
	var lastErr error
	for _, dest := range preferOrdered(tried, w.PreferServers) {
		events, gerr := w.FSAPI.GetMissingEvents(ctx, dest, roomID, backward, latest, limit)
		if gerr != nil {
			lastErr = gerr
			logrus.WithError(gerr).WithFields(logrus.Fields{"room_id": roomID, "server": dest}).Debug("walker: get_missing_events failed, trying next server")
			continue
		}
		fetched = events
		break
	}
	if fetched == nil {
		if lastErr != nil {
			return fmt.Errorf("walker: no server could serve missing events: %w", lastErr)
		}
		return nil
	}

	if err := w.Inputer.InputBackfillEvents(ctx, roomVersion, fetched); err != nil {
		return fmt.Errorf("walker: commit backfilled events: %w", err)
	}

	stillMissing := w.unresolvedIDs(ctx, backward, fetched)
	diff := types.ExtremitiesDiff{
		RemoveBackward: resolvedOf(backward, stillMissing),
		AddBackward:    newGapsIn(fetched, stillMissing),
	}
	if len(diff.RemoveBackward) > 0 || len(diff.AddBackward) > 0 {
		if err := w.DB.UpdateExtremities(ctx, roomNID, diff); err != nil {
			return fmt.Errorf("walker: update extremities: %w", err)
		}
	}

	for _, id := range diff.RemoveBackward {
		if err := w.DB.CloseTimelineGap(ctx, roomNID, id); err != nil {
			logrus.WithError(err).WithField("event_id", id).Warn("walker: close timeline gap")
		}
	}
	if len(stillMissing) == 0 && w.Gaps != nil {
		w.Gaps.NotifyClosed(roomID)
	}

	return nil
}

// unresolvedIDs returns the subset of backward that is neither among the
// fetched events nor already stored locally, meaning the gap extends
// further back than this fetch reached.
func (w *Walker) unresolvedIDs(ctx context.Context, backward []string, fetched []*types.Event) []string {
	have := make(map[string]bool, len(fetched))
	for _, ev := range fetched {
		have[ev.EventID] = true
	}
	var missing []string
	for _, id := range backward {
		if !have[id] {
			if known, err := w.DB.EventNIDs(ctx, []string{id}); err == nil {
				if _, ok := known[id]; ok {
					continue
				}
			}
			missing = append(missing, id)
		}
	}
	return missing
}

func resolvedOf(backward, stillMissing []string) []string {
	missing := make(map[string]bool, len(stillMissing))
	for _, id := range stillMissing {
		missing[id] = true
	}
	var resolved []string
	for _, id := range backward {
		if !missing[id] {
			resolved = append(resolved, id)
		}
	}
	return resolved
}

// newGapsIn finds prev_events referenced by fetched events that are
// themselves neither in fetched nor in alreadyMissing, meaning the walk
// uncovered a new backward extremity deeper in the history. The local
// store is not consulted.
func newGapsIn(fetched []*types.Event, alreadyMissing []string) []string {
	have := make(map[string]bool, len(fetched))
	for _, ev := range fetched {
		have[ev.EventID] = true
	}
	seen := make(map[string]bool, len(alreadyMissing))
	for _, id := range alreadyMissing {
		seen[id] = true
	}
	var out []string
	for _, ev := range fetched {
		for _, prev := range ev.PrevEvents {
			if !have[prev] && !seen[prev] {
				seen[prev] = true
				out = append(out, prev)
			}
		}
	}
	return out
}

// preferOrdered moves any server named in prefer to the front of
// candidates, preserving relative order otherwise, so a configured
// preferred-server list (e.g. a well-connected perspective server) is tried
// before the room's own member servers.
func preferOrdered(candidates, prefer []spec.ServerName) []spec.ServerName {
	if len(prefer) == 0 {
		return candidates
	}
	preferSet := make(map[spec.ServerName]bool, len(prefer))
	for _, p := range prefer {
		preferSet[p] = true
	}
	out := make([]spec.ServerName, 0, len(candidates))
	for _, p := range prefer {
		for _, c := range candidates {
			if c == p {
				out = append(out, c)
			}
		}
	}
	for _, c := range candidates {
		if !preferSet[c] {
			out = append(out, c)
		}
	}
	return out
}
