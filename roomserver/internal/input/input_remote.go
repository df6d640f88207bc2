package input

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrixcore/matrixcore/internal/eventutil"
	"github.com/matrixcore/matrixcore/internal/signing"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// SubmitRemoteTransaction verifies each PDU's signature and content hash
// before routing it through the same processRoomEvent path SubmitLocal
// uses, so a federation transaction can never bypass hard auth or state
// calculation (spec.md §4.3, §6). PDUs for different rooms run concurrently,
// bounded by Inputer's room semaphore (SPEC_FULL.md §4.6/§5); PDUs for the
// same room still serialize on that room's own actor.
func (r *Inputer) SubmitRemoteTransaction(ctx context.Context, origin spec.ServerName, pdus []*types.Event, edus []api.EDU) ([]api.PerPDUResult, error) {
	results := make([]api.PerPDUResult, len(pdus))
	sem := r.roomSemaphore()

	var wg sync.WaitGroup
	for i, ev := range pdus {
		if err := r.checkRateLimit(ev.RoomID); err != nil {
			results[i] = api.PerPDUResult{EventID: ev.EventID, Error: err.Error()}
			continue
		}
		if err := r.verifyPDU(ctx, ev); err != nil {
			results[i] = api.PerPDUResult{EventID: ev.EventID, Error: err.Error()}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = api.PerPDUResult{EventID: ev.EventID, Error: err.Error()}
			continue
		}

		wg.Add(1)
		go func(i int, ev *types.Event) {
			defer wg.Done()
			defer sem.Release(1)

			eventID, err := r.runOnRoomActor(ev.RoomID, func() (string, error) {
				return r.processRoomEvent(ctx, &api.InputRoomEvent{
					Kind:         api.KindNew,
					Event:        ev,
					RoomVersion:  ev.RoomVersion,
					AuthEventIDs: ev.AuthEvents,
					Origin:       origin,
				})
			})
			if err != nil {
				results[i] = api.PerPDUResult{EventID: ev.EventID, Error: err.Error()}
				return
			}
			results[i] = api.PerPDUResult{EventID: eventID}
		}(i, ev)
	}
	wg.Wait()

	for _, edu := range edus {
		logrus.WithFields(logrus.Fields{"origin": origin, "type": edu.Type}).Debug("ignoring EDU; not this pipeline's concern")
	}

	return results, nil
}

// verifyPDU checks the event's content hash and at least one signature from
// its origin server before the event is allowed anywhere near auth or state
// calculation (spec.md §4.2 "Verification gate").
func (r *Inputer) verifyPDU(ctx context.Context, ev *types.Event) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return api.NewError(api.ErrMalformedPdu, ev.EventID, err)
	}

	ok, err := eventutil.CheckContentHash(eventJSON)
	if err != nil || !ok {
		return api.NewError(api.ErrHashMismatch, ev.EventID, err)
	}

	if r.KeyRing == nil {
		return nil
	}
	origin, derr := spec.Domain(ev.Sender)
	if derr != nil {
		return api.NewError(api.ErrMalformedPdu, ev.EventID, derr)
	}
	sigsForOrigin, ok := ev.Signatures[string(origin)]
	if !ok || len(sigsForOrigin) == 0 {
		return api.NewError(api.ErrSignatureInvalid, ev.EventID, fmt.Errorf("no signature from %s", origin))
	}
	for keyID := range sigsForOrigin {
		if verr := r.KeyRing.VerifyJSON(origin, signing.KeyID(keyID), eventJSON, ev.OriginServerTS); verr == nil {
			return nil
		}
	}
	return api.NewError(api.ErrSignatureInvalid, ev.EventID, fmt.Errorf("no valid signature from %s", origin))
}

// LookupEvents returns persisted events by id, for federation /event and
// /get_missing_events responses (spec.md §6).
func (r *Inputer) LookupEvents(ctx context.Context, roomID string, eventIDs []string) ([]*types.Event, error) {
	events, err := r.DB.EventsFromIDs(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		if ev.RoomID == roomID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CurrentState returns the room's live resolved state map. Historical
// lookups are not supported: a non-nil atSN returns an
// ErrInvariantViolation error.
func (r *Inputer) CurrentState(ctx context.Context, roomID string, atSN *int64) (map[types.StateKeyTuple]*types.Event, error) {
	if atSN != nil {
		return nil, api.NewError(api.ErrInvariantViolation, "", fmt.Errorf("input: historical state lookup not supported by this pipeline"))
	}
	roomInfo, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if roomInfo == nil || roomInfo.StateSnapshotNID == 0 {
		return map[types.StateKeyTuple]*types.Event{}, nil
	}
	flat, err := r.DB.MaterializeState(ctx, roomInfo.StateSnapshotNID)
	if err != nil {
		return nil, err
	}
	out := make(map[types.StateKeyTuple]*types.Event, len(flat))
	for tuple, nid := range flat {
		if ev, ok := r.DB.Event(nid); ok {
			out[tuple] = ev
		}
	}
	return out, nil
}

// Sync long-polls until new sn is available in one of req's rooms, the
// filter's timeout elapses, or ctx is cancelled (spec.md §6). It relies on
// the notifier's per-room wakeup channels rather than polling storage.
func (r *Inputer) Sync(ctx context.Context, req *api.SyncRequest) (*api.SyncResponse, error) {
	if r.Notifier == nil {
		return &api.SyncResponse{NextSN: req.SinceSN}, nil
	}

	timeout := time.Duration(req.Filter.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }
	timer := time.AfterFunc(timeout, closeStop)
	defer timer.Stop()
	defer closeStop()

	var maxSN int64
	limited := make(map[string]bool, len(req.Filter.RoomIDs))
	for _, roomID := range req.Filter.RoomIDs {
		if sn := r.Notifier.CurrentSN(roomID); sn > maxSN {
			maxSN = sn
		}
	}

	if maxSN <= req.SinceSN && len(req.Filter.RoomIDs) > 0 {
		woken := make(chan struct{}, len(req.Filter.RoomIDs)+1)
		for _, roomID := range req.Filter.RoomIDs {
			go func(roomID string) {
				r.Notifier.Await(roomID, req.SinceSN, stop)
				woken <- struct{}{}
			}(roomID)
		}
		select {
		case <-ctx.Done():
			closeStop()
			return &api.SyncResponse{NextSN: req.SinceSN}, nil
		case <-woken:
			closeStop()
		}
		for _, roomID := range req.Filter.RoomIDs {
			if sn := r.Notifier.CurrentSN(roomID); sn > maxSN {
				maxSN = sn
			}
		}
	}

	events, err := r.DB.GetEventsBySNRange(ctx, req.SinceSN, maxSN, 200)
	if err != nil {
		return nil, err
	}
	nextSN := req.SinceSN
	for _, ev := range events {
		if ev.SN > nextSN {
			nextSN = ev.SN
		}
	}
	return &api.SyncResponse{Events: events, NextSN: nextSN, Limited: limited}, nil
}

// Backfill returns up to limit events older than beforeSN (spec.md §6); the
// ancestor-walking, federation-fetching form of backfill lives in the DAG
// walker (C7) and calls through to the pipeline only to persist what it
// finds.
func (r *Inputer) Backfill(ctx context.Context, roomID string, beforeSN int64, limit int) ([]*types.Event, error) {
	events, err := r.DB.GetEventsBySNRange(ctx, 0, beforeSN-1, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		if ev.RoomID == roomID {
			out = append(out, ev)
		}
	}
	return out, nil
}
