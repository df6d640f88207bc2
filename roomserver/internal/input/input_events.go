// Package input implements C6, the event pipeline: turning a local
// submission or a federation transaction into a stored, authed, state-linked
// event and a fanout notification. Every write for a given room runs on
// that room's own phony.Inbox actor, so two events for the same room never
// race on prev_events/state calculation while unrelated rooms still process
// concurrently — SPEC_FULL.md §4.6.
package input

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/semaphore"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/internal/backpressure"
	"github.com/matrixcore/matrixcore/internal/eventutil"
	"github.com/matrixcore/matrixcore/internal/signing"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/auth"
	"github.com/matrixcore/matrixcore/roomserver/internal/gaptracker"
	"github.com/matrixcore/matrixcore/roomserver/internal/notifier"
	"github.com/matrixcore/matrixcore/roomserver/state"
	"github.com/matrixcore/matrixcore/roomserver/storage"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "matrixcore",
		Subsystem: "roomserver",
		Name:      "processroomevent_duration_millis",
		Help:      "How long it takes the roomserver to process one input event",
		Buckets:   []float64{5, 10, 25, 50, 75, 100, 250, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"room_id"},
)

// roomActor serializes every InputRoomEvent submitted for one room onto a
// single goroutine via its embedded Inbox, so state calculation for two
// concurrently-arriving events in the same room never interleaves.
type roomActor struct {
	phony.Inbox
}

// Inputer is the C6 pipeline. It holds everything processRoomEvent needs to
// authenticate, store and fan out an event, but exposes only the
// roomserver/api.Inbound surface to the rest of the module.
type Inputer struct {
	DB         storage.Database
	Resolver   *state.Resolver
	KeyRing    *signing.KeyRing
	Notifier   *notifier.Notifier
	Gaps       *gaptracker.Tracker
	FSAPI      fedapi.FederationInternalAPI
	ServerName spec.ServerName
	KeyID      signing.KeyID
	PrivateKey ed25519.PrivateKey

	// Limiter throttles per-room submission bursts (SPEC_FULL.md §5). A nil
	// Limiter, like a disabled one, never throttles.
	Limiter *backpressure.Limiter

	// MaxConcurrentRooms bounds how many distinct rooms a single
	// SubmitRemoteTransaction batch fans out across at once. Zero uses a
	// default of 64; the room actors still serialize same-room work on top
	// of this.
	MaxConcurrentRooms int

	actorsMu sync.Mutex
	actors   map[string]*roomActor

	semOnce sync.Once
	sem     *semaphore.Weighted
}

// roomSemaphore lazily builds the weighted semaphore that bounds how many
// rooms SubmitRemoteTransaction processes in parallel within one batch.
func (r *Inputer) roomSemaphore() *semaphore.Weighted {
	r.semOnce.Do(func() {
		n := int64(r.MaxConcurrentRooms)
		if n <= 0 {
			n = 64
		}
		r.sem = semaphore.NewWeighted(n)
	})
	return r.sem
}

// checkRateLimit reports whether roomID may accept another submission right
// now, returning the ErrRateLimited taxonomy error SubmitLocal/
// SubmitRemoteTransaction surface to their caller when it can't.
func (r *Inputer) checkRateLimit(roomID string) error {
	if r.Limiter == nil || r.Limiter.Allow(roomID) {
		return nil
	}
	return api.NewError(api.ErrRateLimited, "", fmt.Errorf("room %s is over its submission rate limit", roomID))
}

var _ api.Inbound = (*Inputer)(nil)

func (r *Inputer) actorFor(roomID string) *roomActor {
	r.actorsMu.Lock()
	defer r.actorsMu.Unlock()
	if r.actors == nil {
		r.actors = make(map[string]*roomActor)
	}
	a, ok := r.actors[roomID]
	if !ok {
		a = &roomActor{}
		r.actors[roomID] = a
	}
	return a
}

type actorResult struct {
	eventID string
	err     error
}

// runOnRoomActor queues fn onto roomID's actor and blocks for its result,
// giving callers a synchronous API while still forcing every event for a
// room through a single serialization point.
func (r *Inputer) runOnRoomActor(roomID string, fn func() (string, error)) (string, error) {
	actor := r.actorFor(roomID)
	done := make(chan actorResult, 1)
	actor.Act(nil, func() {
		id, err := fn()
		done <- actorResult{id, err}
	})
	res := <-done
	return res.eventID, res.err
}

// SubmitLocal builds a complete PDU for a locally-authored event (prev
// events from the room's forward extremities, auth events from its current
// state, content hash, event id and signature) and feeds it through the
// same processRoomEvent path a federated PDU takes.
func (r *Inputer) SubmitLocal(ctx context.Context, roomID, sender, eventType string, stateKey *string, content []byte, txnID *api.TransactionID) (string, error) {
	if err := r.checkRateLimit(roomID); err != nil {
		return "", err
	}
	if txnID != nil {
		deviceID := strconv.FormatInt(txnID.SessionID, 10)
		if existing, ok, err := r.DB.CheckIdempotent(ctx, sender, deviceID, roomID, txnID.TransactionID); err == nil && ok {
			return existing, nil
		}
	}

	roomInfo, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return "", api.NewError(api.ErrInvariantViolation, "", fmt.Errorf("input: room info: %w", err))
	}
	if roomInfo == nil {
		return "", api.NewError(api.ErrMalformedPdu, "", fmt.Errorf("input: unknown room %s", roomID))
	}

	ev, err := r.buildLocalEvent(ctx, *roomInfo, sender, eventType, stateKey, content)
	if err != nil {
		return "", err
	}

	eventID, err := r.runOnRoomActor(roomID, func() (string, error) {
		return r.processRoomEvent(ctx, &api.InputRoomEvent{
			Kind:         api.KindNew,
			Event:        ev,
			RoomVersion:  roomInfo.Version,
			AuthEventIDs: ev.AuthEvents,
		})
	})
	if err != nil {
		return "", err
	}

	if txnID != nil {
		deviceID := strconv.FormatInt(txnID.SessionID, 10)
		_ = r.DB.RecordIdempotent(ctx, sender, deviceID, roomID, txnID.TransactionID, eventID)
	}
	return eventID, nil
}

// buildLocalEvent stamps prev_events/depth from the room's forward
// extremities, derives auth_events from current state, and produces a
// signed, hashed, identified PDU ready for PutEvent.
func (r *Inputer) buildLocalEvent(ctx context.Context, roomInfo types.Room, sender, eventType string, stateKey *string, content []byte) (*types.Event, error) {
	forwardNIDs, err := r.DB.ForwardExtremities(ctx, roomInfo.RoomNID)
	if err != nil {
		return nil, api.NewError(api.ErrInvariantViolation, "", fmt.Errorf("input: forward extremities: %w", err))
	}

	var prevEventIDs []string
	var maxDepth int64
	for _, nid := range forwardNIDs {
		pe, ok := r.DB.Event(nid)
		if !ok {
			continue
		}
		prevEventIDs = append(prevEventIDs, pe.EventID)
		if pe.Depth > maxDepth {
			maxDepth = pe.Depth
		}
	}

	authEventIDs, err := r.authEventIDsForNewEvent(ctx, roomInfo, sender, eventType, stateKey)
	if err != nil {
		return nil, err
	}

	ev := &types.Event{
		RoomID:         roomInfo.RoomID,
		RoomVersion:    roomInfo.Version,
		Type:           eventType,
		Sender:         sender,
		StateKey:       stateKey,
		Content:        json.RawMessage(content),
		PrevEvents:     prevEventIDs,
		AuthEvents:     authEventIDs,
		Depth:          maxDepth + 1,
		OriginServerTS: nowMillis(),
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, api.NewError(api.ErrMalformedPdu, "", err)
	}
	eventJSON, err = eventutil.AddContentHash(eventJSON)
	if err != nil {
		return nil, api.NewError(api.ErrMalformedPdu, "", err)
	}
	eventID, err := eventutil.DeriveEventID(eventJSON, roomInfo.Version)
	if err != nil {
		return nil, api.NewError(api.ErrMalformedPdu, "", err)
	}
	if roomInfo.Version.EventIDFormat() != spec.EventIDFormatReferenceHash {
		eventJSON, err = sjsonSetEventID(eventJSON, eventID)
		if err != nil {
			return nil, api.NewError(api.ErrMalformedPdu, "", err)
		}
	}
	if r.PrivateKey != nil {
		eventJSON, err = signing.SignEvent(r.ServerName, r.KeyID, r.PrivateKey, eventJSON)
		if err != nil {
			return nil, api.NewError(api.ErrSignatureInvalid, eventID, err)
		}
	}

	var final types.Event
	if err := json.Unmarshal(eventJSON, &final); err != nil {
		return nil, api.NewError(api.ErrMalformedPdu, eventID, err)
	}
	final.EventID = eventID
	final.RoomVersion = roomInfo.Version
	return &final, nil
}

// authEventIDsForNewEvent selects the m.room.create, m.room.power_levels,
// m.room.join_rules and sender-membership events current state holds, the
// minimal auth set every event type needs (spec.md §4.4); membership events
// additionally pull in the target's own membership. Third-party invites
// are not added.
func (r *Inputer) authEventIDsForNewEvent(ctx context.Context, roomInfo types.Room, sender, eventType string, stateKey *string) ([]string, error) {
	if roomInfo.StateSnapshotNID == 0 {
		return nil, nil
	}
	current, err := r.DB.MaterializeState(ctx, roomInfo.StateSnapshotNID)
	if err != nil {
		return nil, api.NewError(api.ErrInvariantViolation, "", fmt.Errorf("input: materialize current state: %w", err))
	}

	var nids []types.EventNID
	want := []types.StateKeyTuple{
		{EventTypeNID: types.MRoomCreateNID, EventStateKeyNID: types.EmptyStateKeyNID},
		{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID},
		{EventTypeNID: types.MRoomJoinRulesNID, EventStateKeyNID: types.EmptyStateKeyNID},
	}
	for _, tuple := range want {
		if nid, ok := current[tuple]; ok {
			nids = append(nids, nid)
		}
	}

	senderKeyNID, err := r.stateKeyNID(ctx, sender)
	if err == nil {
		if nid, ok := current[types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: senderKeyNID}]; ok {
			nids = append(nids, nid)
		}
	}

	if eventType == types.MRoomMember && stateKey != nil && *stateKey != sender {
		targetKeyNID, terr := r.stateKeyNID(ctx, *stateKey)
		if terr == nil {
			if nid, ok := current[types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: targetKeyNID}]; ok {
				nids = append(nids, nid)
			}
		}
	}

	out := make([]string, 0, len(nids))
	seen := make(map[types.EventNID]struct{}, len(nids))
	for _, nid := range nids {
		if _, dup := seen[nid]; dup {
			continue
		}
		seen[nid] = struct{}{}
		if ev, ok := r.DB.Event(nid); ok {
			out = append(out, ev.EventID)
		}
	}
	return out, nil
}

func (r *Inputer) stateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	return r.DB.ResolveStateKeyNID(ctx, stateKey)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func sjsonSetEventID(eventJSON []byte, eventID string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(eventJSON, &m); err != nil {
		return nil, err
	}
	m["event_id"] = eventID
	return json.Marshal(m)
}
