// Package notifier implements C9: publishing every committed event to NATS
// for downstream consumers (sync workers, appservice bridges, push), and
// waking any local long-poll Sync callers blocked on a room's sn advancing.
package notifier

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/matrixcore/roomserver/api"
)

// SubjectPrefix starts the NATS subject every OutputEvent is published to. Consumers
// filter by room using the subject's room-id token
// ("roomserver.output.!roomid:example.org") rather than subscribing to
// individual per-room subjects, so a single durable consumer can replay the
// whole output stream in sn order.
const SubjectPrefix = "roomserver.output."

// Notifier is the C9 fanout point. Publish is called for every output
// event by the pipeline (C6) immediately after a commit, inside the
// same room actor goroutine, so publish order always matches commit order.
type Notifier struct {
	nc *nats.Conn

	mu      sync.Mutex
	waiters map[string][]chan struct{} // room id -> goroutines blocked in Sync
	sns     map[string]int64           // room id -> highest sn broadcast so far
}

// New wires a Notifier to an already-connected NATS client. A nil nc is
// accepted for tests and for single-process deployments that only care
// about the in-memory Sync wakeups, not durable fanout.
func New(nc *nats.Conn) *Notifier {
	return &Notifier{
		nc:      nc,
		waiters: make(map[string][]chan struct{}),
		sns:     make(map[string]int64),
	}
}

// Publish fans out ev for roomID, advances the room's broadcast sn, and
// wakes any goroutine blocked in Await for this room.
func (n *Notifier) Publish(roomID string, sn int64, ev *api.OutputEvent) {
	if n.nc != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Error("notifier: marshal output event")
		} else if err := n.nc.Publish(SubjectPrefix+roomID, payload); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("notifier: publish to NATS failed")
		}
	}

	n.mu.Lock()
	if sn > n.sns[roomID] {
		n.sns[roomID] = sn
	}
	waiters := n.waiters[roomID]
	delete(n.waiters, roomID)
	n.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// CurrentSN returns the highest sn this Notifier has broadcast for roomID.
func (n *Notifier) CurrentSN(roomID string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sns[roomID]
}

// Await blocks until roomID's broadcast sn exceeds sinceSN, or stop fires.
// It returns immediately if that is already true.
func (n *Notifier) Await(roomID string, sinceSN int64, stop <-chan struct{}) {
	n.mu.Lock()
	if n.sns[roomID] > sinceSN {
		n.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	n.waiters[roomID] = append(n.waiters[roomID], ch)
	n.mu.Unlock()

	select {
	case <-ch:
	case <-stop:
	}
}
