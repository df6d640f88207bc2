// Package queue implements federationapi/api.FederationInternalAPI's
// SendTransaction: one retrying worker per destination server, so a slow or
// down remote homeserver only ever backs up its own queue rather than
// blocking transactions bound for everyone else (C8, spec.md §6
// send_transaction plus the federation-queue behaviour dendrite's own
// federationsender adds on top).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/federationapi/storage"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Sender is the network half a worker calls into; federationapi/client.Client
// satisfies it. Kept as a narrow interface so tests can supply a fake.
type Sender interface {
	SendTransaction(ctx context.Context, destination spec.ServerName, txnID string, pdus []*types.Event, edus []fedapi.EDUEvent) error
}

// Config tunes retry/backoff and concurrency, sourced from
// internal/config.FederationAPI at process start.
type Config struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MaxInFlightPerDest int32
	QueueLength        int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 16
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.MaxInFlightPerDest <= 0 {
		c.MaxInFlightPerDest = 4
	}
	if c.QueueLength <= 0 {
		c.QueueLength = 128
	}
	return c
}

// breakerState is what the go-cache entry for a destination holds: the
// consecutive failure count feeding the exponential backoff calculation.
// The cache entry's own TTL (set to the computed backoff duration) is the
// circuit breaker itself — while the entry is present, the destination is
// open and sends are deferred until it expires, which is the half-open
// transition.
type breakerState struct {
	failureCount uint32
}

// Queue owns one worker goroutine per destination server that has ever been
// sent a transaction, draining that destination's pending PDUs/EDUs in
// order with retry and exponential backoff.
type Queue struct {
	Sender Sender
	DB     storage.Database
	Config Config

	breakers *gocache.Cache // destination -> *breakerState

	mu       sync.Mutex
	workers  map[spec.ServerName]*worker
	inFlight map[spec.ServerName]*atomic.Int32
}

// New builds a Queue and reseeds its in-memory breaker state from db's
// recorded retry state, so a process restart doesn't forget a destination
// was recently failing.
func New(sender Sender, db storage.Database, cfg Config) *Queue {
	q := &Queue{
		Sender:   sender,
		DB:       db,
		Config:   cfg.withDefaults(),
		breakers: gocache.New(gocache.NoExpiration, time.Minute),
		workers:  make(map[spec.ServerName]*worker),
		inFlight: make(map[spec.ServerName]*atomic.Int32),
	}
	if db != nil {
		if states, err := db.AllRetryStates(context.Background()); err == nil {
			now := time.Now().UnixMilli()
			for dest, state := range states {
				if state.RetryUntil > now {
					q.breakers.Set(string(dest), &breakerState{failureCount: state.FailureCount},
						time.Duration(state.RetryUntil-now)*time.Millisecond)
				}
			}
		}
	}
	return q
}

// SendTransaction enqueues pdus/edus for delivery to destination, starting
// that destination's worker on first use. It returns as soon as the
// transaction is queued; delivery success/failure is handled by the worker.
func (q *Queue) SendTransaction(ctx context.Context, destination spec.ServerName, pdus []*types.Event, edus []fedapi.EDUEvent) error {
	if len(pdus) == 0 && len(edus) == 0 {
		return nil
	}
	w := q.workerFor(destination)
	txn := queuedTransaction{txnID: uuid.NewString(), pdus: pdus, edus: edus}
	select {
	case w.pending <- txn:
		observeSendQueueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) workerFor(destination spec.ServerName) *worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[destination]; ok {
		return w
	}
	inFlight := atomic.NewInt32(0)
	q.inFlight[destination] = inFlight
	w := &worker{
		destination: destination,
		queue:       q,
		inFlight:    inFlight,
		pending:     make(chan queuedTransaction, q.Config.QueueLength),
	}
	q.workers[destination] = w
	go w.run()
	return w
}

// isCircuitOpen reports whether destination is currently backed off.
func (q *Queue) isCircuitOpen(destination spec.ServerName) bool {
	_, found := q.breakers.Get(string(destination))
	return found
}

// recordFailure increments destination's failure count, opens the circuit
// for an exponentially growing (capped) duration, and persists the state so
// it survives a restart.
func (q *Queue) recordFailure(destination spec.ServerName) {
	var failureCount uint32 = 1
	if cached, ok := q.breakers.Get(string(destination)); ok {
		failureCount = cached.(*breakerState).failureCount + 1
	}
	backoff := q.Config.BackoffBase * time.Duration(1<<minInt(failureCount, 20))
	if backoff > q.Config.BackoffCap || backoff <= 0 {
		backoff = q.Config.BackoffCap
	}
	q.breakers.Set(string(destination), &breakerState{failureCount: failureCount}, backoff)

	if q.DB != nil {
		retryUntil := time.Now().Add(backoff).UnixMilli()
		if err := q.DB.UpsertRetryState(context.Background(), destination, failureCount, retryUntil); err != nil {
			logrus.WithError(err).WithField("destination", destination).Warn("federationapi/queue: failed to persist retry state")
		}
	}
}

// recordSuccess closes destination's circuit and clears its persisted
// backoff state.
func (q *Queue) recordSuccess(destination spec.ServerName) {
	q.breakers.Delete(string(destination))
	if q.DB != nil {
		if err := q.DB.DeleteRetryState(context.Background(), destination); err != nil {
			logrus.WithError(err).WithField("destination", destination).Warn("federationapi/queue: failed to clear retry state")
		}
	}
}

func minInt(a uint32, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Depth returns the number of transactions currently queued across every
// destination, for diagnostics.
func (q *Queue) Depth() int {
	return int(sendQueueDepthValue.Load())
}
