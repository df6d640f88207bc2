package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// queuedTransaction is one pending send: a signed txnID plus the PDUs/EDUs
// bound for it, queued as a unit so a retry resends exactly what was
// originally batched.
type queuedTransaction struct {
	txnID string
	pdus  []*types.Event
	edus  []fedapi.EDUEvent
}

// worker drains one destination's pending transactions in order. A
// destination with an open circuit breaker is not dialed at all; the worker
// keeps hold of the transaction and re-checks the breaker every 100ms until
// it closes, rather than requeueing it or setting a timer per item.
type worker struct {
	destination spec.ServerName
	queue       *Queue
	pending     chan queuedTransaction
	inFlight    *atomic.Int32
}

func (w *worker) run() {
	log := logrus.WithField("destination", w.destination)
	for txn := range w.pending {
		observeSendQueueDepth(-1)
		w.deliver(log, txn)
	}
}

func (w *worker) deliver(log *logrus.Entry, txn queuedTransaction) {
	for attempt := 0; attempt <= w.queue.Config.MaxRetries; attempt++ {
		for w.queue.isCircuitOpen(w.destination) {
			time.Sleep(100 * time.Millisecond)
		}
		for w.inFlight.Load() >= w.queue.Config.MaxInFlightPerDest {
			time.Sleep(10 * time.Millisecond)
		}

		w.inFlight.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := w.queue.Sender.SendTransaction(ctx, w.destination, txn.txnID, txn.pdus, txn.edus)
		cancel()
		w.inFlight.Dec()
		if err == nil {
			w.queue.recordSuccess(w.destination)
			return
		}

		log.WithError(err).WithFields(logrus.Fields{
			"txn_id":  txn.txnID,
			"attempt": attempt,
		}).Warn("federationapi/queue: transaction delivery failed, backing off")
		w.queue.recordFailure(w.destination)
	}
	log.WithField("txn_id", txn.txnID).Error("federationapi/queue: transaction exhausted retries, dropping")
}
