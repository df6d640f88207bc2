package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/federationapi/queue"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

type fakeSender struct {
	mu        sync.Mutex
	attempts  int
	failUntil int // SendTransaction fails for the first N attempts
}

func (f *fakeSender) SendTransaction(ctx context.Context, destination spec.ServerName, txnID string, pdus []*types.Event, edus []fedapi.EDUEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failUntil {
		return errors.New("destination unreachable")
	}
	return nil
}

func (f *fakeSender) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestSendTransaction_RetriesUntilSuccess(t *testing.T) {
	sender := &fakeSender{failUntil: 2}
	q := queue.New(sender, nil, queue.Config{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})

	ev := &types.Event{EventID: "$a:test.example.org", RoomID: "!room:test.example.org"}
	err := q.SendTransaction(context.Background(), "far.example.org", []*types.Event{ev}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sender.Attempts() == 3
	}, 2*time.Second, time.Millisecond, "expected exactly 3 attempts (2 failures then a success)")
}

func TestSendTransaction_EmptyBatchIsNoop(t *testing.T) {
	sender := &fakeSender{}
	q := queue.New(sender, nil, queue.Config{})

	err := q.SendTransaction(context.Background(), "far.example.org", nil, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sender.Attempts())
}

func TestSendTransaction_SeparateDestinationsDoNotBlockEachOther(t *testing.T) {
	slow := &fakeSender{failUntil: 1000} // never succeeds within the test window
	q := queue.New(slow, nil, queue.Config{MaxRetries: 0, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	ev := &types.Event{EventID: "$a:test.example.org", RoomID: "!room:test.example.org"}
	require.NoError(t, q.SendTransaction(context.Background(), "stuck.example.org", []*types.Event{ev}, nil))

	fast := &fakeSender{}
	q2 := queue.New(fast, nil, queue.Config{})
	require.NoError(t, q2.SendTransaction(context.Background(), "fast.example.org", []*types.Event{ev}, nil))

	require.Eventually(t, func() bool {
		return fast.Attempts() == 1
	}, time.Second, time.Millisecond)
}
