package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/id"
	"pulseq/internal/log"
	"pulseq/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Replayer, *queue.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	queues, err := config.NewQueues("dlq", time.Hour,
		config.QueueConfig{Name: "open", Key: "queue:open", MaxSize: 100, BatchSize: 10, TTL: time.Hour},
		config.QueueConfig{Name: "full", Key: "queue:full", MaxSize: 1, BatchSize: 10, TTL: time.Hour},
	)
	require.NoError(t, err)
	node, err := id.NewNode(4)
	require.NoError(t, err)
	svc := queue.NewService(rdb, queues, node, queue.Options{WorkerID: "w"}, log.NewNop())
	return NewReplayer(svc.DeadLetters, svc.Enqueuer, log.NewNop()), svc, mr
}

func TestReplayReturnsItemsToOriginQueue(t *testing.T) {
	r, svc, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, svc.DeadLetters.Send(ctx, "open", queue.WorkItem{ID: "1", Source: "s", Payload: "p1"}, errors.New("x")))
	require.NoError(t, svc.DeadLetters.Send(ctx, "open", queue.WorkItem{ID: "2", Source: "s", Payload: "p2"}, errors.New("x")))

	res, err := r.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 2}, res)

	items, err := svc.Dequeuer.DequeueBatch(ctx, "open", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "p2", items[1].Payload)

	n, err := svc.DeadLetters.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayKeepsEntriesForFullOrUnknownQueues(t *testing.T) {
	r, svc, mr := setup(t)
	ctx := context.Background()
	ok, err := svc.Enqueuer.Enqueue(ctx, "full", queue.WorkItem{Source: "s", Payload: "occupying"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.DeadLetters.Send(ctx, "full", queue.WorkItem{ID: "1", Source: "s", Payload: "p1"}, errors.New("x")))
	require.NoError(t, svc.DeadLetters.Send(ctx, "gone", queue.WorkItem{ID: "2", Source: "s", Payload: "p2"}, errors.New("x")))
	require.NoError(t, svc.DeadLetters.Send(ctx, "open", queue.WorkItem{ID: "3", Source: "s", Payload: "p3"}, errors.New("x")))
	_, err = mr.Push("dlq", "{garbage")
	require.NoError(t, err)

	res, err := r.Replay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 1, Returned: 1, Parked: 2}, res)

	left, err := mr.List("dlq")
	require.NoError(t, err)
	require.Len(t, left, 3)
	assert.Equal(t, "{garbage", left[2])

	peeked, err := r.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "full", peeked[0].Queue)
	assert.Equal(t, "gone", peeked[1].Queue)
}

func TestReplayParksUnplaceableEntriesBehindValidOnes(t *testing.T) {
	r, svc, mr := setup(t)
	ctx := context.Background()
	_, err := mr.Push("dlq", "{garbage")
	require.NoError(t, err)
	require.NoError(t, svc.DeadLetters.Send(ctx, "gone", queue.WorkItem{ID: "1", Source: "s", Payload: "p1"}, errors.New("x")))
	require.NoError(t, svc.DeadLetters.Send(ctx, "open", queue.WorkItem{ID: "2", Source: "s", Payload: "p2"}, errors.New("x")))

	res, err := r.Replay(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Result{Parked: 1}, res)
	res, err = r.Replay(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Result{Parked: 1}, res)
	res, err = r.Replay(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 1}, res)

	items, err := svc.Dequeuer.DequeueBatch(ctx, "open", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].ID)

	left, err := mr.List("dlq")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "{garbage", left[0])
}

type downEnqueuer struct{ calls int }

func (d *downEnqueuer) Enqueue(context.Context, string, queue.WorkItem) (bool, error) {
	d.calls++
	return false, nil
}

func TestReplayStopsEnqueueingWhenStoreIsDown(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, svc.DeadLetters.Send(ctx, "open", queue.WorkItem{ID: id, Source: "s", Payload: id}, errors.New("x")))
	}
	enq := &downEnqueuer{}
	r := NewReplayer(svc.DeadLetters, enq, log.NewNop())

	res, err := r.Replay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Returned: 3}, res)
	assert.Equal(t, 1, enq.calls)
}
