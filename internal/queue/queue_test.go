package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/id"
	"pulseq/internal/log"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	qTiny   = "tiny"
	qMain   = "main"
	keyMain = "queue:test:main"
	keyTiny = "queue:test:tiny"
	keyDLQ  = "queue:test:dead_letter"
)

type harness struct {
	svc  *Service
	mr   *miniredis.Miniredis
	rdb  *redis.Client
	logs *observer.ObservedLogs
}

func testQueues(t *testing.T) *config.Queues {
	t.Helper()
	q, err := config.NewQueues(keyDLQ, 48*time.Hour,
		config.QueueConfig{Name: qTiny, Key: keyTiny, MaxSize: 1, BatchSize: 10, TTL: time.Hour},
		config.QueueConfig{Name: qMain, Key: keyMain, MaxSize: 100, BatchSize: 2, TTL: time.Hour},
	)
	require.NoError(t, err)
	return q
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	core, logs := observer.New(zapcore.InfoLevel)
	node, err := id.NewNode(1)
	require.NoError(t, err)
	if opts.WorkerID == "" {
		opts.WorkerID = "w1"
	}
	svc := NewService(rdb, testQueues(t), node, opts, log.FromZap(zap.New(core)))
	return &harness{svc: svc, mr: mr, rdb: rdb, logs: logs}
}

func (h *harness) enqueue(t *testing.T, queue, payload string) {
	t.Helper()
	ok, err := h.svc.Enqueuer.Enqueue(context.Background(), queue, WorkItem{Source: "s", Payload: payload})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) depth(t *testing.T, queue string) int64 {
	t.Helper()
	n, err := h.svc.Store.Len(context.Background(), queue)
	require.NoError(t, err)
	return n
}

func (h *harness) deadLetters(t *testing.T) []DeadLetterEntry {
	t.Helper()
	if !h.mr.Exists(keyDLQ) {
		return nil
	}
	raw, err := h.mr.List(keyDLQ)
	require.NoError(t, err)
	entries := make([]DeadLetterEntry, len(raw))
	for i, r := range raw {
		require.NoError(t, json.Unmarshal([]byte(r), &entries[i]))
	}
	return entries
}

func payloads(items []WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Payload
	}
	return out
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	ok, err := h.svc.Enqueuer.Enqueue(ctx, qTiny, WorkItem{Source: "s", Payload: "p1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.Enqueuer.Enqueue(ctx, qTiny, WorkItem{Source: "s", Payload: "p2"})
	assert.False(t, ok)
	var bp *BackpressureError
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, qTiny, bp.Queue)
	assert.Equal(t, int64(1), bp.MaxSize)
	assert.Equal(t, int64(1), h.depth(t, qTiny))
}

func TestStrictAdmissionRejectsWhenFull(t *testing.T) {
	h := newHarness(t, Options{AdmissionMode: config.AdmissionStrict})
	ctx := context.Background()

	h.enqueue(t, qTiny, "p1")
	ok, err := h.svc.Enqueuer.Enqueue(ctx, qTiny, WorkItem{Source: "s", Payload: "p2"})
	assert.False(t, ok)
	assert.True(t, IsBackpressure(err))
	assert.Equal(t, int64(1), h.depth(t, qTiny))
	assert.Equal(t, time.Hour, h.mr.TTL(keyTiny))
}

func TestEnqueueFillsIDAndTimestampAndRefreshesTTL(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, qMain, "p1")

	raw, err := h.mr.List(keyMain)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var item WorkItem
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &item))
	assert.NotEmpty(t, item.ID)
	assert.False(t, item.EnqueuedAt.IsZero())
	assert.Equal(t, "s", item.Source)
	assert.Equal(t, time.Hour, h.mr.TTL(keyMain))

	h.mr.FastForward(30 * time.Minute)
	h.enqueue(t, qMain, "p2")
	assert.Equal(t, time.Hour, h.mr.TTL(keyMain))
}

func TestEnqueueKeepsCallerID(t *testing.T) {
	h := newHarness(t, Options{})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ok, err := h.svc.Enqueuer.Enqueue(context.Background(), qMain, WorkItem{ID: "gh-1", Source: "github", Payload: "x", EnqueuedAt: at})
	require.NoError(t, err)
	require.True(t, ok)

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "gh-1", items[0].ID)
	assert.True(t, at.Equal(items[0].EnqueuedAt))
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.svc.Enqueuer.Enqueue(ctx, "nope", WorkItem{Source: "s", Payload: "p"})
	assert.ErrorIs(t, err, ErrUnknownQueue)

	_, err = h.svc.Enqueuer.Enqueue(ctx, qMain, WorkItem{Payload: "p"})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = h.svc.Enqueuer.Enqueue(ctx, qMain, WorkItem{Source: "s"})
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestEnqueueReturnsFalseWhenStoreIsDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.mr.Close()

	ok, err := h.svc.Enqueuer.Enqueue(context.Background(), qMain, WorkItem{Source: "s", Payload: "p"})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestDequeueBatchRemovesAtomically(t *testing.T) {
	h := newHarness(t, Options{})
	for _, p := range []string{"i1", "i2", "i3"} {
		h.enqueue(t, qMain, p)
	}

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, payloads(items))
	assert.Equal(t, int64(1), h.depth(t, qMain))
}

func TestDequeueBatchUsesDefaultSize(t *testing.T) {
	h := newHarness(t, Options{})
	for _, p := range []string{"i1", "i2", "i3"} {
		h.enqueue(t, qMain, p)
	}

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestDequeueBatchUnderSupply(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, qMain, "a")
	h.enqueue(t, qMain, "b")

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, payloads(items))

	items, err = h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDequeueBatchDropsMalformedEntries(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.mr.Push(keyMain, `{"id":"1"}`, "not json", `{"id":"3"}`)
	require.NoError(t, err)

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "3", items[1].ID)
	assert.Equal(t, 1, h.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, int64(0), h.depth(t, qMain))
	assert.Empty(t, h.deadLetters(t))
}

func TestFIFOAcrossEnqueueAndDequeue(t *testing.T) {
	h := newHarness(t, Options{})
	var want []string
	for i := 0; i < 25; i++ {
		p := fmt.Sprintf("p%02d", i)
		want = append(want, p)
		h.enqueue(t, qMain, p)
	}

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, payloads(items))
}

type rateLimited struct{ msg string }

func (e *rateLimited) Error() string { return e.msg }

func TestProcessBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, qMain, "ok")
	h.enqueue(t, qMain, "bad")

	var seen []string
	n, err := h.svc.Processor.ProcessBatch(context.Background(), qMain, HandlerFunc(func(_ context.Context, item WorkItem) error {
		seen = append(seen, item.Payload)
		if item.Payload == "bad" {
			return &rateLimited{msg: "upstream said no"}
		}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ok", "bad"}, seen)

	dl := h.deadLetters(t)
	require.Len(t, dl, 1)
	assert.Equal(t, "bad", dl[0].Payload)
	assert.Equal(t, qMain, dl[0].Queue)
	assert.Equal(t, "upstream said no", dl[0].Error.Message)
	assert.Equal(t, "pulseq/internal/queue.rateLimited", dl[0].Error.ClassName)
	assert.False(t, dl[0].FailedAt.IsZero())
	assert.Equal(t, 48*time.Hour, h.mr.TTL(keyDLQ))
}

func TestProcessBatchRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, qMain, "boom")
	h.enqueue(t, qMain, "fine")

	n, err := h.svc.Processor.ProcessBatch(context.Background(), qMain, HandlerFunc(func(_ context.Context, item WorkItem) error {
		if item.Payload == "boom" {
			panic("handler exploded")
		}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dl := h.deadLetters(t)
	require.Len(t, dl, 1)
	assert.Equal(t, "boom", dl[0].Payload)
	assert.Contains(t, dl[0].Error.Message, "handler exploded")
}

func TestProcessBatchEmptyQueue(t *testing.T) {
	h := newHarness(t, Options{})
	n, err := h.svc.Processor.ProcessBatch(context.Background(), qMain, HandlerFunc(func(context.Context, WorkItem) error {
		t.Fatal("handler must not run")
		return nil
	}))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessBatchUnknownQueue(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Processor.ProcessBatch(context.Background(), "nope", HandlerFunc(func(context.Context, WorkItem) error { return nil }))
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDeadLetterClassNameOverride(t *testing.T) {
	h := newHarness(t, Options{})
	item := WorkItem{ID: "1", Source: "s", Payload: "p"}
	require.NoError(t, h.svc.DeadLetters.Send(context.Background(), qMain, item, classified{}))

	dl := h.deadLetters(t)
	require.Len(t, dl, 1)
	assert.Equal(t, "ValidationError", dl[0].Error.ClassName)
	assert.Equal(t, "1", dl[0].ID)
}

type classified struct{}

func (classified) Error() string     { return "bad payload" }
func (classified) ClassName() string { return "ValidationError" }

func TestQueueDepthsAndBackpressure(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.svc.Monitor.QueueDepths(ctx)
	require.NoError(t, err)
	second, err := h.svc.Monitor.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]int64{qMain: 0, qTiny: 0}, first)

	bp, err := h.svc.Monitor.Backpressure(ctx)
	require.NoError(t, err)
	assert.False(t, bp)

	h.enqueue(t, qMain, "x")
	bp, err = h.svc.Monitor.Backpressure(ctx)
	require.NoError(t, err)
	assert.False(t, bp)

	h.enqueue(t, qTiny, "x")
	bp, err = h.svc.Monitor.Backpressure(ctx)
	require.NoError(t, err)
	assert.True(t, bp)

	full, err := h.svc.Monitor.FullQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{qTiny}, full)

	perQueue, err := h.svc.Admission.Backpressure(ctx, qTiny)
	require.NoError(t, err)
	assert.True(t, perQueue)
	perQueue, err = h.svc.Admission.Backpressure(ctx, qMain)
	require.NoError(t, err)
	assert.False(t, perQueue)
}

func TestMonitorReportsConnectionError(t *testing.T) {
	h := newHarness(t, Options{})
	h.mr.Close()
	_, err := h.svc.Monitor.QueueDepths(context.Background())
	assert.True(t, IsConnection(err))
}

func TestAtLeastOnceParksAndAcks(t *testing.T) {
	h := newHarness(t, Options{DeliveryMode: config.DeliveryAtLeastOnce})
	inflight := InflightKey(keyMain, "w1")
	h.enqueue(t, qMain, "a")
	h.enqueue(t, qMain, "b")

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	parked, err := h.mr.List(inflight)
	require.NoError(t, err)
	assert.Len(t, parked, 2)
	assert.Equal(t, int64(0), h.depth(t, qMain))

	n := h.svc.Processor.Process(context.Background(), qMain, items, HandlerFunc(func(_ context.Context, item WorkItem) error {
		if item.Payload == "b" {
			return errors.New("nope")
		}
		return nil
	}))
	assert.Equal(t, 1, n)
	assert.False(t, h.mr.Exists(inflight))
	assert.Len(t, h.deadLetters(t), 1)
}

func TestAtLeastOnceRecoverRestoresOrder(t *testing.T) {
	h := newHarness(t, Options{DeliveryMode: config.DeliveryAtLeastOnce})
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		h.enqueue(t, qMain, p)
	}

	// simulate a crash after dequeue
	_, err := h.svc.Dequeuer.DequeueBatch(ctx, qMain, 2)
	require.NoError(t, err)

	n, err := h.svc.Dequeuer.Recover(ctx, qMain)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	items, err := h.svc.Dequeuer.DequeueBatch(ctx, qMain, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, payloads(items))
}

func TestAtLeastOnceRestartRecoversOwnInflight(t *testing.T) {
	h := newHarness(t, Options{DeliveryMode: config.DeliveryAtLeastOnce, WorkerID: "ingest-0"})
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		h.enqueue(t, qMain, p)
	}
	_, err := h.svc.Dequeuer.DequeueBatch(ctx, qMain, 2)
	require.NoError(t, err)

	node, err := id.NewNode(2)
	require.NoError(t, err)
	other := NewService(h.rdb, testQueues(t), node, Options{DeliveryMode: config.DeliveryAtLeastOnce, WorkerID: "ingest-1"}, log.NewNop())
	n, err := other.Dequeuer.Recover(ctx, qMain)
	require.NoError(t, err)
	assert.Zero(t, n)

	restarted := NewService(h.rdb, testQueues(t), node, Options{DeliveryMode: config.DeliveryAtLeastOnce, WorkerID: "ingest-0"}, log.NewNop())
	n, err = restarted.Dequeuer.Recover(ctx, qMain)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(3), h.depth(t, qMain))
}

func TestAtLeastOnceParksLargeBatch(t *testing.T) {
	h := newHarness(t, Options{DeliveryMode: config.DeliveryAtLeastOnce})
	ctx := context.Background()
	const total = 10000
	entries := make([]interface{}, total)
	for i := range entries {
		data, err := json.Marshal(WorkItem{ID: fmt.Sprint(i), Source: "s", Payload: fmt.Sprint(i)})
		require.NoError(t, err)
		entries[i] = string(data)
	}
	require.NoError(t, h.rdb.RPush(ctx, keyMain, entries...).Err())

	items, err := h.svc.Dequeuer.DequeueBatch(ctx, qMain, total)
	require.NoError(t, err)
	require.Len(t, items, total)
	assert.Equal(t, "0", items[0].Payload)
	assert.Equal(t, fmt.Sprint(total-1), items[total-1].Payload)

	parked, err := h.rdb.LLen(ctx, InflightKey(keyMain, "w1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(total), parked)
	parkedTail, err := h.rdb.LIndex(ctx, InflightKey(keyMain, "w1"), -1).Result()
	require.NoError(t, err)
	assert.Equal(t, entries[total-1], parkedTail)
	assert.Equal(t, int64(0), h.depth(t, qMain))
}

func TestAtLeastOnceDropsMalformedFromInflight(t *testing.T) {
	h := newHarness(t, Options{DeliveryMode: config.DeliveryAtLeastOnce})
	_, err := h.mr.Push(keyMain, "garbage")
	require.NoError(t, err)

	items, err := h.svc.Dequeuer.DequeueBatch(context.Background(), qMain, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.False(t, h.mr.Exists(InflightKey(keyMain, "w1")))
}

func TestRecoverIsNoopAtMostOnce(t *testing.T) {
	h := newHarness(t, Options{})
	n, err := h.svc.Dequeuer.Recover(context.Background(), qMain)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingRecorder struct {
	enqueued  map[string]int
	dequeued  int
	processed map[string]int
	dropped   int
}

func (r *countingRecorder) Enqueued(_ string, result string)   { r.enqueued[result]++ }
func (r *countingRecorder) Dequeued(_ string, n int)           { r.dequeued += n }
func (r *countingRecorder) Processed(_ string, outcome string) { r.processed[outcome]++ }
func (r *countingRecorder) Dropped(string)                     { r.dropped++ }

func TestRecorderSeesEveryOutcome(t *testing.T) {
	rec := &countingRecorder{enqueued: map[string]int{}, processed: map[string]int{}}
	h := newHarness(t, Options{Recorder: rec})
	ctx := context.Background()

	h.enqueue(t, qTiny, "a")
	_, _ = h.svc.Enqueuer.Enqueue(ctx, qTiny, WorkItem{Source: "s", Payload: "b"})
	h.enqueue(t, qMain, "ok")
	h.enqueue(t, qMain, "bad")
	_, err := h.mr.Push(keyMain, "junk")
	require.NoError(t, err)

	items, err := h.svc.Dequeuer.DequeueBatch(ctx, qMain, 10)
	require.NoError(t, err)
	h.svc.Processor.Process(ctx, qMain, items, HandlerFunc(func(_ context.Context, item WorkItem) error {
		if item.Payload == "bad" {
			return errors.New("x")
		}
		return nil
	}))

	assert.Equal(t, 3, rec.enqueued[ResultOK])
	assert.Equal(t, 1, rec.enqueued[ResultBackpressure])
	assert.Equal(t, 2, rec.dequeued)
	assert.Equal(t, 1, rec.dropped)
	assert.Equal(t, 1, rec.processed[OutcomeSuccess])
	assert.Equal(t, 1, rec.processed[OutcomeDeadLetter])
}

func TestDeadLetterPeekTakeRestore(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, h.svc.DeadLetters.Send(ctx, qMain, WorkItem{ID: p, Source: "s", Payload: p}, errors.New("boom")))
	}
	_, err := h.mr.Push(keyDLQ, "{garbage")
	require.NoError(t, err)

	peeked, err := h.svc.DeadLetters.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 3)
	assert.Equal(t, "a", peeked[0].Payload)
	n, err := h.svc.DeadLetters.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	taken, err := h.svc.DeadLetters.Take(ctx, 2)
	require.NoError(t, err)
	require.Len(t, taken, 2)
	n, _ = h.svc.DeadLetters.Len(ctx)
	assert.Equal(t, int64(2), n)

	require.NoError(t, h.svc.DeadLetters.Restore(ctx, taken))
	peeked, err = h.svc.DeadLetters.Peek(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, []string{peeked[0].Payload, peeked[1].Payload, peeked[2].Payload})
	assert.Equal(t, 48*time.Hour, h.mr.TTL(keyDLQ))
}

func TestDeadLetterSendRequiresCause(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.svc.DeadLetters.Send(context.Background(), qMain, WorkItem{ID: "1", Source: "s", Payload: "p"}, nil)
	assert.ErrorIs(t, err, ErrInvalidItem)
	assert.False(t, h.mr.Exists(keyDLQ))
}

func TestDeadLetterRequeueAppendsAtTail(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.svc.DeadLetters.Send(ctx, qMain, WorkItem{ID: "a", Source: "s", Payload: "a"}, errors.New("boom")))
	require.NoError(t, h.svc.DeadLetters.Requeue(ctx, []string{"{garbage"}))
	require.NoError(t, h.svc.DeadLetters.Requeue(ctx, nil))

	raw, err := h.mr.List(keyDLQ)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, "{garbage", raw[1])
	assert.Equal(t, 48*time.Hour, h.mr.TTL(keyDLQ))
}
