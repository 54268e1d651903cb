package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pulseq/internal/config"
)

// DeadLetterRouter appends failed items, with error details, to the
// dead-letter list. It does not retry; replay is an operational concern.
type DeadLetterRouter struct {
	store *Store
	key   string
	ttl   time.Duration
	now   func() time.Time
}

func NewDeadLetterRouter(store *Store, queues *config.Queues) *DeadLetterRouter {
	return &DeadLetterRouter{
		store: store,
		key:   queues.DeadLetterKey,
		ttl:   queues.DeadLetterTTL,
		now:   time.Now,
	}
}

// Send records item as failed in queue with cause. A nil cause is
// rejected since an entry without an error detail cannot be triaged.
func (r *DeadLetterRouter) Send(ctx context.Context, queue string, item WorkItem, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: dead letter without a cause", ErrInvalidItem)
	}
	cause = rootCause(cause)
	entry := DeadLetterEntry{
		WorkItem: item,
		Queue:    queue,
		Error: ErrorDetail{
			Message:   cause.Error(),
			ClassName: errorClass(cause),
		},
		FailedAt: r.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	return r.store.push(ctx, r.key, r.ttl, string(data))
}

// Len returns the number of dead-lettered entries.
func (r *DeadLetterRouter) Len(ctx context.Context) (int64, error) {
	n, err := r.store.rdb.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, &ConnectionError{Op: "llen " + r.key, Err: err}
	}
	return n, nil
}

// Peek decodes up to limit of the oldest entries without removing them.
// Entries that do not decode are skipped.
func (r *DeadLetterRouter) Peek(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := r.store.peekHead(ctx, r.key, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, data := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Take atomically removes up to limit of the oldest entries and returns
// them undecoded. Callers hand back whatever they could not dispose of
// with Restore.
func (r *DeadLetterRouter) Take(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return r.store.popHead(ctx, r.key, limit)
}

// Restore puts entries back at the head of the dead-letter list.
func (r *DeadLetterRouter) Restore(ctx context.Context, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	return r.store.pushFront(ctx, r.key, r.ttl, entries...)
}

// Requeue appends entries at the tail of the dead-letter list, behind
// everything already waiting.
func (r *DeadLetterRouter) Requeue(ctx context.Context, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	return r.store.push(ctx, r.key, r.ttl, entries...)
}
