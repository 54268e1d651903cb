package queue

import (
	"context"
	"encoding/json"

	"pulseq/internal/config"
	"pulseq/internal/log"

	"go.uber.org/zap"
)

// Dequeuer removes batches from the head of a queue. It never waits for
// items to appear.
//
// In at-least-once mode the removed entries are parked in a per-worker
// in-flight list until Ack, and Recover returns leftovers to the queue.
type Dequeuer struct {
	store       *Store
	atLeastOnce bool
	workerID    string
	recorder    Recorder
	logger      *log.Logger
}

func NewDequeuer(store *Store, deliveryMode, workerID string, recorder Recorder, logger *log.Logger) *Dequeuer {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dequeuer{
		store:       store,
		atLeastOnce: deliveryMode == config.DeliveryAtLeastOnce,
		workerID:    workerID,
		recorder:    recorder,
		logger:      logger,
	}
}

// DequeueBatch atomically takes up to size items from the head of the
// queue, oldest first. size <= 0 selects the queue's batch_size. Entries
// that fail to decode are dropped and logged.
func (d *Dequeuer) DequeueBatch(ctx context.Context, name string, size int) ([]WorkItem, error) {
	qc, err := d.store.resolve(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = qc.BatchSize
	}

	var raw []string
	inflight := InflightKey(qc.Key, d.workerID)
	if d.atLeastOnce {
		raw, err = d.store.popHeadInto(ctx, qc.Key, inflight, size, qc.TTL)
	} else {
		raw, err = d.store.popHead(ctx, qc.Key, size)
	}
	if err != nil {
		d.logger.Errorw("Failed to dequeue batch", zap.String("queue", name), zap.Error(err))
		return nil, err
	}

	items := make([]WorkItem, 0, len(raw))
	for _, entry := range raw {
		var item WorkItem
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			serr := &SerializationError{Queue: name, Raw: entry, Err: err}
			d.logger.Errorw("Dropping malformed queue entry",
				zap.String("queue", name), zap.Int("bytes", len(entry)), zap.Error(serr))
			d.recorder.Dropped(name)
			if d.atLeastOnce {
				d.forget(ctx, inflight, entry)
			}
			continue
		}
		item.raw = entry
		items = append(items, item)
	}
	d.recorder.Dequeued(name, len(items))
	return items, nil
}

// Ack releases an item from the in-flight list once its outcome is durable.
// It is a no-op in at-most-once mode.
func (d *Dequeuer) Ack(ctx context.Context, name string, item WorkItem) error {
	if !d.atLeastOnce || item.raw == "" {
		return nil
	}
	qc, err := d.store.resolve(name)
	if err != nil {
		return err
	}
	return d.store.removeInflight(ctx, InflightKey(qc.Key, d.workerID), item.raw)
}

// Recover pushes this worker's unacknowledged items back to the head of
// the queue. It is meant to run before the worker starts consuming.
func (d *Dequeuer) Recover(ctx context.Context, name string) (int64, error) {
	if !d.atLeastOnce {
		return 0, nil
	}
	qc, err := d.store.resolve(name)
	if err != nil {
		return 0, err
	}
	n, err := d.store.restoreInflight(ctx, qc.Key, InflightKey(qc.Key, d.workerID), qc.TTL)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Infow("Recovered in-flight items", zap.String("queue", name), zap.Int64("count", n))
	}
	return n, nil
}

func (d *Dequeuer) forget(ctx context.Context, inflight, entry string) {
	if err := d.store.removeInflight(ctx, inflight, entry); err != nil {
		d.logger.Errorw("Failed to drop malformed in-flight entry", zap.String("key", inflight), zap.Error(err))
	}
}
