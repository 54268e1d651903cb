// Package replay moves dead-lettered items back into the queue they failed
// in, once an operator has dealt with the cause.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pulseq/internal/log"
	"pulseq/internal/queue"

	"go.uber.org/zap"
)

const defaultLimit = 100

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, item queue.WorkItem) (bool, error)
}

// Result counts what one Replay call did with the entries it took.
// Returned entries went back to the head for a later attempt; parked
// entries can never be placed and were moved behind the rest.
type Result struct {
	Replayed int `json:"replayed"`
	Returned int `json:"returned"`
	Parked   int `json:"parked"`
}

type outcome int

const (
	replayed outcome = iota
	retry
	park
	storeDown
)

type Replayer struct {
	deadLetters *queue.DeadLetterRouter
	enqueuer    Enqueuer
	logger      *log.Logger
}

func NewReplayer(deadLetters *queue.DeadLetterRouter, enqueuer Enqueuer, logger *log.Logger) *Replayer {
	return &Replayer{
		deadLetters: deadLetters,
		enqueuer:    enqueuer,
		logger:      logger,
	}
}

// Peek lists up to limit of the oldest dead-letter entries.
func (r *Replayer) Peek(ctx context.Context, limit int) ([]queue.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return r.deadLetters.Peek(ctx, limit)
}

// Replay takes up to limit of the oldest dead-letter entries and enqueues
// each original item into its origin queue. Entries whose queue is full or
// unreachable go back to the head of the dead-letter list. Entries that
// do not decode or name an unknown queue are moved to the tail so they do
// not hold up the entries behind them.
func (r *Replayer) Replay(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	taken, err := r.deadLetters.Take(ctx, limit)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var keep, parked []string
	down := false
	for _, raw := range taken {
		if down {
			keep = append(keep, raw)
			continue
		}
		switch r.replayOne(ctx, raw) {
		case replayed:
			res.Replayed++
		case park:
			parked = append(parked, raw)
		case storeDown:
			down = true
			keep = append(keep, raw)
		default:
			keep = append(keep, raw)
		}
	}

	res.Returned = len(keep)
	res.Parked = len(parked)
	if err := r.deadLetters.Restore(ctx, keep); err != nil {
		r.logger.Errorw("Failed to return entries to dead-letter list",
			zap.Int("count", len(keep)), zap.Strings("entries", keep), zap.Error(err))
		return res, fmt.Errorf("restore dead letters: %w", err)
	}
	if err := r.deadLetters.Requeue(ctx, parked); err != nil {
		r.logger.Errorw("Failed to park dead-letter entries",
			zap.Int("count", len(parked)), zap.Strings("entries", parked), zap.Error(err))
		return res, fmt.Errorf("park dead letters: %w", err)
	}
	if res.Replayed > 0 || res.Returned > 0 || res.Parked > 0 {
		r.logger.Infow("Replayed dead letters",
			zap.Int("replayed", res.Replayed), zap.Int("returned", res.Returned), zap.Int("parked", res.Parked))
	}
	return res, nil
}

func (r *Replayer) replayOne(ctx context.Context, raw string) outcome {
	var entry queue.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		r.logger.Warnw("Parking undecodable dead-letter entry", zap.Error(err))
		return park
	}
	item := entry.WorkItem
	// re-stamped on enqueue so age reflects the second attempt
	item.EnqueuedAt = time.Time{}
	ok, err := r.enqueuer.Enqueue(ctx, entry.Queue, item)
	switch {
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrInvalidItem):
		r.logger.Warnw("Parking dead letter that cannot be placed",
			zap.String("queue", entry.Queue), zap.String("id", item.ID), zap.Error(err))
		return park
	case err != nil:
		r.logger.Warnw("Dead letter not replayed",
			zap.String("queue", entry.Queue), zap.String("id", item.ID), zap.Error(err))
		return retry
	case !ok:
		return storeDown
	}
	return replayed
}
