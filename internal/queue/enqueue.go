package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/id"
	"pulseq/internal/log"

	"go.uber.org/zap"
)

type Enqueuer struct {
	store     *Store
	admission *Admission
	node      *id.Node
	strict    bool
	recorder  Recorder
	logger    *log.Logger
	now       func() time.Time
}

func NewEnqueuer(store *Store, admission *Admission, node *id.Node, admissionMode string, recorder Recorder, logger *log.Logger) *Enqueuer {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Enqueuer{
		store:     store,
		admission: admission,
		node:      node,
		strict:    admissionMode == config.AdmissionStrict,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue appends item to the tail of the named queue and refreshes the
// queue's expiry. Missing id and enqueued_at are filled in.
//
// A full queue yields a *BackpressureError and nothing is written. Store
// connectivity failures are logged and reported as false with a nil error,
// so producers are not crashed by transient infrastructure blips.
func (e *Enqueuer) Enqueue(ctx context.Context, name string, item WorkItem) (bool, error) {
	qc, err := e.store.resolve(name)
	if err != nil {
		return false, err
	}
	if item.Source == "" || item.Payload == "" {
		return false, fmt.Errorf("%w: source and payload are required", ErrInvalidItem)
	}
	if item.ID == "" {
		item.ID = strconv.FormatInt(e.node.Generate(), 10)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = e.now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}

	if e.strict {
		return e.enqueueStrict(ctx, qc, item, string(data))
	}

	if err := e.admission.AssertAdmissible(ctx, name); err != nil {
		return e.reject(name, item, err)
	}
	if err := e.store.push(ctx, qc.Key, qc.TTL, string(data)); err != nil {
		return e.reject(name, item, err)
	}
	e.recorder.Enqueued(name, ResultOK)
	return true, nil
}

func (e *Enqueuer) enqueueStrict(ctx context.Context, qc config.QueueConfig, item WorkItem, data string) (bool, error) {
	depth, err := e.store.pushIfRoom(ctx, qc.Key, qc.TTL, qc.MaxSize, data)
	if err != nil {
		return e.reject(qc.Name, item, err)
	}
	if depth >= 0 {
		return e.reject(qc.Name, item, &BackpressureError{Queue: qc.Name, Depth: depth, MaxSize: qc.MaxSize})
	}
	e.recorder.Enqueued(qc.Name, ResultOK)
	return true, nil
}

func (e *Enqueuer) reject(name string, item WorkItem, err error) (bool, error) {
	if IsBackpressure(err) {
		e.recorder.Enqueued(name, ResultBackpressure)
		e.logger.Warnw("Queue at capacity, rejecting item",
			zap.String("queue", name), zap.String("source", item.Source), zap.Error(err))
		return false, err
	}
	if IsConnection(err) {
		e.recorder.Enqueued(name, ResultError)
		e.logger.Errorw("Failed to enqueue item",
			zap.String("queue", name), zap.String("id", item.ID), zap.Error(err))
		return false, nil
	}
	return false, err
}
