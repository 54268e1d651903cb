package queue

import (
	"context"
	"fmt"

	"pulseq/internal/log"

	"go.uber.org/zap"
)

// Handler processes one dequeued item. A non-nil error marks the item as
// failed and routes it to the dead-letter list.
type Handler interface {
	Handle(ctx context.Context, item WorkItem) error
}

type HandlerFunc func(ctx context.Context, item WorkItem) error

func (f HandlerFunc) Handle(ctx context.Context, item WorkItem) error {
	return f(ctx, item)
}

// Processor drives one dequeued batch through a Handler. Every item gets
// exactly one outcome; a failing item never aborts the rest of the batch.
type Processor struct {
	dequeuer    *Dequeuer
	deadLetters *DeadLetterRouter
	recorder    Recorder
	logger      *log.Logger
}

func NewProcessor(dequeuer *Dequeuer, deadLetters *DeadLetterRouter, recorder Recorder, logger *log.Logger) *Processor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Processor{
		dequeuer:    dequeuer,
		deadLetters: deadLetters,
		recorder:    recorder,
		logger:      logger,
	}
}

// ProcessBatch dequeues one default-sized batch from the queue and runs h
// on each item in order. It returns the number of items that succeeded.
// The error is non-nil only when the batch could not be dequeued.
func (p *Processor) ProcessBatch(ctx context.Context, name string, h Handler) (int, error) {
	items, err := p.dequeuer.DequeueBatch(ctx, name, 0)
	if err != nil {
		return 0, err
	}
	return p.Process(ctx, name, items, h), nil
}

// Process runs h over items already removed from the named queue.
func (p *Processor) Process(ctx context.Context, name string, items []WorkItem, h Handler) int {
	succeeded := 0
	for _, item := range items {
		if err := p.handle(ctx, h, item); err != nil {
			p.fail(ctx, name, item, err)
			continue
		}
		succeeded++
		p.recorder.Processed(name, OutcomeSuccess)
		p.ack(ctx, name, item)
	}
	return succeeded
}

func (p *Processor) handle(ctx context.Context, h Handler, item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessingError{ItemID: item.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h.Handle(ctx, item); err != nil {
		return &ProcessingError{ItemID: item.ID, Err: err}
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, name string, item WorkItem, err error) {
	p.logger.Errorw("Item processing failed",
		zap.String("queue", name), zap.String("id", item.ID), zap.String("source", item.Source), zap.Error(err))
	p.recorder.Processed(name, OutcomeDeadLetter)
	if dlErr := p.deadLetters.Send(ctx, name, item, err); dlErr != nil {
		// Left unacknowledged so at-least-once recovery can redeliver it.
		p.logger.Errorw("Failed to route item to dead-letter",
			zap.String("queue", name), zap.String("id", item.ID), zap.Error(dlErr))
		return
	}
	p.ack(ctx, name, item)
}

func (p *Processor) ack(ctx context.Context, name string, item WorkItem) {
	if err := p.dequeuer.Ack(ctx, name, item); err != nil {
		p.logger.Errorw("Failed to acknowledge item", zap.String("queue", name), zap.String("id", item.ID), zap.Error(err))
	}
}
