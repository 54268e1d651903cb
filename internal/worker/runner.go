package worker

import (
	"context"
	"fmt"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/log"
	"pulseq/internal/queue"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner polls each stage queue and drives its batches through the
// stage handler. A full batch triggers an immediate re-poll; an empty or
// short one waits for the next tick.
type Runner struct {
	dequeuer  *queue.Dequeuer
	processor *queue.Processor
	queues    *config.Queues
	interval  time.Duration
	logger    *log.Logger
	cb        *gobreaker.CircuitBreaker
}

func NewRunner(dequeuer *queue.Dequeuer, processor *queue.Processor, queues *config.Queues, interval time.Duration, logger *log.Logger) *Runner {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dequeue",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Runner{
		dequeuer:  dequeuer,
		processor: processor,
		queues:    queues,
		interval:  interval,
		logger:    logger,
		cb:        cb,
	}
}

// Run starts one loop per handler and blocks until ctx is done or a loop
// fails to start.
func (r *Runner) Run(ctx context.Context, handlers map[string]queue.Handler) error {
	stages := make(map[string]config.QueueConfig, len(handlers))
	for name := range handlers {
		qc, ok := r.queues.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
		}
		stages[name] = qc
	}

	g, ctx := errgroup.WithContext(ctx)
	for name, h := range handlers {
		h := h
		qc := stages[name]
		g.Go(func() error {
			return r.runStage(ctx, qc, h)
		})
	}
	return g.Wait()
}

func (r *Runner) runStage(ctx context.Context, qc config.QueueConfig, h queue.Handler) error {
	if _, err := r.dequeuer.Recover(ctx, qc.Name); err != nil {
		return fmt.Errorf("recover %s: %w", qc.Name, err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("Stage worker shutting down", zap.String("queue", qc.Name))
			return nil
		case <-ticker.C:
			r.drain(ctx, qc, h)
		}
	}
}

// drain keeps polling while batches come back full.
func (r *Runner) drain(ctx context.Context, qc config.QueueConfig, h queue.Handler) {
	for ctx.Err() == nil {
		n, err := r.Poll(ctx, qc.Name, h)
		if err != nil {
			r.logger.Errorw("Poll failed", zap.String("queue", qc.Name), zap.Error(err))
			return
		}
		if n < qc.BatchSize {
			return
		}
	}
}

// Poll processes one batch and returns how many items were dequeued.
func (r *Runner) Poll(ctx context.Context, name string, h queue.Handler) (int, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.dequeuer.DequeueBatch(ctx, name, 0)
	})
	if err != nil {
		return 0, err
	}
	items := res.([]queue.WorkItem)
	if len(items) == 0 {
		return 0, nil
	}
	// a dequeued batch is finished even if shutdown starts midway
	succeeded := r.processor.Process(context.WithoutCancel(ctx), name, items, h)
	r.logger.Debugw("Processed batch",
		zap.String("queue", name), zap.Int("count", len(items)), zap.Int("succeeded", succeeded))
	return len(items), nil
}
