package keepalive

import (
	"context"
	"fmt"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/log"
	"pulseq/internal/queue"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sweeper refreshes the expiry of queue lists that still hold items, so
// a backlog that is drained slower than its TTL is not lost while no new
// writes arrive.
type Sweeper struct {
	rdb      redis.UniversalClient
	queues   *config.Queues
	interval time.Duration
	logger   *log.Logger
}

func NewSweeper(rdb redis.UniversalClient, queues *config.Queues, interval time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		rdb:      rdb,
		queues:   queues,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Keepalive sweeper shutting down")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Errorw("Failed to refresh queue expiry", zap.Error(err))
			} else if n > 0 {
				s.logger.Debugw("Refreshed queue expiry", zap.Int("queues", n))
			}
		}
	}
}

// Sweep resets the TTL of every configured queue list, the in-flight lists
// of its workers and the dead-letter list. PEXPIRE is a no-op on a missing
// key, so empty queues stay absent. It returns how many keys were
// refreshed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	type target struct {
		key string
		ttl time.Duration
	}
	var targets []target
	for _, name := range s.queues.Names() {
		qc, _ := s.queues.Get(name)
		targets = append(targets, target{qc.Key, qc.TTL})
		inflight, err := s.inflightKeys(ctx, qc.Key)
		if err != nil {
			return 0, err
		}
		for _, key := range inflight {
			targets = append(targets, target{key, qc.TTL})
		}
	}
	targets = append(targets, target{s.queues.DeadLetterKey, s.queues.DeadLetterTTL})

	cmds := make([]*redis.BoolCmd, 0, len(targets))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range targets {
			cmds = append(cmds, pipe.PExpire(ctx, t.key, t.ttl))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pexpire: %w", err)
	}
	refreshed := 0
	for _, cmd := range cmds {
		if cmd.Val() {
			refreshed++
		}
	}
	return refreshed, nil
}

// inflightKeys lists the per-worker in-flight lists of one queue, including
// those of workers that are not running.
func (s *Sweeper) inflightKeys(ctx context.Context, queueKey string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, queue.InflightKey(queueKey, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan in-flight lists of %s: %w", queueKey, err)
	}
	return keys, nil
}
