package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Monitor reports the depth of every configured queue.
type Monitor struct {
	store *Store
}

func NewMonitor(store *Store) *Monitor {
	return &Monitor{store: store}
}

// QueueDepths returns the current length of each configured queue, read in
// one pipelined round-trip.
func (m *Monitor) QueueDepths(ctx context.Context) (map[string]int64, error) {
	names := m.store.queues.Names()
	cmds := make([]*redis.IntCmd, len(names))
	_, err := m.store.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			qc, _ := m.store.queues.Get(name)
			cmds[i] = pipe.LLen(ctx, qc.Key)
		}
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{Op: "llen all", Err: err}
	}
	depths := make(map[string]int64, len(names))
	for i, name := range names {
		depths[name] = cmds[i].Val()
	}
	return depths, nil
}

// Backpressure is true when any configured queue is at its ceiling.
func (m *Monitor) Backpressure(ctx context.Context) (bool, error) {
	full, err := m.FullQueues(ctx)
	if err != nil {
		return false, err
	}
	return len(full) > 0, nil
}

// FullQueues lists the queues whose depth has reached max_size.
func (m *Monitor) FullQueues(ctx context.Context) ([]string, error) {
	depths, err := m.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	var full []string
	for _, name := range m.store.queues.Names() {
		qc, _ := m.store.queues.Get(name)
		if depths[name] >= qc.MaxSize {
			full = append(full, name)
		}
	}
	return full, nil
}
