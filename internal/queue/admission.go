package queue

import (
	"context"
)

// Admission checks a queue's depth against its max_size before an enqueue.
// The check and the following write are separate round-trips, so under
// concurrent producers the ceiling may be overshot slightly. Strict
// admission in the Enqueuer closes that gap.
type Admission struct {
	store *Store
}

func NewAdmission(store *Store) *Admission {
	return &Admission{store: store}
}

// Backpressure reports whether the queue is at or above its ceiling.
func (a *Admission) Backpressure(ctx context.Context, name string) (bool, error) {
	err := a.AssertAdmissible(ctx, name)
	if IsBackpressure(err) {
		return true, nil
	}
	return false, err
}

// AssertAdmissible returns a *BackpressureError when the queue is full.
func (a *Admission) AssertAdmissible(ctx context.Context, name string) error {
	qc, err := a.store.resolve(name)
	if err != nil {
		return err
	}
	depth, err := a.store.Len(ctx, name)
	if err != nil {
		return err
	}
	if depth >= qc.MaxSize {
		return &BackpressureError{Queue: name, Depth: depth, MaxSize: qc.MaxSize}
	}
	return nil
}
