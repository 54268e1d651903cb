package queue

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrInvalidItem  = errors.New("invalid work item")
)

// BackpressureError reports that a queue is at capacity. No item was
// written; the producer should retry later.
type BackpressureError struct {
	Queue   string
	Depth   int64
	MaxSize int64
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("queue %s is full (%d/%d)", e.Queue, e.Depth, e.MaxSize)
}

// ConnectionError wraps a failed round-trip to the store.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SerializationError describes a list entry that could not be decoded.
// It is logged by the dequeuer and never returned to callers.
type SerializationError struct {
	Queue string
	Raw   string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decode entry from %s: %v", e.Queue, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ProcessingError is a handler failure for a single item.
type ProcessingError struct {
	ItemID string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process item %s: %v", e.ItemID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsBackpressure reports whether err carries a BackpressureError.
func IsBackpressure(err error) bool {
	var bp *BackpressureError
	return errors.As(err, &bp)
}

// IsConnection reports whether err carries a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// classNamer lets handler errors choose the class recorded in dead-letter
// entries.
type classNamer interface {
	ClassName() string
}

func errorClass(err error) string {
	var cn classNamer
	if errors.As(err, &cn) {
		return cn.ClassName()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// rootCause strips the ProcessingError envelope added by the processor.
func rootCause(err error) error {
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err
	}
	return err
}
