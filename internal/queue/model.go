package queue

import (
	"time"
)

// WorkItem is the envelope stored in a queue list. Consumers never mutate
// a dequeued item; they only report an outcome for it.
type WorkItem struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw is the exact list entry the item was decoded from. It identifies
	// the item in the in-flight list when acknowledging.
	raw string
}

type ErrorDetail struct {
	Message   string `json:"message"`
	ClassName string `json:"class_name"`
}

// DeadLetterEntry is written by the dead-letter router and consumed by
// external tooling.
type DeadLetterEntry struct {
	WorkItem
	Queue    string      `json:"queue"`
	Error    ErrorDetail `json:"error"`
	FailedAt time.Time   `json:"failed_at"`
}

// Recorder receives queue events for instrumentation.
type Recorder interface {
	Enqueued(queue, result string)
	Dequeued(queue string, n int)
	Processed(queue, outcome string)
	Dropped(queue string)
}

// Enqueue results and processing outcomes reported to a Recorder.
const (
	ResultOK           = "ok"
	ResultBackpressure = "backpressure"
	ResultError        = "error"

	OutcomeSuccess    = "success"
	OutcomeDeadLetter = "dead_letter"
)

type nopRecorder struct{}

func (nopRecorder) Enqueued(string, string)  {}
func (nopRecorder) Dequeued(string, int)     {}
func (nopRecorder) Processed(string, string) {}
func (nopRecorder) Dropped(string)           {}
