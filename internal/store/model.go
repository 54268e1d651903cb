package store

import (
	"encoding/json"
	"time"
)

// Event is a raw webhook delivery persisted by the intake stage.
type Event struct {
	ID         int64
	// ItemID is the queue item the event arrived in; saving the same item
	// twice yields one row.
	ItemID     string
	Source     string
	EventType  string
	DeliveryID string
	Body       json.RawMessage
	ReceivedAt time.Time
}

// Anomaly records a metric bucket that deviated from its rolling mean.
type Anomaly struct {
	Metric     string
	Bucket     time.Time
	Value      float64
	Mean       float64
	StdDev     float64
	ZScore     float64
	DetectedAt time.Time
}

// Stats summarises the buckets preceding a given bucket.
type Stats struct {
	Mean   float64
	StdDev float64
	Count  int
}
