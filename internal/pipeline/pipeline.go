// Package pipeline holds the per-stage handlers that move an event from
// intake through metric calculation to anomaly detection. Each handler
// consumes one queue and feeds the next one.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/log"
	"pulseq/internal/queue"
	"pulseq/internal/store"

	"go.uber.org/zap"
)

const (
	bucketWidth   = time.Hour
	statsWindow   = 24
	minStatsCount = 6
)

var ErrForwardFailed = errors.New("forward to next stage failed")

type EventStore interface {
	SaveEvent(ctx context.Context, ev store.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (store.Event, error)
	RecordMetric(ctx context.Context, key, name string, bucket time.Time, delta float64) (bool, error)
	MetricValue(ctx context.Context, name string, bucket time.Time) (float64, error)
	MetricStats(ctx context.Context, name string, bucket time.Time, window int) (store.Stats, error)
	RecordAnomaly(ctx context.Context, a store.Anomaly) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, item queue.WorkItem) (bool, error)
}

// RawEvent is the payload of a raw_events item.
type RawEvent struct {
	EventType  string          `json:"event_type"`
	DeliveryID string          `json:"delivery_id,omitempty"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
}

// MetricSample is one entry of a metric_calculation item, whose payload is
// a JSON array of samples.
type MetricSample struct {
	Name   string    `json:"name"`
	Bucket time.Time `json:"bucket"`
	Delta  float64   `json:"delta"`
}

// MetricRef is one entry of an anomaly_detection item, whose payload is a
// JSON array of refs.
type MetricRef struct {
	Name   string    `json:"name"`
	Bucket time.Time `json:"bucket"`
}

type Pipeline struct {
	events    EventStore
	enqueuer  Enqueuer
	threshold float64
	logger    *log.Logger
	now       func() time.Time
}

func New(events EventStore, enqueuer Enqueuer, threshold float64, logger *log.Logger) *Pipeline {
	return &Pipeline{
		events:    events,
		enqueuer:  enqueuer,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Handlers maps each stage queue to its handler.
func (p *Pipeline) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		config.RawEvents:         queue.HandlerFunc(p.HandleRaw),
		config.EventProcessing:   queue.HandlerFunc(p.HandleEvent),
		config.MetricCalculation: queue.HandlerFunc(p.HandleMetric),
		config.AnomalyDetection:  queue.HandlerFunc(p.HandleAnomaly),
	}
}

// HandleRaw persists the webhook body and hands its row id on. Saving is
// keyed by the item id, so a replayed item reuses its row.
func (p *Pipeline) HandleRaw(ctx context.Context, item queue.WorkItem) error {
	var raw RawEvent
	if err := json.Unmarshal([]byte(item.Payload), &raw); err != nil {
		return fmt.Errorf("decode raw event: %w", err)
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = item.EnqueuedAt
	}
	id, err := p.events.SaveEvent(ctx, store.Event{
		ItemID:     item.ID,
		Source:     item.Source,
		EventType:  raw.EventType,
		DeliveryID: raw.DeliveryID,
		Body:       raw.Body,
		ReceivedAt: raw.ReceivedAt,
	})
	if err != nil {
		return err
	}
	return p.forward(ctx, config.EventProcessing, item.Source, strconv.FormatInt(id, 10))
}

// HandleEvent derives metric samples from a stored event and forwards them
// as a single item.
func (p *Pipeline) HandleEvent(ctx context.Context, item queue.WorkItem) error {
	id, err := strconv.ParseInt(item.Payload, 10, 64)
	if err != nil {
		return fmt.Errorf("parse event id %q: %w", item.Payload, err)
	}
	ev, err := p.events.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Classify(ev))
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	return p.forward(ctx, config.MetricCalculation, item.Source, string(data))
}

// HandleMetric folds each sample into its bucket, once per item id and
// sample index, then forwards the touched buckets.
func (p *Pipeline) HandleMetric(ctx context.Context, item queue.WorkItem) error {
	var samples []MetricSample
	if err := json.Unmarshal([]byte(item.Payload), &samples); err != nil {
		return fmt.Errorf("decode metric samples: %w", err)
	}
	refs := make([]MetricRef, 0, len(samples))
	for i, sample := range samples {
		key := item.ID + "/" + strconv.Itoa(i)
		if _, err := p.events.RecordMetric(ctx, key, sample.Name, sample.Bucket, sample.Delta); err != nil {
			return err
		}
		refs = append(refs, MetricRef{Name: sample.Name, Bucket: sample.Bucket})
	}
	if len(refs) == 0 {
		return nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal metric refs: %w", err)
	}
	return p.forward(ctx, config.AnomalyDetection, item.Source, string(data))
}

// HandleAnomaly compares each bucket against the preceding window and
// records z-score breaches.
func (p *Pipeline) HandleAnomaly(ctx context.Context, item queue.WorkItem) error {
	var refs []MetricRef
	if err := json.Unmarshal([]byte(item.Payload), &refs); err != nil {
		return fmt.Errorf("decode metric refs: %w", err)
	}
	for _, ref := range refs {
		if err := p.checkAnomaly(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) checkAnomaly(ctx context.Context, ref MetricRef) error {
	stats, err := p.events.MetricStats(ctx, ref.Name, ref.Bucket, statsWindow)
	if err != nil {
		return err
	}
	if stats.Count < minStatsCount || stats.StdDev == 0 {
		return nil
	}
	value, err := p.events.MetricValue(ctx, ref.Name, ref.Bucket)
	if err != nil {
		return err
	}
	z := (value - stats.Mean) / stats.StdDev
	if math.Abs(z) < p.threshold {
		return nil
	}
	return p.events.RecordAnomaly(ctx, store.Anomaly{
		Metric:     ref.Name,
		Bucket:     ref.Bucket,
		Value:      value,
		Mean:       stats.Mean,
		StdDev:     stats.StdDev,
		ZScore:     z,
		DetectedAt: p.now().UTC(),
	})
}

func (p *Pipeline) forward(ctx context.Context, next, source, payload string) error {
	ok, err := p.enqueuer.Enqueue(ctx, next, queue.WorkItem{Source: source, Payload: payload})
	if err != nil {
		return fmt.Errorf("forward to %s: %w", next, err)
	}
	if !ok {
		p.logger.Warnw("Next stage unavailable", zap.String("queue", next), zap.String("source", source))
		return fmt.Errorf("%w: %s", ErrForwardFailed, next)
	}
	return nil
}
