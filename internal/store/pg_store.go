package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pulseq/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

// PGStore persists events, metric buckets and anomalies for the stage
// handlers. The queue core never touches it.
type PGStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGStore(dbURL string, logger *log.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &PGStore{db: db, logger: logger}, nil
}

// NewPGStoreFromDB wraps an existing handle, e.g. sqlmock in tests.
func NewPGStoreFromDB(db *sql.DB, logger *log.Logger) *PGStore {
	return &PGStore{db: db, logger: logger}
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id          BIGSERIAL PRIMARY KEY,
    item_id     TEXT UNIQUE,
    source      TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    delivery_id TEXT,
    body        JSONB NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE events ADD COLUMN IF NOT EXISTS item_id TEXT UNIQUE;
CREATE TABLE IF NOT EXISTS metrics (
    name   TEXT NOT NULL,
    bucket TIMESTAMPTZ NOT NULL,
    value  DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (name, bucket)
);
CREATE TABLE IF NOT EXISTS metric_updates (
    update_key TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS anomalies (
    id          BIGSERIAL PRIMARY KEY,
    metric      TEXT NOT NULL,
    bucket      TIMESTAMPTZ NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    mean        DOUBLE PRECISION NOT NULL,
    stddev      DOUBLE PRECISION NOT NULL,
    zscore      DOUBLE PRECISION NOT NULL,
    detected_at TIMESTAMPTZ NOT NULL,
    UNIQUE (metric, bucket)
);`

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveEvent inserts the event and returns its row id. An event carrying an
// ItemID that was already saved returns the existing row instead.
func (s *PGStore) SaveEvent(ctx context.Context, ev Event) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO events (item_id, source, event_type, delivery_id, body, received_at)
        VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
        ON CONFLICT (item_id) DO UPDATE SET item_id = EXCLUDED.item_id
        RETURNING id
    `, ev.ItemID, ev.Source, ev.EventType, ev.DeliveryID, []byte(ev.Body), ev.ReceivedAt).Scan(&id)
	if err != nil {
		s.logger.Errorw("Failed to save event", zap.String("source", ev.Source), zap.Error(err))
		return 0, fmt.Errorf("save event: %w", err)
	}
	return id, nil
}

func (s *PGStore) GetEvent(ctx context.Context, id int64) (Event, error) {
	var ev Event
	var delivery sql.NullString
	var body []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT id, source, event_type, delivery_id, body, received_at
        FROM events WHERE id = $1
    `, id).Scan(&ev.ID, &ev.Source, &ev.EventType, &delivery, &body, &ev.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event %d: %w", id, err)
	}
	ev.DeliveryID = delivery.String
	ev.Body = body
	return ev, nil
}

// RecordMetric adds delta to the metric bucket once per key. It reports
// false when the key was already applied.
func (s *PGStore) RecordMetric(ctx context.Context, key, name string, bucket time.Time, delta float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin metric update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO metric_updates (update_key) VALUES ($1)
        ON CONFLICT (update_key) DO NOTHING
    `, key)
	if err != nil {
		return false, fmt.Errorf("record metric update %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("record metric update %s: %w", key, err)
	} else if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO metrics (name, bucket, value)
        VALUES ($1, $2, $3)
        ON CONFLICT (name, bucket) DO UPDATE
        SET value = metrics.value + EXCLUDED.value
    `, name, bucket, delta); err != nil {
		return false, fmt.Errorf("record metric %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit metric %s: %w", name, err)
	}
	return true, nil
}

// PruneMetricUpdates forgets applied update keys older than retention.
func (s *PGStore) PruneMetricUpdates(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM metric_updates WHERE applied_at < $1
    `, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune metric updates: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGStore) MetricValue(ctx context.Context, name string, bucket time.Time) (float64, error) {
	var value float64
	err := s.db.QueryRowContext(ctx, `
        SELECT value FROM metrics WHERE name = $1 AND bucket = $2
    `, name, bucket).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("metric %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get metric %s: %w", name, err)
	}
	return value, nil
}

// MetricStats returns mean and sample standard deviation over the window
// buckets immediately before bucket.
func (s *PGStore) MetricStats(ctx context.Context, name string, bucket time.Time, window int) (Stats, error) {
	var st Stats
	var mean, stddev sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
        SELECT AVG(value), STDDEV_SAMP(value), COUNT(*)
        FROM (
            SELECT value FROM metrics
            WHERE name = $1 AND bucket < $2
            ORDER BY bucket DESC
            LIMIT $3
        ) recent
    `, name, bucket, window).Scan(&mean, &stddev, &st.Count)
	if err != nil {
		return Stats{}, fmt.Errorf("metric stats %s: %w", name, err)
	}
	st.Mean = mean.Float64
	st.StdDev = stddev.Float64
	return st, nil
}

func (s *PGStore) RecordAnomaly(ctx context.Context, a Anomaly) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO anomalies (metric, bucket, value, mean, stddev, zscore, detected_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (metric, bucket) DO UPDATE
        SET value = EXCLUDED.value,
            mean = EXCLUDED.mean,
            stddev = EXCLUDED.stddev,
            zscore = EXCLUDED.zscore,
            detected_at = EXCLUDED.detected_at
    `, a.Metric, a.Bucket, a.Value, a.Mean, a.StdDev, a.ZScore, a.DetectedAt)
	if err != nil {
		s.logger.Errorw("Failed to record anomaly", zap.String("metric", a.Metric), zap.Error(err))
		return fmt.Errorf("record anomaly: %w", err)
	}
	s.logger.Infow("Recorded anomaly", zap.String("metric", a.Metric), zap.Float64("zscore", a.ZScore))
	return nil
}
