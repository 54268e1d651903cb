package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DepthSource is satisfied by queue.Monitor.
type DepthSource interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

type QueueMetrics struct {
	EnqueueTotal   *prometheus.CounterVec
	DequeueTotal   *prometheus.CounterVec
	ProcessedTotal *prometheus.CounterVec
	DroppedTotal   *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	Backpressure   *prometheus.GaugeVec
	StoreHealth    prometheus.Gauge
	gatherer       prometheus.Gatherer
	queues         *config.Queues
	logger         *log.Logger
}

// NewQueueMetrics registers the queue collectors with reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewQueueMetrics(reg *prometheus.Registry, queues *config.Queues, logger *log.Logger) *QueueMetrics {
	m := &QueueMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulseq_enqueue_total",
				Help: "Enqueue attempts by queue and result (ok, backpressure, error)",
			},
			[]string{"queue", "result"},
		),
		DequeueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulseq_dequeue_total",
				Help: "Total number of items handed out by batch dequeue",
			},
			[]string{"queue"},
		),
		ProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulseq_processed_total",
				Help: "Processed items by queue and outcome (success, dead_letter)",
			},
			[]string{"queue", "outcome"},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulseq_dropped_total",
				Help: "Malformed entries dropped during dequeue",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulseq_queue_depth",
				Help: "Current number of items in each queue",
			},
			[]string{"queue"},
		),
		Backpressure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulseq_backpressure",
				Help: "1 when the queue is at its max_size, else 0",
			},
			[]string{"queue"},
		),
		StoreHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulseq_store_up",
				Help: "Whether the last depth poll reached the store (1 = healthy, 0 = unhealthy)",
			},
		),
		gatherer: reg,
		queues:   queues,
		logger:   logger,
	}

	reg.MustRegister(
		m.EnqueueTotal,
		m.DequeueTotal,
		m.ProcessedTotal,
		m.DroppedTotal,
		m.QueueDepth,
		m.Backpressure,
		m.StoreHealth,
	)
	return m
}

func (m *QueueMetrics) Enqueued(queue, result string) {
	m.EnqueueTotal.WithLabelValues(queue, result).Inc()
}

func (m *QueueMetrics) Dequeued(queue string, n int) {
	m.DequeueTotal.WithLabelValues(queue).Add(float64(n))
}

func (m *QueueMetrics) Processed(queue, outcome string) {
	m.ProcessedTotal.WithLabelValues(queue, outcome).Inc()
}

func (m *QueueMetrics) Dropped(queue string) {
	m.DroppedTotal.WithLabelValues(queue).Inc()
}

// Observe records one depth snapshot.
func (m *QueueMetrics) Observe(depths map[string]int64) {
	for name, depth := range depths {
		m.QueueDepth.WithLabelValues(name).Set(float64(depth))
		full := 0.0
		if qc, ok := m.queues.Get(name); ok && depth >= qc.MaxSize {
			full = 1
		}
		m.Backpressure.WithLabelValues(name).Set(full)
	}
}

// Run serves /metrics on addr and polls depths every interval until ctx
// is done.
func (m *QueueMetrics) Run(ctx context.Context, addr string, source DepthSource, interval time.Duration) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go m.collect(ctx, source, interval)

	go func() {
		m.logger.Infow("Metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorw("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Errorw("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *QueueMetrics) collect(ctx context.Context, source DepthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.poll(ctx, source)
		}
	}
}

func (m *QueueMetrics) poll(ctx context.Context, source DepthSource) {
	depths, err := source.QueueDepths(ctx)
	if err != nil {
		m.StoreHealth.Set(0)
		m.logger.Errorw("Failed to read queue depths", zap.Error(err))
		return
	}
	m.StoreHealth.Set(1)
	m.Observe(depths)
}
