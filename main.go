package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/id"
	"pulseq/internal/keepalive"
	"pulseq/internal/log"
	"pulseq/internal/metrics"
	"pulseq/internal/pipeline"
	"pulseq/internal/queue"
	"pulseq/internal/replay"
	"pulseq/internal/server"
	"pulseq/internal/spill"
	"pulseq/internal/store"
	"pulseq/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// metricUpdateRetention bounds how long a metric item can sit in the dead
// letter queue and still be replayed without double counting.
const metricUpdateRetention = 30 * 24 * time.Hour

func main() {
	logger := log.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("Failed to load config", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// the ingress spills while Redis is away, so this is not fatal
		logger.Warnw("Redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	pgStore, err := store.NewPGStore(cfg.DatabaseURL, logger.Named("store"))
	if err != nil {
		logger.Fatalw("Failed to initialize store", zap.Error(err))
	}
	defer pgStore.Close()
	if err := pgStore.Migrate(context.Background()); err != nil {
		logger.Fatalw("Failed to migrate database", zap.Error(err))
	}

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatalw("Failed to initialize id generator", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	queueMetrics := metrics.NewQueueMetrics(reg, cfg.Queues, logger.Named("metrics"))

	svc := queue.NewService(rdb, cfg.Queues, node, queue.Options{
		AdmissionMode: cfg.AdmissionMode,
		DeliveryMode:  cfg.DeliveryMode,
		WorkerID:      cfg.WorkerID,
		Recorder:      queueMetrics,
	}, logger.Named("queue"))

	journal, err := spill.Open(cfg.SpillDir, logger.Named("spill"))
	if err != nil {
		logger.Fatalw("Failed to open spill journal", zap.Error(err))
	}
	defer journal.Close()

	stages := pipeline.New(pgStore, svc.Enqueuer, cfg.AnomalyThreshold, logger.Named("pipeline"))
	runner := worker.NewRunner(svc.Dequeuer, svc.Processor, cfg.Queues, cfg.PollInterval, logger.Named("worker"))
	sweeper := keepalive.NewSweeper(rdb, cfg.Queues, cfg.KeepaliveInterval, logger.Named("keepalive"))
	replayer := replay.NewReplayer(svc.DeadLetters, svc.Enqueuer, logger.Named("replay"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := runner.Run(ctx, stages.Handlers()); err != nil {
			logger.Errorw("Stage workers stopped", zap.Error(err))
			cancel()
		}
	}()
	go sweeper.Run(ctx)
	go queueMetrics.Run(ctx, cfg.MetricsAddr, svc.Monitor, 15*time.Second)

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		n, err := journal.Drain(ctx, svc.Enqueuer, config.RawEvents)
		if err != nil {
			logger.Warnw("Spill replay incomplete", zap.Int("replayed", n), zap.Error(err))
			return
		}
		if n > 0 {
			logger.Infow("Replayed spilled events", zap.Int("count", n))
		}
	}); err != nil {
		logger.Fatalw("Failed to schedule spill replay", zap.Error(err))
	}
	if _, err := c.AddFunc("@hourly", func() {
		if err := journal.Cleanup(cfg.SpillRetention); err != nil {
			logger.Errorw("Failed to clean spill journal", zap.Error(err))
		}
	}); err != nil {
		logger.Fatalw("Failed to schedule spill cleanup", zap.Error(err))
	}
	if _, err := c.AddFunc("@daily", func() {
		n, err := pgStore.PruneMetricUpdates(ctx, metricUpdateRetention)
		if err != nil {
			logger.Errorw("Failed to prune metric update keys", zap.Error(err))
			return
		}
		logger.Debugw("Pruned metric update keys", zap.Int64("count", n))
	}); err != nil {
		logger.Fatalw("Failed to schedule metric key pruning", zap.Error(err))
	}
	c.Start()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, svc, replayer, journal, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatalw("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warnw("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", zap.Error(err))
			}
		} else {
			logger.Infow("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Infow("Shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Server shutdown failed", zap.Error(err))
	}
	<-c.Stop().Done()
	<-workersDone
}
