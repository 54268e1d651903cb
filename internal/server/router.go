package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/log"
	"pulseq/internal/pipeline"
	"pulseq/internal/queue"
	"pulseq/internal/replay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type claimsKey struct{}

// Spiller holds events the queue store could not take.
type Spiller interface {
	Append(source, payload string) error
}

func SetupRouter(r *chi.Mux, cfg *config.Config, svc *queue.Service, replayer *replay.Replayer, spiller Spiller, logger *log.Logger) {
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(cfg.PollInterval.Seconds()))))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Store.Client().Ping(r.Context()).Err(); err != nil {
			logger.Errorw("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		full, err := svc.Monitor.FullQueues(r.Context())
		if err != nil {
			logger.Errorw("Queue depth check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"backpressure": len(full) > 0,
			"full_queues":  full,
		})
	})

	r.With(httprate.Limit(6000, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
		Post("/webhooks/{source}", func(w http.ResponseWriter, r *http.Request) {
			source := chi.URLParam(r, "source")
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if !json.Valid(body) {
				http.Error(w, "Body must be JSON", http.StatusBadRequest)
				return
			}
			payload, err := json.Marshal(pipeline.RawEvent{
				EventType:  firstHeader(r, "unknown", "X-Event-Type", "X-GitHub-Event"),
				DeliveryID: firstHeader(r, "", "X-Delivery-ID", "X-GitHub-Delivery"),
				Body:       body,
				ReceivedAt: time.Now().UTC(),
			})
			if err != nil {
				logger.Errorw("Failed to encode raw event", zap.Error(err))
				http.Error(w, "Failed to encode event", http.StatusInternalServerError)
				return
			}

			ok, err := svc.Enqueuer.Enqueue(r.Context(), config.RawEvents, queue.WorkItem{Source: source, Payload: string(payload)})
			switch {
			case queue.IsBackpressure(err):
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, err.Error(), http.StatusTooManyRequests)
			case err != nil:
				http.Error(w, err.Error(), http.StatusBadRequest)
			case ok:
				writeJSON(w, logger, http.StatusAccepted, map[string]string{"status": "queued"})
			default:
				if err := spiller.Append(source, string(payload)); err != nil {
					logger.Errorw("Failed to spill webhook", zap.String("source", source), zap.Error(err))
					http.Error(w, "Queue unavailable", http.StatusServiceUnavailable)
					return
				}
				logger.Warnw("Queue unavailable, spilled webhook", zap.String("source", source))
				writeJSON(w, logger, http.StatusAccepted, map[string]string{"status": "spilled"})
			}
		})

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/queues", func(w http.ResponseWriter, r *http.Request) {
			depths, err := svc.Monitor.QueueDepths(r.Context())
			if err != nil {
				logger.Errorw("Failed to read queue depths", zap.Error(err))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			dlq, err := svc.DeadLetters.Len(r.Context())
			if err != nil {
				logger.Errorw("Failed to read dead-letter depth", zap.Error(err))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, logger, http.StatusOK, map[string]interface{}{
				"queues":      depths,
				"dead_letter": dlq,
			})
		})

		r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			entries, err := replayer.Peek(r.Context(), limit)
			if err != nil {
				logger.Errorw("Failed to get dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			if entries == nil {
				entries = []queue.DeadLetterEntry{}
			}
			writeJSON(w, logger, http.StatusOK, entries)
		})

		r.Post("/dlq/replay", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			start := time.Now()
			res, err := replayer.Replay(r.Context(), limit)
			if err != nil {
				logger.Errorw("Failed to replay dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			logger.Infow("Replayed dead letters", zap.Int("replayed", res.Replayed), zap.Duration("duration", time.Since(start)))
			writeJSON(w, logger, http.StatusOK, res)
		})
	})
}

func firstHeader(r *http.Request, fallback string, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", zap.Error(err))
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warnw("Missing authorization token", zap.String("path", r.URL.Path))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warnw("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
