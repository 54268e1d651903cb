package queue

import (
	"pulseq/internal/config"
	"pulseq/internal/id"
	"pulseq/internal/log"

	"github.com/redis/go-redis/v9"
)

// Service bundles the queue components wired to a single store.
type Service struct {
	Store       *Store
	Admission   *Admission
	Enqueuer    *Enqueuer
	Dequeuer    *Dequeuer
	Processor   *Processor
	DeadLetters *DeadLetterRouter
	Monitor     *Monitor
}

type Options struct {
	AdmissionMode string
	DeliveryMode  string
	WorkerID      string
	Recorder      Recorder
}

func NewService(rdb redis.UniversalClient, queues *config.Queues, node *id.Node, opts Options, logger *log.Logger) *Service {
	store := NewStore(rdb, queues)
	admission := NewAdmission(store)
	dequeuer := NewDequeuer(store, opts.DeliveryMode, opts.WorkerID, opts.Recorder, logger)
	deadLetters := NewDeadLetterRouter(store, queues)
	return &Service{
		Store:       store,
		Admission:   admission,
		Enqueuer:    NewEnqueuer(store, admission, node, opts.AdmissionMode, opts.Recorder, logger),
		Dequeuer:    dequeuer,
		Processor:   NewProcessor(dequeuer, deadLetters, opts.Recorder, logger),
		DeadLetters: deadLetters,
		Monitor:     NewMonitor(store),
	}
}
