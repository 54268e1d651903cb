package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"pulseq/internal/id"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrWorkerIDRequired = errors.New("WORKER_ID is required in at-least-once delivery mode")

// Logical queue names, one per processing stage.
const (
	RawEvents         = "raw_events"
	EventProcessing   = "event_processing"
	MetricCalculation = "metric_calculation"
	AnomalyDetection  = "anomaly_detection"
)

const (
	DeadLetterKey = "queue:dead_letter"

	DeliveryAtMostOnce  = "at-most-once"
	DeliveryAtLeastOnce = "at-least-once"

	AdmissionAdvisory = "advisory"
	AdmissionStrict   = "strict"
)

// QueueConfig is the static description of one queue.
type QueueConfig struct {
	Name      string        `yaml:"name"`
	Key       string        `yaml:"key"`
	MaxSize   int64         `yaml:"max_size"`
	BatchSize int           `yaml:"batch_size"`
	TTL       time.Duration `yaml:"ttl"`
}

// Queues is the immutable queue table. It is built once by Load (or
// DefaultQueues in tests) and passed into every queue component.
type Queues struct {
	byName        map[string]QueueConfig
	DeadLetterKey string
	DeadLetterTTL time.Duration
}

func NewQueues(deadLetterKey string, deadLetterTTL time.Duration, queues ...QueueConfig) (*Queues, error) {
	q := &Queues{
		byName:        make(map[string]QueueConfig, len(queues)),
		DeadLetterKey: deadLetterKey,
		DeadLetterTTL: deadLetterTTL,
	}
	if deadLetterKey == "" {
		return nil, errors.New("dead-letter key is required")
	}
	if deadLetterTTL <= 0 {
		return nil, errors.New("dead-letter ttl must be positive")
	}
	keys := map[string]string{deadLetterKey: "dead_letter"}
	for _, qc := range queues {
		if err := qc.validate(); err != nil {
			return nil, err
		}
		if _, dup := q.byName[qc.Name]; dup {
			return nil, fmt.Errorf("queue %s defined twice", qc.Name)
		}
		if other, dup := keys[qc.Key]; dup {
			return nil, fmt.Errorf("queue %s reuses key %s of %s", qc.Name, qc.Key, other)
		}
		keys[qc.Key] = qc.Name
		q.byName[qc.Name] = qc
	}
	return q, nil
}

func (qc QueueConfig) validate() error {
	switch {
	case qc.Name == "":
		return errors.New("queue name is required")
	case qc.Key == "":
		return fmt.Errorf("queue %s: key is required", qc.Name)
	case qc.MaxSize <= 0:
		return fmt.Errorf("queue %s: max_size must be positive", qc.Name)
	case qc.BatchSize <= 0:
		return fmt.Errorf("queue %s: batch_size must be positive", qc.Name)
	case qc.TTL <= 0:
		return fmt.Errorf("queue %s: ttl must be positive", qc.Name)
	}
	return nil
}

// DefaultQueues returns the stage table used when nothing is overridden.
func DefaultQueues() *Queues {
	q, err := NewQueues(DeadLetterKey, 7*24*time.Hour, defaultQueueConfigs()...)
	if err != nil {
		panic(err)
	}
	return q
}

func defaultQueueConfigs() []QueueConfig {
	return []QueueConfig{
		{Name: RawEvents, Key: "queue:events:raw", MaxSize: 10000, BatchSize: 100, TTL: 24 * time.Hour},
		{Name: EventProcessing, Key: "queue:events:processing", MaxSize: 5000, BatchSize: 50, TTL: 24 * time.Hour},
		{Name: MetricCalculation, Key: "queue:metrics:calculation", MaxSize: 5000, BatchSize: 50, TTL: 24 * time.Hour},
		{Name: AnomalyDetection, Key: "queue:anomalies:detection", MaxSize: 1000, BatchSize: 25, TTL: 24 * time.Hour},
	}
}

// Get returns the configuration of a named queue.
func (q *Queues) Get(name string) (QueueConfig, bool) {
	qc, ok := q.byName[name]
	return qc, ok
}

// Names returns the configured queue names in sorted order.
func (q *Queues) Names() []string {
	names := make([]string, 0, len(q.byName))
	for name := range q.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Config struct {
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	DatabaseURL       string
	HTTPAddr          string
	MetricsAddr       string
	JWTSecret         string
	WorkerID          string
	NodeID            int64
	DeliveryMode      string
	AdmissionMode     string
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	SpillDir          string
	SpillRetention    time.Duration
	AnomalyThreshold  float64
	Queues            *Queues
}

// Load reads the process configuration from the environment, optionally
// seeded from a .env file.
func Load() (*Config, error) {
	// .env is optional; variables may come from the environment directly
	_ = godotenv.Load()

	cfg := &Config{
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		MetricsAddr:       getenv("METRICS_ADDR", ":2112"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		WorkerID:          os.Getenv("WORKER_ID"),
		DeliveryMode:      getenv("DELIVERY_MODE", DeliveryAtMostOnce),
		AdmissionMode:     getenv("ADMISSION_MODE", AdmissionAdvisory),
		PollInterval:      time.Second,
		KeepaliveInterval: time.Minute,
		SpillDir:          getenv("SPILL_DIR", "./data/spill"),
		SpillRetention:    72 * time.Hour,
		AnomalyThreshold:  3,
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.KeepaliveInterval, err = getDuration("KEEPALIVE_INTERVAL", cfg.KeepaliveInterval); err != nil {
		return nil, err
	}
	if cfg.SpillRetention, err = getDuration("SPILL_RETENTION", cfg.SpillRetention); err != nil {
		return nil, err
	}
	if v := os.Getenv("ANOMALY_THRESHOLD"); v != "" {
		if cfg.AnomalyThreshold, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid ANOMALY_THRESHOLD: %w", err)
		}
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.DeliveryMode {
	case DeliveryAtMostOnce, DeliveryAtLeastOnce:
	default:
		return nil, fmt.Errorf("invalid DELIVERY_MODE %q", cfg.DeliveryMode)
	}
	if cfg.WorkerID == "" {
		// inflight lists are keyed by worker id and recovered on start, so
		// the id has to survive a restart
		if cfg.DeliveryMode == DeliveryAtLeastOnce {
			return nil, ErrWorkerIDRequired
		}
		host, _ := os.Hostname()
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		if cfg.NodeID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid NODE_ID: %w", err)
		}
		if cfg.NodeID < 0 || cfg.NodeID > 1023 {
			return nil, fmt.Errorf("invalid NODE_ID %d: must be within 0..1023", cfg.NodeID)
		}
	} else {
		cfg.NodeID = id.NodeIDFor(cfg.WorkerID)
	}
	switch cfg.AdmissionMode {
	case AdmissionAdvisory, AdmissionStrict:
	default:
		return nil, fmt.Errorf("invalid ADMISSION_MODE %q", cfg.AdmissionMode)
	}

	queues, err := LoadQueues()
	if err != nil {
		return nil, err
	}
	cfg.Queues = queues
	return cfg, nil
}

type queueFile struct {
	DeadLetter struct {
		Key string        `yaml:"key"`
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"dead_letter"`
	Queues []QueueConfig `yaml:"queues"`
}

// LoadQueues builds the queue table from QUEUE_CONFIG_FILE and the
// QUEUE_<NAME>_* overrides.
func LoadQueues() (*Queues, error) {
	return loadQueues(os.Getenv("QUEUE_CONFIG_FILE"))
}

// loadQueues starts from the default table, merges an optional YAML file
// and then QUEUE_<NAME>_* environment overrides.
func loadQueues(path string) (*Queues, error) {
	base := defaultQueueConfigs()
	dlqKey, dlqTTL := DeadLetterKey, 7*24*time.Hour

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read queue config %s: %w", path, err)
		}
		var f queueFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse queue config %s: %w", path, err)
		}
		if f.DeadLetter.Key != "" {
			dlqKey = f.DeadLetter.Key
		}
		if f.DeadLetter.TTL > 0 {
			dlqTTL = f.DeadLetter.TTL
		}
		base = mergeQueues(base, f.Queues)
	}

	for i := range base {
		if err := applyQueueEnv(&base[i]); err != nil {
			return nil, err
		}
	}
	return NewQueues(dlqKey, dlqTTL, base...)
}

func mergeQueues(base, overrides []QueueConfig) []QueueConfig {
	idx := make(map[string]int, len(base))
	for i, qc := range base {
		idx[qc.Name] = i
	}
	for _, o := range overrides {
		i, ok := idx[o.Name]
		if !ok {
			idx[o.Name] = len(base)
			base = append(base, o)
			continue
		}
		if o.Key != "" {
			base[i].Key = o.Key
		}
		if o.MaxSize > 0 {
			base[i].MaxSize = o.MaxSize
		}
		if o.BatchSize > 0 {
			base[i].BatchSize = o.BatchSize
		}
		if o.TTL > 0 {
			base[i].TTL = o.TTL
		}
	}
	return base
}

func applyQueueEnv(qc *QueueConfig) error {
	prefix := "QUEUE_" + strings.ToUpper(qc.Name) + "_"
	if v := os.Getenv(prefix + "MAX_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_SIZE: %w", prefix, err)
		}
		qc.MaxSize = n
	}
	if v := os.Getenv(prefix + "BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sBATCH_SIZE: %w", prefix, err)
		}
		qc.BatchSize = n
	}
	if v := os.Getenv(prefix + "TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sTTL: %w", prefix, err)
		}
		qc.TTL = d
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
