// Package spill keeps ingress events that could not reach the queue store
// in a local append-only journal until they can be replayed.
package spill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pulseq/internal/log"
	"pulseq/internal/queue"

	"go.uber.org/zap"
)

const (
	activeName     = "spill.log"
	pendingPrefix  = "pending-"
	replayedPrefix = "replayed-"
	stampLayout    = "20060102T150405.000000000"

	defaultMaxFileSize = 16 * 1024 * 1024
)

var ErrStoreUnavailable = errors.New("queue store unavailable")

// Entry is one spilled event.
type Entry struct {
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	SpilledAt time.Time `json:"spilled_at"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, item queue.WorkItem) (bool, error)
}

// Journal appends entries to dir/spill.log. The active file is rotated to
// pending-<stamp>.log when it grows past the size limit or when a drain
// starts; fully drained files are renamed replayed-<stamp>.log and kept
// until Cleanup removes them.
type Journal struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	size        int64
	maxFileSize int64
	logger      *log.Logger
	now         func() time.Time
}

func Open(dir string, logger *log.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spill directory %s: %w", dir, err)
	}
	j := &Journal{
		dir:         dir,
		maxFileSize: defaultMaxFileSize,
		logger:      logger,
		now:         time.Now,
	}
	if err := j.openActive(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openActive() error {
	f, err := os.OpenFile(filepath.Join(j.dir, activeName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open spill file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat spill file: %w", err)
	}
	j.file = f
	j.size = info.Size()
	return nil
}

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(source, payload string) error {
	data, err := json.Marshal(Entry{Source: source, Payload: payload, SpilledAt: j.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal spill entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size >= j.maxFileSize {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := j.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write spill entry: %w", err)
	}
	j.size += int64(n)
	return j.file.Sync()
}

func (j *Journal) rotateLocked() error {
	if j.size == 0 {
		return nil
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close spill file: %w", err)
	}
	current := filepath.Join(j.dir, activeName)
	rotated := filepath.Join(j.dir, pendingPrefix+j.now().UTC().Format(stampLayout)+".log")
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("rotate spill file: %w", err)
	}
	return j.openActive()
}

// Drain enqueues every pending entry into the named queue, oldest file
// first. It stops at the first backpressure or store failure and keeps
// the unsent remainder for the next drain. Entries the queue rejects as
// invalid are dropped. It returns how many entries were enqueued.
func (j *Journal) Drain(ctx context.Context, enq Enqueuer, name string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotateLocked(); err != nil {
		return 0, err
	}
	files, err := filepath.Glob(filepath.Join(j.dir, pendingPrefix+"*.log"))
	if err != nil {
		return 0, fmt.Errorf("list spill files: %w", err)
	}
	sort.Strings(files)

	total := 0
	for _, path := range files {
		n, err := j.drainFile(ctx, enq, name, path)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (j *Journal) drainFile(ctx context.Context, enq Enqueuer, name, path string) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}
	sent := 0
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			j.logger.Warnw("Dropping undecodable spill entry", zap.String("file", path), zap.Error(err))
			continue
		}
		ok, err := enq.Enqueue(ctx, name, queue.WorkItem{Source: e.Source, Payload: e.Payload})
		switch {
		case err != nil && queue.IsBackpressure(err):
		case err != nil:
			j.logger.Warnw("Dropping rejected spill entry", zap.String("source", e.Source), zap.Error(err))
			continue
		case ok:
			sent++
			continue
		default:
			err = ErrStoreUnavailable
		}
		if werr := writeLines(path, lines[i:]); werr != nil {
			return sent, werr
		}
		return sent, err
	}
	done := filepath.Join(j.dir, replayedPrefix+strings.TrimPrefix(filepath.Base(path), pendingPrefix))
	if err := os.Rename(path, done); err != nil {
		return sent, fmt.Errorf("mark spill file replayed: %w", err)
	}
	return sent, nil
}

// Cleanup removes replayed files older than retention.
func (j *Journal) Cleanup(retention time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(j.dir, replayedPrefix+"*.log"))
	if err != nil {
		return fmt.Errorf("list replayed spill files: %w", err)
	}
	for _, file := range files {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), replayedPrefix), ".log")
		t, err := time.Parse(stampLayout, stamp)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove spill file %s: %w", file, err)
			}
		}
	}
	return nil
}

// Pending counts entries not yet drained.
func (j *Journal) Pending() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(j.dir, pendingPrefix+"*.log"))
	if err != nil {
		return 0, fmt.Errorf("list spill files: %w", err)
	}
	files = append(files, filepath.Join(j.dir, activeName))
	total := 0
	for _, path := range files {
		lines, err := readLines(path)
		if err != nil {
			return 0, err
		}
		total += len(lines)
	}
	return total, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close spill file: %w", err)
	}
	return nil
}

func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spill file %s: %w", path, err)
	}
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), defaultMaxFileSize)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			lines = append(lines, append([]byte(nil), sc.Bytes()...))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan spill file %s: %w", path, err)
	}
	return lines, nil
}

// writeLines replaces path with lines via a temp file and rename.
func writeLines(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	data := append(bytes.Join(lines, []byte{'\n'}), '\n')
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write spill file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace spill file: %w", err)
	}
	return nil
}
