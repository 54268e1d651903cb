// Package queue implements the staged work queues: named Redis lists with
// admission control, atomic batch dequeue, per-item failure isolation and
// dead-letter routing.
package queue

import (
	"context"
	"fmt"
	"time"

	"pulseq/internal/config"

	"github.com/redis/go-redis/v9"
)

// Store owns the Redis lists backing the configured queues. Every mutation
// goes through a MULTI/EXEC transaction or a Lua script so that partial
// execution is never observable.
type Store struct {
	rdb    redis.UniversalClient
	queues *config.Queues
}

func NewStore(rdb redis.UniversalClient, queues *config.Queues) *Store {
	return &Store{rdb: rdb, queues: queues}
}

func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

func (s *Store) Queues() *config.Queues {
	return s.queues
}

func (s *Store) resolve(name string) (config.QueueConfig, error) {
	qc, ok := s.queues.Get(name)
	if !ok {
		return config.QueueConfig{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return qc, nil
}

// Len returns the current length of a queue list.
func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	qc, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	n, err := s.rdb.LLen(ctx, qc.Key).Result()
	if err != nil {
		return 0, &ConnectionError{Op: "llen " + qc.Key, Err: err}
	}
	return n, nil
}

// push appends entries to the tail of key and resets its expiry.
func (s *Store) push(ctx context.Context, key string, ttl time.Duration, entries ...string) error {
	args := make([]interface{}, len(entries))
	for i, e := range entries {
		args[i] = e
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, args...)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return &ConnectionError{Op: "rpush " + key, Err: err}
	}
	return nil
}

// pushIfRoom appends one entry only while the list is below max. It returns
// the length observed when the push was refused, or -1 on success.
func (s *Store) pushIfRoom(ctx context.Context, key string, ttl time.Duration, max int64, entry string) (int64, error) {
	res, err := pushIfRoomScript.Run(ctx, s.rdb, []string{key}, max, ttl.Milliseconds(), entry).Int64Slice()
	if err != nil {
		return 0, &ConnectionError{Op: "conditional push " + key, Err: err}
	}
	if res[0] == 0 {
		return res[1], nil
	}
	return -1, nil
}

// popHead removes and returns up to n entries from the head of key.
func (s *Store) popHead(ctx context.Context, key string, n int) ([]string, error) {
	var rng *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, int64(n-1))
		pipe.LTrim(ctx, key, int64(n), -1)
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{Op: "lrange/ltrim " + key, Err: err}
	}
	return rng.Val(), nil
}

// pushFront puts entries back at the head of key, keeping their order.
func (s *Store) pushFront(ctx context.Context, key string, ttl time.Duration, entries ...string) error {
	args := make([]interface{}, len(entries))
	for i, e := range entries {
		args[len(entries)-1-i] = e
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, args...)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return &ConnectionError{Op: "lpush " + key, Err: err}
	}
	return nil
}

// peekHead returns up to n entries from the head of key without removing
// them.
func (s *Store) peekHead(ctx context.Context, key string, n int) ([]string, error) {
	res, err := s.rdb.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, &ConnectionError{Op: "lrange " + key, Err: err}
	}
	return res, nil
}

// popHeadInto behaves like popHead but also appends the removed entries to
// the in-flight list, in the same script.
func (s *Store) popHeadInto(ctx context.Context, key, inflight string, n int, ttl time.Duration) ([]string, error) {
	res, err := popIntoScript.Run(ctx, s.rdb, []string{key, inflight}, n, ttl.Milliseconds()).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, &ConnectionError{Op: "pop into " + inflight, Err: err}
	}
	return res, nil
}

func (s *Store) removeInflight(ctx context.Context, inflight, entry string) error {
	if err := s.rdb.LRem(ctx, inflight, 1, entry).Err(); err != nil {
		return &ConnectionError{Op: "lrem " + inflight, Err: err}
	}
	return nil
}

// restoreInflight moves every in-flight entry back to the head of key,
// keeping original order, and returns how many were moved.
func (s *Store) restoreInflight(ctx context.Context, key, inflight string, ttl time.Duration) (int64, error) {
	n, err := restoreScript.Run(ctx, s.rdb, []string{key, inflight}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, &ConnectionError{Op: "restore " + inflight, Err: err}
	}
	return n, nil
}

// InflightKey names the per-worker list holding dequeued but unacknowledged
// entries.
// Format: {queue key}:inflight:{worker id}
func InflightKey(queueKey, workerID string) string {
	return queueKey + ":inflight:" + workerID
}

var pushIfRoomScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n >= tonumber(ARGV[1]) then
  return {0, n}
end
local m = redis.call('RPUSH', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, m}
`)

var popIntoScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
  for i = 1, #items, 1000 do
    redis.call('RPUSH', KEYS[2], unpack(items, i, math.min(i + 999, #items)))
  end
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return items
`)

var restoreScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[2], 0, -1)
for i = #items, 1, -1 do
  redis.call('LPUSH', KEYS[1], items[i])
end
redis.call('DEL', KEYS[2])
if #items > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return #items
`)
