// Package idempotency lets clients retry POST requests (invoice creation,
// payment registration) with an Idempotency-Key header without issuing a
// second invoice number or recording a second payment.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is a stored response. A record with Status 0 marks a request that
// is still in flight.
type Record struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (r *Record) Pending() bool { return r.Status == 0 }

type Store interface {
	// Reserve claims key. When the key is already taken it returns the
	// existing record and false.
	Reserve(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// NewRedis connects to redisURL and verifies the server answers.
func NewRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "idempotency:"}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	pending, _ := json.Marshal(Record{})
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, pending, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = s.rdb.SetNX(ctx, s.prefix+key, pending, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return nil, true, nil
		}
		return &Record{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return s.rdb.Set(ctx, s.prefix+key, raw, ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// MemoryStore is a single-process Store used when REDIS_URL is unset and
// in tests.
// Expired entries are swept at most once per memorySweepInterval.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	entries   map[string]memoryEntry
	nextSweep time.Time
}

const memorySweepInterval = time.Minute

type memoryEntry struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		rec := e.rec
		return &rec, false, nil
	}
	s.entries[key] = memoryEntry{expires: now.Add(ttl)}
	return nil, true, nil
}

// sweep drops expired entries. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	s.nextSweep = now.Add(memorySweepInterval)
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{rec: rec, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
