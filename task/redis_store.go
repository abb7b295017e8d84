package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "visionaid:task:"
	redisMaxAttempts = 5
)

// RedisStore keeps tasks as JSON values in Redis. Terminal tasks expire after
// retention; a zero retention keeps them until the key is deleted.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// ConnectRedis dials addr and verifies the connection.
func ConnectRedis(ctx context.Context, addr string, retention time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, retention: retention, now: time.Now}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) ttl(t Task) time.Duration {
	if t.Status.Terminal() && s.retention > 0 {
		return s.retention
	}
	return 0
}

func (s *RedisStore) Create(ctx context.Context, id string) (Task, error) {
	now := s.now()
	t := Task{ID: id, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(t)
	if err != nil {
		return Task{}, err
	}
	ok, err := s.client.SetNX(ctx, redisKey(id), data, 0).Result()
	if err != nil {
		return Task{}, fmt.Errorf("create task %s: %w", id, err)
	}
	if !ok {
		return Task{}, ErrExists
	}
	return t, nil
}

// Update applies p inside an optimistic WATCH transaction, retrying when a
// concurrent writer touched the key.
func (s *RedisStore) Update(ctx context.Context, id string, p Patch) (Task, error) {
	key := redisKey(id)
	var updated Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", id, err)
		}
		t.apply(p, s.now())
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl(t))
			return nil
		})
		if err == nil {
			updated = t
		}
		return err
	}

	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Task{}, err
		}
		return updated, nil
	}
	return Task{}, fmt.Errorf("update task %s: too much contention", id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (Task, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Task, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Task{}, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	sortNewestFirst(out)
	return out, nil
}

// Evict deletes terminal tasks completed before cutoff. Keys with a TTL are
// also expired by Redis itself.
func (s *RedisStore) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, t := range tasks {
		if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
			keys = append(keys, redisKey(t.ID))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return int(n), err
}
