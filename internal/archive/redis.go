package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentflow/internal/domain"
)

const redisKeyPrefix = "agentflow:result:"

// Redis stores one JSON record per key, expiring after ttl (0 keeps forever).
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedis(rdb, ttl), nil
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Put(ctx context.Context, rec domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+rec.Item.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.Item.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (domain.Record, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return rec, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
