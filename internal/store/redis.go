package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// maxCASRetries bounds the optimistic retry loop in Update. Contention on a
// single timer key is teacher-action rate, so collisions are rare.
const maxCASRetries = 5

// RedisKV backs the KV interface with a shared Redis instance so timer state
// survives process restarts and is consistent across server replicas.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) SetTTL(ctx context.Context, key string, value []byte, ttlSec int) error {
	return r.client.Set(ctx, key, value, time.Duration(ttlSec)*time.Second).Err()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Update implements the read-modify-write contract with WATCH/MULTI/EXEC.
// Two concurrent pause calls, or a pause racing a start, serialize here: the
// second writer's transaction fails and re-reads the first writer's commit.
func (r *RedisKV) Update(ctx context.Context, key string, mutate func(old []byte, found bool) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			old, found = nil, false
		} else if err != nil {
			return err
		}

		next, err := mutate(old, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.Debug().Str("key", key).Int("attempt", i+1).Msg("redis CAS conflict, retrying")
	}
	return ErrConflict
}
