package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"visionchat/internal/models"
	"visionchat/internal/redis"
)

const watchRetries = 5

// RedisStore keeps session state as JSON values so several replicas can serve
// the same browser session.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	flagTTL time.Duration
}

func NewRedisStore(client *redis.Client, ttl, flagTTL time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if flagTTL <= 0 {
		flagTTL = 5 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl, flagTTL: flagTTL}
}

func (r *RedisStore) stateKey(id string) string { return r.client.Key("session", id) }

func (r *RedisStore) flagKey(id, flag string) string {
	return r.client.Key("session", id, "flag", flag)
}

func (r *RedisStore) Create(ctx context.Context) (*models.SessionState, error) {
	for i := 0; i < 3; i++ {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		st := newState(id)
		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}
		ok, err := r.client.SetNX(ctx, r.stateKey(id), data, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("store session: %w", err)
		}
		if ok {
			return st, nil
		}
	}
	return nil, errors.New("could not allocate session id")
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.SessionState, error) {
	data, err := r.client.Get(ctx, r.stateKey(id))
	if err != nil {
		if errors.Is(err, redis.ErrMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeState(data)
}

func (r *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.stateKey(id))
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*models.SessionState) error) (*models.SessionState, error) {
	key := r.stateKey(id)
	var out *models.SessionState
	err := r.client.Watch(ctx, watchRetries, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return ErrNotFound
			}
			return err
		}
		st, err := decodeState(data)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = time.Now().UTC()
		next, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, next, r.ttl)
			return nil
		})
		if err == nil {
			out = st
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.stateKey(id))
}

func (r *RedisStore) TryAcquire(ctx context.Context, id, flag string) (bool, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, r.flagKey(id, flag), 1, r.flagTTL)
}

func (r *RedisStore) Release(ctx context.Context, id, flag string) error {
	return r.client.Del(ctx, r.flagKey(id, flag))
}

func decodeState(data []byte) (*models.SessionState, error) {
	var st models.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &st, nil
}
