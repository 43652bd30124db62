package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blnkfinance/payrail/model"
)

const keyPrefix = "idempotency:"

// RedisStore claims keys with SETNX. Failed keys are deleted so the next
// Begin can reclaim them.
type RedisStore struct {
	client       redis.UniversalClient
	inFlightTTL  time.Duration
	committedTTL time.Duration
	now          func() time.Time
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:       client,
		inFlightTTL:  ttl,
		committedTTL: committedRetention * ttl,
		now:          time.Now,
	}
}

func (s *RedisStore) Begin(ctx context.Context, key string) (model.BeginResult, error) {
	now := s.now().UTC()
	claim, err := json.Marshal(model.IdempotencyRecord{
		Key:       key,
		Status:    model.IdempotencyInProgress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.inFlightTTL),
	})
	if err != nil {
		return model.BeginResult{}, err
	}

	// Two rounds cover a holder releasing the key between SETNX and GET.
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, keyPrefix+key, claim, s.inFlightTTL).Result()
		if err != nil {
			return model.BeginResult{}, err
		}
		if ok {
			return model.BeginResult{State: model.BeginNew}, nil
		}

		raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return model.BeginResult{}, err
		}

		var rec model.IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return model.BeginResult{}, err
		}
		if rec.Status == model.IdempotencyCommitted {
			return model.BeginResult{State: model.BeginCommitted, Result: rec.Result}, nil
		}
		return model.BeginResult{State: model.BeginInProgress}, nil
	}
	return model.BeginResult{State: model.BeginInProgress}, nil
}

func (s *RedisStore) Commit(ctx context.Context, key string, result json.RawMessage) error {
	now := s.now().UTC()
	rec, err := json.Marshal(model.IdempotencyRecord{
		Key:       key,
		Status:    model.IdempotencyCommitted,
		Result:    result,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.committedTTL),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, rec, s.committedTTL).Err()
}

func (s *RedisStore) Fail(ctx context.Context, key string, _ error) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}
