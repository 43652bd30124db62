package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/model"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Minute), mr
}

func TestRedisStore_ConcurrentBeginHasSingleWinner(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Begin(ctx, "payrail:email:u1:o1")
			if assert.NoError(t, err) && res.State == model.BeginNew {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestRedisStore_CommitThenBeginReturnsResult(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	res, err := store.Begin(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, model.BeginNew, res.State)

	require.NoError(t, store.Commit(ctx, "k1", json.RawMessage(`{"message_id":"m-1"}`)))

	res, err = store.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.BeginCommitted, res.State)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(res.Result))
	assert.Equal(t, 7*time.Minute, mr.TTL(keyPrefix+"k1"))
}

func TestRedisStore_InProgressUntilFailReleases(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	_, err := store.Begin(ctx, "k2")
	require.NoError(t, err)

	res, err := store.Begin(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, model.BeginInProgress, res.State)

	require.NoError(t, store.Fail(ctx, "k2", errors.New("smtp timeout")))

	res, err = store.Begin(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, model.BeginNew, res.State)
}

func TestRedisStore_ClaimExpires(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	_, err := store.Begin(ctx, "k3")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	res, err := store.Begin(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, model.BeginNew, res.State)
}

func TestRedisStore_BeginPropagatesRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, time.Minute)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	claim, _ := json.Marshal(model.IdempotencyRecord{
		Key:       "k4",
		Status:    model.IdempotencyInProgress,
		CreatedAt: fixed,
		UpdatedAt: fixed,
		ExpiresAt: fixed.Add(time.Minute),
	})
	mock.ExpectSetNX(keyPrefix+"k4", claim, time.Minute).SetErr(errors.New("connection refused"))

	_, err := store.Begin(context.Background(), "k4")
	assert.EqualError(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}
