package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/model"
)

// memoryStore is an in-process Store used to drive Guard.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]model.IdempotencyRecord
	failed  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]model.IdempotencyRecord{}}
}

func (m *memoryStore) Begin(_ context.Context, key string) (model.BeginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		m.records[key] = model.IdempotencyRecord{Key: key, Status: model.IdempotencyInProgress}
		return model.BeginResult{State: model.BeginNew}, nil
	}
	if rec.Status == model.IdempotencyCommitted {
		return model.BeginResult{State: model.BeginCommitted, Result: rec.Result}, nil
	}
	return model.BeginResult{State: model.BeginInProgress}, nil
}

func (m *memoryStore) Commit(_ context.Context, key string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = model.IdempotencyRecord{Key: key, Status: model.IdempotencyCommitted, Result: result}
	return nil
}

func (m *memoryStore) Fail(_ context.Context, key string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	m.failed = append(m.failed, key)
	return nil
}

func TestGuard_RunsOnceThenReplays(t *testing.T) {
	store := newMemoryStore()
	guard := NewGuard(store, PolicyReject, time.Second)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"sent"`), nil
	}

	first, err := guard.Run(ctx, "k", fn)
	require.NoError(t, err)
	second, err := guard.Run(ctx, "k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestGuard_FailureReleasesKey(t *testing.T) {
	store := newMemoryStore()
	guard := NewGuard(store, PolicyReject, time.Second)
	ctx := context.Background()

	_, err := guard.Run(ctx, "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("smtp down")
	})
	require.EqualError(t, err, "smtp down")
	assert.Equal(t, []string{"k"}, store.failed)

	calls := 0
	_, err = guard.Run(ctx, "k", func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGuard_InProgressPolicies(t *testing.T) {
	ctx := context.Background()
	noop := func(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`"ran"`), nil }

	t.Run("reject", func(t *testing.T) {
		store := newMemoryStore()
		_, _ = store.Begin(ctx, "k")
		_, err := NewGuard(store, PolicyReject, time.Second).Run(ctx, "k", noop)
		assert.ErrorIs(t, err, ErrInProgress)
	})

	t.Run("proceed", func(t *testing.T) {
		store := newMemoryStore()
		_, _ = store.Begin(ctx, "k")
		res, err := NewGuard(store, PolicyProceed, time.Second).Run(ctx, "k", noop)
		require.NoError(t, err)
		assert.JSONEq(t, `"ran"`, string(res))
		assert.Equal(t, model.IdempotencyInProgress, store.records["k"].Status)
	})

	t.Run("wait for commit", func(t *testing.T) {
		store := newMemoryStore()
		_, _ = store.Begin(ctx, "k")
		guard := NewGuard(store, PolicyWait, 2*time.Second)
		guard.pollInterval = 5 * time.Millisecond

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = store.Commit(ctx, "k", json.RawMessage(`"holder"`))
		}()

		res, err := guard.Run(ctx, "k", func(ctx context.Context) (json.RawMessage, error) {
			t.Fatal("must not run while the holder commits")
			return nil, nil
		})
		require.NoError(t, err)
		assert.JSONEq(t, `"holder"`, string(res))
	})

	t.Run("wait times out", func(t *testing.T) {
		store := newMemoryStore()
		_, _ = store.Begin(ctx, "k")
		guard := NewGuard(store, PolicyWait, 30*time.Millisecond)
		guard.pollInterval = 5 * time.Millisecond

		_, err := guard.Run(ctx, "k", noop)
		assert.ErrorIs(t, err, ErrInProgress)
	})
}
