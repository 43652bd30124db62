package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/model"
)

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) BeginIdempotency(ctx context.Context, key string, ttl time.Duration) (model.BeginResult, error) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(model.BeginResult), args.Error(1)
}

func (m *mockRecords) CommitIdempotency(ctx context.Context, key string, result json.RawMessage, retention time.Duration) error {
	args := m.Called(ctx, key, result, retention)
	return args.Error(0)
}

func (m *mockRecords) FailIdempotency(ctx context.Context, key string, reason string) error {
	args := m.Called(ctx, key, reason)
	return args.Error(0)
}

func TestSQLStore_PassesTTLs(t *testing.T) {
	records := &mockRecords{}
	store := NewSQLStore(records, time.Hour)
	ctx := context.Background()

	records.On("BeginIdempotency", ctx, "k", time.Hour).Return(model.BeginResult{State: model.BeginNew}, nil).Once()
	records.On("CommitIdempotency", ctx, "k", json.RawMessage(`{"ok":true}`), 7*time.Hour).Return(nil).Once()
	records.On("FailIdempotency", ctx, "k2", "smtp down").Return(nil).Once()

	begin, err := store.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, model.BeginNew, begin.State)
	require.NoError(t, store.Commit(ctx, "k", json.RawMessage(`{"ok":true}`)))
	require.NoError(t, store.Fail(ctx, "k2", errors.New("smtp down")))
	records.AssertExpectations(t)
}
