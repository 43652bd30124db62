package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blnkfinance/payrail/model"
)

// Records is the slice of the datasource the SQL store needs.
type Records interface {
	BeginIdempotency(ctx context.Context, key string, ttl time.Duration) (model.BeginResult, error)
	CommitIdempotency(ctx context.Context, key string, result json.RawMessage, retention time.Duration) error
	FailIdempotency(ctx context.Context, key string, reason string) error
}

// SQLStore keeps records in postgres. Failed rows stay as an audit trail and
// are reclaimed by the next Begin. Committed rows are retained for the same
// span as in RedisStore.
type SQLStore struct {
	records      Records
	ttl          time.Duration
	committedTTL time.Duration
}

func NewSQLStore(records Records, ttl time.Duration) *SQLStore {
	return &SQLStore{records: records, ttl: ttl, committedTTL: committedRetention * ttl}
}

func (s *SQLStore) Begin(ctx context.Context, key string) (model.BeginResult, error) {
	return s.records.BeginIdempotency(ctx, key, s.ttl)
}

func (s *SQLStore) Commit(ctx context.Context, key string, result json.RawMessage) error {
	return s.records.CommitIdempotency(ctx, key, result, s.committedTTL)
}

func (s *SQLStore) Fail(ctx context.Context, key string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.records.FailIdempotency(ctx, key, reason)
}
