package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

// BeginIdempotency claims key. The upsert only takes over a row that failed
// or whose in-progress claim expired, so for concurrent callers exactly one
// gets a row back. Committed rows are never reclaimed; they replay until
// they are purged.
func (d Datasource) BeginIdempotency(ctx context.Context, key string, ttl time.Duration) (model.BeginResult, error) {
	var status string
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO payrail.idempotency_records (key, status, created_at, updated_at, expires_at)
		VALUES ($1, 'in_progress', NOW(), NOW(), NOW() + $2 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE
			SET status = 'in_progress', result = NULL, error = NULL,
				updated_at = NOW(), expires_at = EXCLUDED.expires_at
			WHERE payrail.idempotency_records.status = 'failed'
				OR (payrail.idempotency_records.status = 'in_progress'
					AND payrail.idempotency_records.expires_at < NOW())
		RETURNING status
	`, key, int64(ttl.Seconds())).Scan(&status)
	if err == nil {
		return model.BeginResult{State: model.BeginNew}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.BeginResult{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim idempotency key", err)
	}

	var result []byte
	err = d.Conn.QueryRowContext(ctx,
		"SELECT status, result FROM payrail.idempotency_records WHERE key = $1", key,
	).Scan(&status, &result)
	if err != nil {
		return model.BeginResult{}, notFoundOr(err, "Idempotency record")
	}

	if model.IdempotencyStatus(status) == model.IdempotencyCommitted {
		return model.BeginResult{State: model.BeginCommitted, Result: json.RawMessage(result)}, nil
	}
	return model.BeginResult{State: model.BeginInProgress}, nil
}

// CommitIdempotency stores the result and keeps the record for retention.
func (d Datasource) CommitIdempotency(ctx context.Context, key string, result json.RawMessage, retention time.Duration) error {
	var value interface{}
	if len(result) > 0 {
		value = string(result)
	}
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payrail.idempotency_records
		SET status = 'committed', result = $2, error = NULL, updated_at = NOW(),
			expires_at = NOW() + $3 * INTERVAL '1 second'
		WHERE key = $1
	`, key, value, int64(retention.Seconds()))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit idempotency key", err)
	}
	return nil
}

func (d Datasource) FailIdempotency(ctx context.Context, key string, reason string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payrail.idempotency_records
		SET status = 'failed', error = $2, updated_at = NOW()
		WHERE key = $1 AND status = 'in_progress'
	`, key, reason)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release idempotency key", err)
	}
	return nil
}
