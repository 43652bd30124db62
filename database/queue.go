package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

const deadLetterColumns = "id, queue, row_id, type, COALESCE(provider, ''), payload, reason, attempts, created_at"

func queueTable(kind model.QueueKind) (string, error) {
	switch kind {
	case model.QueueOutbox:
		return "payrail.outbox_items", nil
	case model.QueueWebhook:
		return "payrail.webhook_events", nil
	}
	return "", apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown queue %q", kind), nil)
}

// pendingQuery selects unprocessed rows of a queue in FIFO order.
func pendingQuery(kind model.QueueKind) (string, error) {
	switch kind {
	case model.QueueOutbox:
		return `SELECT id, type, '' AS provider, payload, attempts, created_at
			FROM payrail.outbox_items
			WHERE processed_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $1`, nil
	case model.QueueWebhook:
		return `SELECT id, event_type, provider, payload, attempts, created_at
			FROM payrail.webhook_events
			WHERE processed_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $1`, nil
	}
	return "", apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown queue %q", kind), nil)
}

func insertOutbox(ctx context.Context, ex execer, item *model.OutboxItem) error {
	if item.ID == "" {
		item.ID = model.GenerateUUIDWithSuffix("outbox")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payrail.outbox_items (id, type, payload, attempts, created_at)
		VALUES ($1, $2, $3, 0, $4)
	`, item.ID, item.Type, item.Payload, item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "Outbox item already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue outbox item", err)
	}
	return nil
}

func (d Datasource) EnqueueOutbox(ctx context.Context, item *model.OutboxItem) error {
	return insertOutbox(ctx, d.Conn, item)
}

// InsertWebhookEvent stores a provider delivery. A redelivery of an event
// already stored is a no-op and reports inserted=false.
func (d Datasource) InsertWebhookEvent(ctx context.Context, row *model.WebhookEventRow) (bool, error) {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payrail.webhook_events (id, provider, event_type, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (id) DO NOTHING
	`, row.ID, row.Provider, row.EventType, row.Payload, row.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to store webhook event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to store webhook event", err)
	}
	return affected == 1, nil
}

func (d Datasource) FetchOldest(ctx context.Context, kind model.QueueKind, limit int) ([]model.QueueRow, error) {
	query, err := pendingQuery(kind)
	if err != nil {
		return nil, err
	}

	rows, err := d.Conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "Failed to fetch queue rows", err)
	}
	defer rows.Close()

	var result []model.QueueRow
	for rows.Next() {
		row := model.QueueRow{Kind: kind}
		if err := rows.Scan(&row.ID, &row.Type, &row.Provider, &row.Payload, &row.Attempts, &row.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan queue row", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over queue rows", err)
	}
	return result, nil
}

// MarkProcessed is idempotent: marking an already processed row does nothing.
func (d Datasource) MarkProcessed(ctx context.Context, kind model.QueueKind, id string) error {
	table, err := queueTable(kind)
	if err != nil {
		return err
	}
	_, err = d.Conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL", table), id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark row processed", err)
	}
	return nil
}

// IncrementAttemptsOrDeadLetter records a failed attempt. The update only
// applies when the row still has the attempt count the caller read; a lost
// race returns ErrConcurrentUpdate. Reaching maxAttempts moves the row to
// dead_letters in the same transaction.
func (d Datasource) IncrementAttemptsOrDeadLetter(ctx context.Context, row model.QueueRow, reason string, maxAttempts int) (model.AttemptOutcome, error) {
	table, err := queueTable(row.Kind)
	if err != nil {
		return "", err
	}

	outcome := model.AttemptRetrying
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1
				WHERE id = $1 AND attempts = $2 AND processed_at IS NULL
				RETURNING attempts`, table),
			row.ID, row.Attempts,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConcurrentUpdate
		}
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment attempts", err)
		}

		if attempts < maxAttempts {
			return nil
		}

		row.Attempts = attempts
		if err := moveToDeadLetter(ctx, tx, table, row, reason); err != nil {
			return err
		}
		outcome = model.AttemptDeadLettered
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// DeadLetter moves a row straight to dead_letters. It loses, with
// ErrConcurrentUpdate, to any writer that processed or retried the row first.
func (d Datasource) DeadLetter(ctx context.Context, row model.QueueRow, reason string) error {
	table, err := queueTable(row.Kind)
	if err != nil {
		return err
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		return moveToDeadLetter(ctx, tx, table, row, reason)
	})
}

// moveToDeadLetter removes the row only if it is still unprocessed with the
// attempt count the caller saw, then records the dead letter. A lost race
// returns ErrConcurrentUpdate and writes nothing.
func moveToDeadLetter(ctx context.Context, tx *sql.Tx, table string, row model.QueueRow, reason string) error {
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND processed_at IS NULL AND attempts = $2", table),
		row.ID, row.Attempts)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to remove dead-lettered row", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to remove dead-lettered row", err)
	}
	if affected != 1 {
		return ErrConcurrentUpdate
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payrail.dead_letters (id, queue, row_id, type, provider, payload, reason, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, model.GenerateUUIDWithSuffix("dlq"), string(row.Kind), row.ID, row.Type, nullString(row.Provider), row.Payload, reason, row.Attempts)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to write dead letter", err)
	}
	return nil
}

// ListDeadLetters returns newest first. An empty kind lists every queue.
func (d Datasource) ListDeadLetters(ctx context.Context, kind model.QueueKind, limit, offset int) ([]model.DeadLetterEntry, error) {
	query := "SELECT " + deadLetterColumns + " FROM payrail.dead_letters"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE queue = $1"
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dead letters", err)
	}
	defer rows.Close()

	var entries []model.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan dead letter", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over dead letters", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(s scanner) (model.DeadLetterEntry, error) {
	var entry model.DeadLetterEntry
	var queue string
	err := s.Scan(&entry.ID, &queue, &entry.RowID, &entry.Type, &entry.Provider, &entry.Payload, &entry.Reason, &entry.Attempts, &entry.CreatedAt)
	entry.Queue = model.QueueKind(queue)
	return entry, err
}

func (d Datasource) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	row := d.Conn.QueryRowContext(ctx, "SELECT "+deadLetterColumns+" FROM payrail.dead_letters WHERE id = $1", id)
	entry, err := scanDeadLetter(row)
	if err != nil {
		return nil, notFoundOr(err, "Dead letter")
	}
	return &entry, nil
}

// ReplayDeadLetter puts the row back on its origin queue with attempts reset
// and removes the dead letter.
func (d Datasource) ReplayDeadLetter(ctx context.Context, id string) (model.QueueRow, error) {
	var replayed model.QueueRow
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := scanDeadLetter(tx.QueryRowContext(ctx,
			"SELECT "+deadLetterColumns+" FROM payrail.dead_letters WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return notFoundOr(err, "Dead letter")
		}

		now := time.Now().UTC()
		switch entry.Queue {
		case model.QueueOutbox:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO payrail.outbox_items (id, type, payload, attempts, created_at)
				VALUES ($1, $2, $3, 0, $4)
				ON CONFLICT (id) DO UPDATE SET attempts = 0, processed_at = NULL
			`, entry.RowID, entry.Type, entry.Payload, now)
		case model.QueueWebhook:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO payrail.webhook_events (id, provider, event_type, payload, attempts, created_at)
				VALUES ($1, $2, $3, $4, 0, $5)
				ON CONFLICT (id) DO UPDATE SET attempts = 0, processed_at = NULL
			`, entry.RowID, entry.Provider, entry.Type, entry.Payload, now)
		default:
			return apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown queue %q", entry.Queue), nil)
		}
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to replay dead letter", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM payrail.dead_letters WHERE id = $1", id); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to remove dead letter", err)
		}

		replayed = model.QueueRow{
			Kind:      entry.Queue,
			ID:        entry.RowID,
			Type:      entry.Type,
			Provider:  entry.Provider,
			Payload:   entry.Payload,
			CreatedAt: now,
		}
		return nil
	})
	return replayed, err
}

func (d Datasource) DiscardDeadLetter(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, "DELETE FROM payrail.dead_letters WHERE id = $1", id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to discard dead letter", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to discard dead letter", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Dead letter not found", nil)
	}
	return nil
}

func (d Datasource) CountPending(ctx context.Context, kind model.QueueKind) (int64, error) {
	table, err := queueTable(kind)
	if err != nil {
		return 0, err
	}
	var count int64
	err = d.Conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE processed_at IS NULL", table)).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count pending rows", err)
	}
	return count, nil
}

func (d Datasource) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	if err := d.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM payrail.dead_letters").Scan(&count); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count dead letters", err)
	}
	return count, nil
}
