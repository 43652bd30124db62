package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

const payoutColumns = `id, seller_id, amount, currency, status, method, COALESCE(destination, ''),
	COALESCE(provider_reference, ''), transactions, created_at, scheduled_at, processed_at,
	completed_at, COALESCE(failure_reason, ''), retry_count`

const scheduleColumns = `seller_id, frequency, day_of_week, day_of_month, minimum_amount,
	auto_payout_enabled, method, currency, COALESCE(destination, ''),
	COALESCE(notification_email, ''), next_payout_at, updated_at`

// CreatePayout stores a pending payout together with the payout ledger entry
// that debits the seller.
func (d Datasource) CreatePayout(ctx context.Context, payout *model.PayoutRecord, entry *model.LedgerEntry) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payrail.payouts (id, seller_id, amount, currency, status, method, destination,
				transactions, created_at, scheduled_at, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, payout.ID, payout.SellerID, payout.Amount, payout.Currency, string(payout.Status),
			string(payout.Method), nullString(payout.Destination), pq.Array(payout.Transactions),
			payout.CreatedAt, payout.ScheduledAt, payout.RetryCount)
		if err != nil {
			if isUniqueViolation(err) {
				return apierror.NewAPIError(apierror.ErrConflict, "Payout already exists", err)
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create payout", err)
		}

		if entry == nil {
			return nil
		}
		return insertLedgerEntry(ctx, tx, entry)
	})
}

func scanPayout(s scanner) (model.PayoutRecord, error) {
	var p model.PayoutRecord
	var status, method string
	var transactions pq.StringArray
	var processedAt, completedAt sql.NullTime
	err := s.Scan(&p.ID, &p.SellerID, &p.Amount, &p.Currency, &status, &method, &p.Destination,
		&p.ProviderReference, &transactions, &p.CreatedAt, &p.ScheduledAt, &processedAt,
		&completedAt, &p.FailureReason, &p.RetryCount)
	if err != nil {
		return p, err
	}
	p.Status = model.PayoutStatus(status)
	p.Method = model.PayoutMethod(method)
	p.Transactions = []string(transactions)
	p.ProcessedAt = timePtr(processedAt)
	p.CompletedAt = timePtr(completedAt)
	return p, nil
}

func (d Datasource) GetPayout(ctx context.Context, id string) (*model.PayoutRecord, error) {
	row := d.Conn.QueryRowContext(ctx, "SELECT "+payoutColumns+" FROM payrail.payouts WHERE id = $1", id)
	payout, err := scanPayout(row)
	if err != nil {
		return nil, notFoundOr(err, "Payout")
	}
	return &payout, nil
}

// TransitionPayout writes the payout's new state only if it is still in
// transition.From, then appends the ledger entries and outbox rows.
func (d Datasource) TransitionPayout(ctx context.Context, transition model.PayoutTransition) error {
	p := transition.Payout
	return d.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE payrail.payouts
			SET status = $2, provider_reference = $3, processed_at = $4, completed_at = $5,
				failure_reason = $6, retry_count = $7
			WHERE id = $1 AND status = $8
		`, p.ID, string(p.Status), nullString(p.ProviderReference), nullTime(p.ProcessedAt),
			nullTime(p.CompletedAt), nullString(p.FailureReason), p.RetryCount, string(transition.From))
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payout", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payout", err)
		}
		if affected == 0 {
			return ErrConcurrentUpdate
		}

		for i := range transition.LedgerEntries {
			if err := insertLedgerEntry(ctx, tx, &transition.LedgerEntries[i]); err != nil {
				return err
			}
		}
		for i := range transition.Outbox {
			if err := insertOutbox(ctx, tx, &transition.Outbox[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d Datasource) queryPayouts(ctx context.Context, query string, args ...interface{}) ([]model.PayoutRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payouts", err)
	}
	defer rows.Close()

	var payouts []model.PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payout", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over payouts", err)
	}
	return payouts, nil
}

// GetPayoutsByStatus returns the oldest payouts in a status first.
func (d Datasource) GetPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.PayoutRecord, error) {
	return d.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM payrail.payouts WHERE status = $1 ORDER BY created_at ASC LIMIT $2",
		string(status), limit)
}

func (d Datasource) GetPayoutsBySeller(ctx context.Context, sellerID string, limit, offset int) ([]model.PayoutRecord, error) {
	return d.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM payrail.payouts WHERE seller_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		sellerID, limit, offset)
}

func scanSchedule(s scanner) (model.PayoutSchedule, error) {
	var sch model.PayoutSchedule
	var frequency, method string
	var dayOfWeek, dayOfMonth sql.NullInt64
	var next sql.NullTime
	err := s.Scan(&sch.SellerID, &frequency, &dayOfWeek, &dayOfMonth, &sch.MinimumAmount,
		&sch.AutoPayoutEnabled, &method, &sch.Currency, &sch.Destination,
		&sch.NotificationEmail, &next, &sch.UpdatedAt)
	if err != nil {
		return sch, err
	}
	sch.Frequency = model.PayoutFrequency(frequency)
	sch.Method = model.PayoutMethod(method)
	if dayOfWeek.Valid {
		v := int(dayOfWeek.Int64)
		sch.DayOfWeek = &v
	}
	if dayOfMonth.Valid {
		v := int(dayOfMonth.Int64)
		sch.DayOfMonth = &v
	}
	sch.NextPayoutAt = timePtr(next)
	return sch, nil
}

func (d Datasource) GetPayoutSchedule(ctx context.Context, sellerID string) (*model.PayoutSchedule, error) {
	row := d.Conn.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM payrail.payout_schedules WHERE seller_id = $1", sellerID)
	sch, err := scanSchedule(row)
	if err != nil {
		return nil, notFoundOr(err, "Payout schedule")
	}
	return &sch, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func (d Datasource) UpsertPayoutSchedule(ctx context.Context, s *model.PayoutSchedule) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payrail.payout_schedules (seller_id, frequency, day_of_week, day_of_month, minimum_amount,
			auto_payout_enabled, method, currency, destination, notification_email, next_payout_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (seller_id) DO UPDATE SET
			frequency = EXCLUDED.frequency,
			day_of_week = EXCLUDED.day_of_week,
			day_of_month = EXCLUDED.day_of_month,
			minimum_amount = EXCLUDED.minimum_amount,
			auto_payout_enabled = EXCLUDED.auto_payout_enabled,
			method = EXCLUDED.method,
			currency = EXCLUDED.currency,
			destination = EXCLUDED.destination,
			notification_email = EXCLUDED.notification_email,
			next_payout_at = EXCLUDED.next_payout_at,
			updated_at = EXCLUDED.updated_at
	`, s.SellerID, string(s.Frequency), nullInt(s.DayOfWeek), nullInt(s.DayOfMonth), s.MinimumAmount,
		s.AutoPayoutEnabled, string(s.Method), s.Currency, nullString(s.Destination),
		nullString(s.NotificationEmail), nullTime(s.NextPayoutAt), s.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save payout schedule", err)
	}
	return nil
}

// GetDueSchedules returns auto-payout schedules whose next payout is at or
// before now. A schedule that never ran is due.
func (d Datasource) GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.PayoutSchedule, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM payrail.payout_schedules
		WHERE auto_payout_enabled AND (next_payout_at IS NULL OR next_payout_at <= $1)
		ORDER BY next_payout_at ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve due schedules", err)
	}
	defer rows.Close()

	var schedules []model.PayoutSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payout schedule", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over schedules", err)
	}
	return schedules, nil
}

func (d Datasource) UpdateNextPayoutAt(ctx context.Context, sellerID string, next time.Time) error {
	_, err := d.Conn.ExecContext(ctx,
		"UPDATE payrail.payout_schedules SET next_payout_at = $2, updated_at = NOW() WHERE seller_id = $1",
		sellerID, next)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to advance payout schedule", err)
	}
	return nil
}
