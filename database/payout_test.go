package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

func payoutRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "seller_id", "amount", "currency", "status", "method", "destination",
		"provider_reference", "transactions", "created_at", "scheduled_at", "processed_at", "completed_at",
		"failure_reason", "retry_count"})
}

func TestCreatePayout_WritesLedgerEntryAtomically(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now().UTC()

	payout := &model.PayoutRecord{
		ID: "po_1", SellerID: "seller_1", Amount: decimal.NewFromInt(50), Currency: "USD",
		Status: model.PayoutPending, Method: model.MethodStripe, Destination: "acct_1",
		Transactions: []string{"le_1", "le_2"}, CreatedAt: now, ScheduledAt: now,
	}
	entry := &model.LedgerEntry{SellerID: "seller_1", Type: model.EntryPayout, Amount: decimal.NewFromInt(50), Currency: "USD", PayoutID: "po_1"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payrail.payouts").
		WithArgs("po_1", "seller_1", sqlmock.AnyArg(), "USD", "pending", "stripe", "acct_1", sqlmock.AnyArg(), now, now, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payrail.ledger_entries").
		WithArgs(sqlmock.AnyArg(), "seller_1", "payout", sqlmock.AnyArg(), "USD", sqlmock.AnyArg(), "po_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.CreatePayout(context.Background(), payout, entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePayout_RollsBackWhenLedgerFails(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payrail.payouts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payrail.ledger_entries").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := ds.CreatePayout(context.Background(),
		&model.PayoutRecord{ID: "po_1", SellerID: "s", Status: model.PayoutPending, Method: model.MethodPayPal, CreatedAt: now, ScheduledAt: now},
		&model.LedgerEntry{SellerID: "s", Type: model.EntryPayout, Amount: decimal.NewFromInt(1), Currency: "USD", PayoutID: "po_1"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPayout(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM payrail.payouts WHERE id = \\$1").
		WithArgs("po_1").
		WillReturnRows(payoutRows().AddRow("po_1", "seller_1", "75.50", "USD", "failed", "paypal", "seller@example.com",
			"", "{le_1,le_2}", now, now, now, nil, "receiver unregistered", 1))

	payout, err := ds.GetPayout(context.Background(), "po_1")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutFailed, payout.Status)
	assert.Equal(t, model.MethodPayPal, payout.Method)
	assert.Equal(t, []string{"le_1", "le_2"}, payout.Transactions)
	assert.NotNil(t, payout.ProcessedAt)
	assert.Nil(t, payout.CompletedAt)
	assert.Equal(t, 1, payout.RetryCount)
	assert.True(t, payout.Amount.Equal(decimal.RequireFromString("75.50")))
}

func TestGetPayout_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)
	mock.ExpectQuery("FROM payrail.payouts WHERE id = \\$1").WithArgs("po_x").WillReturnRows(payoutRows())

	_, err := ds.GetPayout(context.Background(), "po_x")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestTransitionPayout(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now().UTC()

	payout := &model.PayoutRecord{ID: "po_1", SellerID: "seller_1", Status: model.PayoutFailed, FailureReason: "insufficient platform balance", ProcessedAt: &now}
	transition := model.PayoutTransition{
		Payout: payout,
		From:   model.PayoutPending,
		LedgerEntries: []model.LedgerEntry{{
			SellerID: "seller_1", Type: model.EntryAdjustment, Amount: decimal.NewFromInt(50), Currency: "USD", PayoutID: "po_1",
		}},
		Outbox: []model.OutboxItem{{Type: model.EventPayoutStatusChanged, Payload: `{"payout_id":"po_1"}`}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payrail.payouts").
		WithArgs("po_1", "failed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "insufficient platform balance", 0, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payrail.ledger_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payrail.outbox_items").
		WithArgs(sqlmock.AnyArg(), model.EventPayoutStatusChanged, `{"payout_id":"po_1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.TransitionPayout(context.Background(), transition))
	assert.NotEmpty(t, transition.Outbox[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionPayout_StaleStatus(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payrail.payouts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := ds.TransitionPayout(context.Background(), model.PayoutTransition{
		Payout: &model.PayoutRecord{ID: "po_1", Status: model.PayoutProcessing},
		From:   model.PayoutPending,
	})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPayoutsByStatus(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM payrail.payouts WHERE status = \\$1 ORDER BY created_at ASC LIMIT \\$2").
		WithArgs("processing", 50).
		WillReturnRows(payoutRows().
			AddRow("po_1", "s1", "10", "USD", "processing", "stripe", "acct_1", "po_stripe_1", "{}", now, now, now, nil, "", 0).
			AddRow("po_2", "s2", "20", "USD", "processing", "paypal", "a@b.c", "BATCH1", "{le_9}", now, now, now, nil, "", 0))

	payouts, err := ds.GetPayoutsByStatus(context.Background(), model.PayoutProcessing, 50)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, "po_stripe_1", payouts[0].ProviderReference)
	assert.Empty(t, payouts[0].Transactions)
}

func scheduleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"seller_id", "frequency", "day_of_week", "day_of_month", "minimum_amount",
		"auto_payout_enabled", "method", "currency", "destination", "notification_email", "next_payout_at", "updated_at"})
}

func TestGetPayoutSchedule(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("FROM payrail.payout_schedules WHERE seller_id = \\$1").
		WithArgs("seller_1").
		WillReturnRows(scheduleRows().AddRow("seller_1", "weekly", 5, nil, "25", true, "stripe", "USD", "acct_1", "", nil, time.Now()))

	s, err := ds.GetPayoutSchedule(context.Background(), "seller_1")
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyWeekly, s.Frequency)
	require.NotNil(t, s.DayOfWeek)
	assert.Equal(t, 5, *s.DayOfWeek)
	assert.Nil(t, s.DayOfMonth)
	assert.Nil(t, s.NextPayoutAt)
	assert.True(t, s.AutoPayoutEnabled)
}

func TestUpsertPayoutSchedule(t *testing.T) {
	ds, mock := newMockDatasource(t)
	day := 15

	mock.ExpectExec("INSERT INTO payrail.payout_schedules .* ON CONFLICT \\(seller_id\\) DO UPDATE").
		WithArgs("seller_1", "monthly", nil, int64(15), sqlmock.AnyArg(), true, "paypal", "EUR", "s@example.com", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.UpsertPayoutSchedule(context.Background(), &model.PayoutSchedule{
		SellerID: "seller_1", Frequency: model.FrequencyMonthly, DayOfMonth: &day,
		MinimumAmount: decimal.NewFromInt(10), AutoPayoutEnabled: true, Method: model.MethodPayPal,
		Currency: "EUR", Destination: "s@example.com",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDueSchedules_And_Advance(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	next := now.AddDate(0, 0, 1)

	mock.ExpectQuery("WHERE auto_payout_enabled AND \\(next_payout_at IS NULL OR next_payout_at <= \\$1\\)").
		WithArgs(now, 100).
		WillReturnRows(scheduleRows().AddRow("seller_1", "daily", nil, nil, "0", true, "stripe", "USD", "acct_1", "", now, now))
	mock.ExpectExec("UPDATE payrail.payout_schedules SET next_payout_at = \\$2").
		WithArgs("seller_1", next).
		WillReturnResult(sqlmock.NewResult(0, 1))

	schedules, err := ds.GetDueSchedules(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.NotNil(t, schedules[0].NextPayoutAt)

	require.NoError(t, ds.UpdateNextPayoutAt(context.Background(), "seller_1", next))
	assert.NoError(t, mock.ExpectationsWereMet())
}
