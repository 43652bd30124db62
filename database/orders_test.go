package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

func orderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"order_id", "seller_id", "status", "amount", "currency", "payment_reference", "buyer_email", "updated_at"})
}

func TestCreateOrder_WithOutbox(t *testing.T) {
	ds, mock := newMockDatasource(t)
	email := gofakeit.Email()

	order := &model.Order{OrderID: "ord_1", SellerID: "seller_1", Status: model.OrderPending, Amount: decimal.NewFromInt(40), Currency: "USD", BuyerEmail: email}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payrail.orders").
		WithArgs("ord_1", "seller_1", "pending", sqlmock.AnyArg(), "USD", nil, email, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payrail.outbox_items").
		WithArgs(sqlmock.AnyArg(), model.EventCheckoutCompleted, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ds.CreateOrder(context.Background(), order, model.OutboxItem{Type: model.EventCheckoutCompleted, Payload: `{"order_id":"ord_1"}`})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("FROM payrail.orders WHERE order_id = \\$1").
		WithArgs("ord_1").
		WillReturnRows(orderRows().AddRow("ord_1", "seller_1", "paid", "40", "USD", "pi_1", "b@example.com", time.Now()))
	mock.ExpectQuery("FROM payrail.orders WHERE payment_reference = \\$1").
		WithArgs("pi_missing").
		WillReturnRows(orderRows())

	order, err := ds.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, "pi_1", order.PaymentReference)

	_, err = ds.GetOrderByPaymentReference(context.Background(), "pi_missing")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestApplyOrderTransition(t *testing.T) {
	ds, mock := newMockDatasource(t)

	transition := model.OrderTransition{
		OrderID:   "ord_1",
		From:      model.OrderPending,
		To:        model.OrderPaid,
		Reference: "pi_1",
		LedgerEntry: &model.LedgerEntry{
			SellerID: "seller_1", Type: model.EntrySale, Amount: decimal.NewFromInt(40), Currency: "USD", OrderID: "ord_1",
		},
		Outbox: []model.OutboxItem{{Type: model.EventOrderPaid, Payload: `{"order_id":"ord_1"}`}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payrail.orders").
		WithArgs("ord_1", "paid", "pi_1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payrail.ledger_entries .* ON CONFLICT \\(order_id, type\\) WHERE type IN \\('sale', 'refund'\\) DO NOTHING").
		WithArgs(sqlmock.AnyArg(), "seller_1", "sale", sqlmock.AnyArg(), "USD", "ord_1", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payrail.outbox_items").
		WithArgs(sqlmock.AnyArg(), model.EventOrderPaid, `{"order_id":"ord_1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.ApplyOrderTransition(context.Background(), transition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOrderTransition_StaleOrder(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payrail.orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := ds.ApplyOrderTransition(context.Background(), model.OrderTransition{OrderID: "ord_1", From: model.OrderPending, To: model.OrderPaid})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}
