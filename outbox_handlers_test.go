package payrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/internal/idempotency"
	"github.com/blnkfinance/payrail/internal/retry"
	"github.com/blnkfinance/payrail/model"
)

func newRedisIdempotency(t *testing.T) idempotency.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idempotency.NewRedisStore(client, time.Hour)
}

func orderPaidRow(t *testing.T) model.QueueRow {
	t.Helper()
	item, err := NewOutboxItem(model.EventOrderPaid, model.OrderPaidEvent{
		OrderID:    "ord_1",
		SellerID:   "seller_1",
		BuyerEmail: "buyer@example.com",
		Amount:     decimal.NewFromInt(25),
		Currency:   "USD",
		PaidAt:     testNow,
	})
	require.NoError(t, err)
	row := item.Row()
	row.CreatedAt = testNow
	return row
}

func TestDispatchOutbox_OrderPaidSendsReceiptOnce(t *testing.T) {
	m := &recordingMailer{}
	p, _ := newMockPayrail(t, WithMailer(m), WithIdempotencyStore(newRedisIdempotency(t)))
	row := orderPaidRow(t)

	require.NoError(t, p.DispatchOutbox(context.Background(), row))
	require.NoError(t, p.DispatchOutbox(context.Background(), row))

	require.Equal(t, 1, m.count())
	sent := m.sent[0]
	assert.Equal(t, []string{"buyer@example.com"}, sent.To)
	assert.Contains(t, sent.Subject, "ord_1")
	assert.Contains(t, sent.Body, "25.00 USD")
	assert.Equal(t, idempotency.DeriveKey("email.order_paid", "buyer@example.com", "ord_1"), sent.MessageID)
}

func TestDispatchOutbox_FailedSendIsRetryable(t *testing.T) {
	m := &recordingMailer{err: errors.New("421 service not available")}
	p, _ := newMockPayrail(t, WithMailer(m), WithIdempotencyStore(newRedisIdempotency(t)))
	row := orderPaidRow(t)

	err := p.DispatchOutbox(context.Background(), row)
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	// The failed attempt released the key, so a later delivery still sends.
	m.err = nil
	require.NoError(t, p.DispatchOutbox(context.Background(), row))
	assert.Equal(t, 1, m.count())
}

func TestDispatchOutbox_UnknownTypeIsPermanent(t *testing.T) {
	p, _ := newMockPayrail(t)

	err := p.DispatchOutbox(context.Background(), model.QueueRow{Kind: model.QueueOutbox, ID: "outbox_1", Type: "invoice.sent", Payload: "{}"})
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, model.ErrUnknownEventType)
}

func TestDispatchOutbox_MalformedPayloadIsPermanent(t *testing.T) {
	p, _ := newMockPayrail(t, WithMailer(&recordingMailer{}))

	err := p.DispatchOutbox(context.Background(), model.QueueRow{Kind: model.QueueOutbox, ID: "outbox_1", Type: model.EventOrderPaid, Payload: `"just a string"`})
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, model.ErrMalformedPayload)
}

func TestDispatchOutbox_NoMailerIsPermanent(t *testing.T) {
	p, _ := newMockPayrail(t)
	err := p.DispatchOutbox(context.Background(), orderPaidRow(t))
	assert.True(t, retry.IsPermanent(err))
}

func TestDispatchOutbox_CheckoutPublishesAnalytics(t *testing.T) {
	pub := &recordingPublisher{}
	p, _ := newMockPayrail(t, WithPublisher(pub))

	item, err := NewOutboxItem(model.EventCheckoutCompleted, model.CheckoutCompletedEvent{OrderID: "ord_1", SessionID: "cs_1", Amount: decimal.NewFromInt(10), Currency: "USD"})
	require.NoError(t, err)
	row := item.Row()
	row.CreatedAt = testNow

	require.NoError(t, p.DispatchOutbox(context.Background(), row))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, row.ID, pub.messages[0].ID)
	assert.Equal(t, model.EventCheckoutCompleted, pub.keys[0])
	assert.JSONEq(t, row.Payload, string(pub.messages[0].Body))
}

func TestDispatchOutbox_CheckoutWithoutPublisherIsNoop(t *testing.T) {
	p, _ := newMockPayrail(t)
	item, err := NewOutboxItem(model.EventCheckoutCompleted, model.CheckoutCompletedEvent{OrderID: "ord_1"})
	require.NoError(t, err)
	assert.NoError(t, p.DispatchOutbox(context.Background(), item.Row()))
}

func TestDispatchOutbox_PayoutNotice(t *testing.T) {
	m := &recordingMailer{}
	p, _ := newMockPayrail(t, WithMailer(m), WithIdempotencyStore(newRedisIdempotency(t)))

	item, err := NewOutboxItem(model.EventPayoutStatusChanged, model.PayoutStatusChangedEvent{
		PayoutID:          "payout_1",
		SellerID:          "seller_1",
		Status:            model.PayoutFailed,
		Amount:            decimal.NewFromInt(80),
		Currency:          "USD",
		FailureReason:     "account closed",
		NotificationEmail: "seller@example.com",
	})
	require.NoError(t, err)

	require.NoError(t, p.DispatchOutbox(context.Background(), item.Row()))
	require.Equal(t, 1, m.count())
	assert.Contains(t, m.sent[0].Body, "Reason: account closed")
	assert.Equal(t, "Payout failed", m.sent[0].Subject)
}

func TestDispatchOutbox_PayoutNoticePerRetryAttempt(t *testing.T) {
	m := &recordingMailer{}
	p, _ := newMockPayrail(t, WithMailer(m), WithIdempotencyStore(newRedisIdempotency(t)))

	failedAttempt := func(retryCount int) model.QueueRow {
		item, err := NewOutboxItem(model.EventPayoutStatusChanged, model.PayoutStatusChangedEvent{
			PayoutID:          "payout_1",
			SellerID:          "seller_1",
			Status:            model.PayoutFailed,
			Amount:            decimal.NewFromInt(80),
			Currency:          "USD",
			FailureReason:     "account closed",
			NotificationEmail: "seller@example.com",
			RetryCount:        retryCount,
		})
		require.NoError(t, err)
		return item.Row()
	}

	require.NoError(t, p.DispatchOutbox(context.Background(), failedAttempt(0)))
	require.NoError(t, p.DispatchOutbox(context.Background(), failedAttempt(0)))
	require.NoError(t, p.DispatchOutbox(context.Background(), failedAttempt(1)))

	require.Equal(t, 2, m.count())
	assert.NotEqual(t, m.sent[0].MessageID, m.sent[1].MessageID)
}

func TestRegisterOutboxHandler(t *testing.T) {
	p, _ := newMockPayrail(t)
	called := false
	p.RegisterOutboxHandler(model.EventCheckoutCompleted, func(_ context.Context, _ model.QueueRow, evt model.OutboxEvent) error {
		called = evt.EventType() == model.EventCheckoutCompleted
		return nil
	})

	require.NoError(t, p.DispatchOutbox(context.Background(), model.QueueRow{Type: model.EventCheckoutCompleted, Payload: `{"order_id":"ord_1"}`}))
	assert.True(t, called)
}
