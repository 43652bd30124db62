package payrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/internal/broker"
	"github.com/blnkfinance/payrail/internal/idempotency"
	"github.com/blnkfinance/payrail/internal/mailer"
	"github.com/blnkfinance/payrail/internal/retry"
	"github.com/blnkfinance/payrail/model"
)

// OutboxHandler performs the side effect of one outbox event. It must be
// safe to run more than once for the same row.
type OutboxHandler func(ctx context.Context, row model.QueueRow, evt model.OutboxEvent) error

var errMailerNotConfigured = errors.New("mailer is not configured")

func (p *Payrail) defaultOutboxHandlers() map[string]OutboxHandler {
	return map[string]OutboxHandler{
		model.EventOrderPaid:           p.EmailOnOrderPaid,
		model.EventCheckoutCompleted:   p.AnalyticsOnCheckout,
		model.EventPayoutStatusChanged: p.PayoutStatusNotice,
	}
}

// RegisterOutboxHandler replaces the handler of a known event type.
func (p *Payrail) RegisterOutboxHandler(eventType string, h OutboxHandler) {
	p.outboxHandlers[eventType] = h
}

// DispatchOutbox decodes the row into its typed event and runs its handler.
func (p *Payrail) DispatchOutbox(ctx context.Context, row model.QueueRow) error {
	handler, ok := p.outboxHandlers[row.Type]
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: %q", model.ErrUnknownEventType, row.Type))
	}
	evt, err := model.DecodeOutboxEvent(row.Type, []byte(row.Payload))
	if err != nil {
		return retry.Permanent(err)
	}
	return handler(ctx, row, evt)
}

// sendOnce sends msg at most once per key.
func (p *Payrail) sendOnce(ctx context.Context, key string, msg mailer.Message) error {
	if p.mailer == nil {
		return retry.Permanent(errMailerNotConfigured)
	}
	msg.MessageID = key
	_, err := p.guard.Run(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		if err := p.mailer.Send(ctx, msg); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"message_id": key})
	})
	return err
}

// EmailOnOrderPaid sends the buyer their payment receipt.
func (p *Payrail) EmailOnOrderPaid(ctx context.Context, row model.QueueRow, evt model.OutboxEvent) error {
	e, ok := evt.(*model.OrderPaidEvent)
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: expected order.paid event", model.ErrMalformedPayload))
	}
	if strings.TrimSpace(e.BuyerEmail) == "" || e.OrderID == "" {
		return retry.Permanent(fmt.Errorf("%w: order.paid needs order_id and buyer_email", model.ErrMalformedPayload))
	}

	key := idempotency.DeriveKey("email.order_paid", e.BuyerEmail, e.OrderID)
	return p.sendOnce(ctx, key, mailer.Message{
		To:      []string{e.BuyerEmail},
		Subject: fmt.Sprintf("Payment received for order %s", e.OrderID),
		Body: fmt.Sprintf("We received your payment of %s %s for order %s.\n",
			e.Amount.StringFixed(2), strings.ToUpper(e.Currency), e.OrderID),
	})
}

// AnalyticsOnCheckout forwards the checkout to the analytics exchange. The
// row id is the message id so consumers can drop redeliveries.
func (p *Payrail) AnalyticsOnCheckout(ctx context.Context, row model.QueueRow, evt model.OutboxEvent) error {
	e, ok := evt.(*model.CheckoutCompletedEvent)
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: expected checkout.completed event", model.ErrMalformedPayload))
	}
	if p.publisher == nil {
		logrus.WithField("order_id", e.OrderID).Debug("analytics publisher not configured, skipping checkout event")
		return nil
	}
	return p.publisher.Publish(ctx, model.EventCheckoutCompleted, broker.Message{
		ID:        row.ID,
		Type:      row.Type,
		Body:      []byte(row.Payload),
		Timestamp: row.CreatedAt,
	})
}

// PayoutStatusNotice tells the seller their payout moved.
func (p *Payrail) PayoutStatusNotice(ctx context.Context, row model.QueueRow, evt model.OutboxEvent) error {
	e, ok := evt.(*model.PayoutStatusChangedEvent)
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: expected payout.status_changed event", model.ErrMalformedPayload))
	}
	if e.NotificationEmail == "" {
		logrus.WithField("payout_id", e.PayoutID).Debug("seller has no notification email")
		return nil
	}

	body := fmt.Sprintf("Your payout %s of %s %s is now %s.\n",
		e.PayoutID, e.Amount.StringFixed(2), strings.ToUpper(e.Currency), e.Status)
	if e.FailureReason != "" {
		body += fmt.Sprintf("Reason: %s\n", e.FailureReason)
	}

	// A retried payout can reach the same status again, one notice per attempt.
	key := idempotency.DeriveKey("email.payout_status", e.SellerID, fmt.Sprintf("%s:%s:%d", e.PayoutID, e.Status, e.RetryCount))
	return p.sendOnce(ctx, key, mailer.Message{
		To:      []string{e.NotificationEmail},
		Subject: fmt.Sprintf("Payout %s", e.Status),
		Body:    body,
	})
}
