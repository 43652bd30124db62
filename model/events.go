package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderPaid           = "order.paid"
	EventCheckoutCompleted   = "checkout.completed"
	EventPayoutStatusChanged = "payout.status_changed"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed payload")
)

// OutboxEvent is the decoded form of an outbox payload. Each variant maps to
// exactly one event type.
type OutboxEvent interface {
	EventType() string
}

type OrderPaidEvent struct {
	OrderID    string          `json:"order_id"`
	SellerID   string          `json:"seller_id"`
	BuyerEmail string          `json:"buyer_email"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	PaidAt     time.Time       `json:"paid_at"`
}

func (OrderPaidEvent) EventType() string { return EventOrderPaid }

type CheckoutCompletedEvent struct {
	OrderID    string          `json:"order_id"`
	SessionID  string          `json:"session_id"`
	BuyerEmail string          `json:"buyer_email,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ItemCount  int             `json:"item_count"`
}

func (CheckoutCompletedEvent) EventType() string { return EventCheckoutCompleted }

type PayoutStatusChangedEvent struct {
	PayoutID          string          `json:"payout_id"`
	SellerID          string          `json:"seller_id"`
	Status            PayoutStatus    `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	NotificationEmail string          `json:"notification_email,omitempty"`
	RetryCount        int             `json:"retry_count"`
}

func (PayoutStatusChangedEvent) EventType() string { return EventPayoutStatusChanged }

// DecodeOutboxEvent turns a stored payload into its typed variant.
// Unknown types wrap ErrUnknownEventType, undecodable payloads wrap ErrMalformedPayload.
func DecodeOutboxEvent(eventType string, payload []byte) (OutboxEvent, error) {
	var evt OutboxEvent
	switch eventType {
	case EventOrderPaid:
		evt = &OrderPaidEvent{}
	case EventCheckoutCompleted:
		evt = &CheckoutCompletedEvent{}
	case EventPayoutStatusChanged:
		evt = &PayoutStatusChangedEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, eventType, err)
	}
	return evt, nil
}

// ProviderEventKind is what a provider event means for an order.
type ProviderEventKind string

const (
	ProviderPaymentSucceeded ProviderEventKind = "payment_succeeded"
	ProviderPaymentFailed    ProviderEventKind = "payment_failed"
	ProviderRefunded         ProviderEventKind = "refunded"
	ProviderCancelled        ProviderEventKind = "cancelled"
	ProviderIgnored          ProviderEventKind = "ignored"
)

// ProviderEvent is a webhook delivery normalized across payment providers.
type ProviderEvent struct {
	ID               string            `json:"id"`
	Provider         string            `json:"provider"`
	Type             string            `json:"type"`
	Kind             ProviderEventKind `json:"kind"`
	OrderID          string            `json:"order_id,omitempty"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	BuyerEmail       string            `json:"buyer_email,omitempty"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency,omitempty"`
	FailureMessage   string            `json:"failure_message,omitempty"`
	OccurredAt       time.Time         `json:"occurred_at"`
}
