package model

import (
	"errors"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

// orderRank orders statuses so a late or replayed webhook can never move an
// order backwards. failed can still be followed by paid (buyer retried).
var orderRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderFailed:    1,
	OrderCancelled: 2,
	OrderPaid:      2,
	OrderRefunded:  3,
}

type Order struct {
	OrderID          string          `json:"order_id"`
	SellerID         string          `json:"seller_id"`
	Status           OrderStatus     `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	BuyerEmail       string          `json:"buyer_email,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CanTransition reports whether moving from one status to another is a forward move.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case OrderCancelled, OrderRefunded:
		return false
	case OrderPaid:
		return to == OrderRefunded
	}
	// Only money that was collected can be refunded.
	if to == OrderRefunded {
		return false
	}
	return orderRank[to] > orderRank[from]
}

// OrderTransition is applied atomically: the status change, the ledger entry
// and the outbox rows commit together or not at all.
type OrderTransition struct {
	OrderID     string
	From        OrderStatus
	To          OrderStatus
	Reference   string
	LedgerEntry *LedgerEntry
	Outbox      []OutboxItem
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func (o Order) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.OrderID, validation.Required),
		validation.Field(&o.SellerID, validation.Required),
		validation.Field(&o.Amount, validation.By(func(interface{}) error {
			if !o.Amount.IsPositive() {
				return errors.New("must be greater than zero")
			}
			return nil
		})),
		validation.Field(&o.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&o.Status, validation.In(OrderPending, OrderPaid, OrderFailed, OrderCancelled, OrderRefunded)),
		validation.Field(&o.BuyerEmail, validation.Match(emailPattern).Error("must be a valid email address")),
	)
}
