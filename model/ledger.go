package model

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

type LedgerEntryType string

const (
	EntrySale       LedgerEntryType = "sale"
	EntryRefund     LedgerEntryType = "refund"
	EntryPayout     LedgerEntryType = "payout"
	EntryFee        LedgerEntryType = "fee"
	EntryAdjustment LedgerEntryType = "adjustment"
)

// LedgerEntry is an immutable money movement for a seller. Amounts of sale,
// refund, payout and fee are positive magnitudes; adjustments carry a sign.
type LedgerEntry struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"seller_id"`
	Type        LedgerEntryType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OrderID     string          `json:"order_id,omitempty"`
	PayoutID    string          `json:"payout_id,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

var errNonPositiveAmount = errors.New("must be greater than zero")

func (e LedgerEntry) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.SellerID, validation.Required),
		validation.Field(&e.Type, validation.Required, validation.In(
			EntrySale, EntryRefund, EntryPayout, EntryFee, EntryAdjustment,
		)),
		validation.Field(&e.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&e.Amount, validation.By(func(value interface{}) error {
			amount := value.(decimal.Decimal)
			if e.Type == EntryAdjustment {
				if amount.IsZero() {
					return errors.New("must not be zero")
				}
				return nil
			}
			if !amount.IsPositive() {
				return errNonPositiveAmount
			}
			return nil
		})),
		validation.Field(&e.OrderID, validation.When(e.Type == EntrySale || e.Type == EntryRefund, validation.Required)),
		validation.Field(&e.PayoutID, validation.When(e.Type == EntryPayout, validation.Required)),
	)
}

// SellerBalance is derived from ledger history on every read.
type SellerBalance struct {
	SellerID         string          `json:"seller_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	TotalPayouts     decimal.Decimal `json:"total_payouts"`
	Currency         string          `json:"currency"`
	ComputedAt       time.Time       `json:"computed_at"`
}
