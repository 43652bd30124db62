package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

type PayoutMethod string

const (
	MethodStripe       PayoutMethod = "stripe"
	MethodPayPal       PayoutMethod = "paypal"
	MethodBankTransfer PayoutMethod = "bank_transfer"
)

type PayoutFrequency string

const (
	FrequencyDaily    PayoutFrequency = "daily"
	FrequencyWeekly   PayoutFrequency = "weekly"
	FrequencyBiweekly PayoutFrequency = "biweekly"
	FrequencyMonthly  PayoutFrequency = "monthly"
)

type PayoutRecord struct {
	ID                string          `json:"id"`
	SellerID          string          `json:"seller_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PayoutStatus    `json:"status"`
	Method            PayoutMethod    `json:"method"`
	Destination       string          `json:"destination,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Transactions      []string        `json:"transactions"`
	CreatedAt         time.Time       `json:"created_at"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	RetryCount        int             `json:"retry_count"`
}

// PayoutSchedule is a seller's payout preference. DayOfWeek is 0 for Sunday.
type PayoutSchedule struct {
	SellerID          string          `json:"seller_id"`
	Frequency         PayoutFrequency `json:"frequency"`
	DayOfWeek         *int            `json:"day_of_week,omitempty"`
	DayOfMonth        *int            `json:"day_of_month,omitempty"`
	MinimumAmount     decimal.Decimal `json:"minimum_amount"`
	AutoPayoutEnabled bool            `json:"auto_payout_enabled"`
	Method            PayoutMethod    `json:"method"`
	Currency          string          `json:"currency"`
	Destination       string          `json:"destination"`
	NotificationEmail string          `json:"notification_email,omitempty"`
	NextPayoutAt      *time.Time      `json:"next_payout_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (s PayoutSchedule) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.SellerID, validation.Required),
		validation.Field(&s.Frequency, validation.Required, validation.In(
			FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly,
		)),
		validation.Field(&s.DayOfWeek, validation.When(s.Frequency == FrequencyWeekly, validation.Required), validation.Min(0), validation.Max(6)),
		validation.Field(&s.DayOfMonth, validation.Min(1), validation.Max(31)),
		validation.Field(&s.Method, validation.Required, validation.In(MethodStripe, MethodPayPal, MethodBankTransfer)),
		validation.Field(&s.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&s.Destination, validation.When(s.Method != MethodBankTransfer, validation.Required)),
	)
}

// Terminal reports whether no further transition is expected without an operator.
func (p PayoutRecord) Terminal() bool {
	return p.Status == PayoutCompleted || p.Status == PayoutCancelled
}

// PayoutTransition moves a payout out of From. The status change, ledger
// entries and outbox rows commit together.
type PayoutTransition struct {
	Payout        *PayoutRecord
	From          PayoutStatus
	LedgerEntries []LedgerEntry
	Outbox        []OutboxItem
}
