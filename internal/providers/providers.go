// Package providers talks to the payout APIs of Stripe and PayPal.
package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/blnkfinance/payrail/internal/request"
)

// State is a provider payout status mapped onto the payout lifecycle.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

type PayoutRequest struct {
	PayoutID    string
	SellerID    string
	Amount      decimal.Decimal
	Currency    string
	Destination string
	// IdempotencyKey is sent on the wire so a retried call cannot pay twice.
	IdempotencyKey string
	Note           string
}

type PayoutResult struct {
	Reference     string
	RawStatus     string
	State         State
	FailureReason string
}

type Lookup struct {
	Reference   string
	Destination string
}

// Sender creates payouts and reports their status.
type Sender interface {
	CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
	GetPayout(ctx context.Context, lookup Lookup) (PayoutResult, error)
}

// IsTransient reports whether a failed call may succeed when retried.
// Rejections (4xx other than 408/429) are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// zeroDecimal lists currencies Stripe expects without minor units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnits converts an amount to the integer unit providers bill in.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
