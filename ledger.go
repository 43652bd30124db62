/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package payrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

const day = 24 * time.Hour

// cachedBalance is what GetSellerBalance keeps in the cache. ValidUntil is
// when the oldest pending sale matures; after that the cached split between
// available and pending is stale even though no entry was written.
type cachedBalance struct {
	Balance    model.SellerBalance `json:"balance"`
	ValidUntil time.Time           `json:"valid_until"`
}

func (p *Payrail) holdingPeriod() time.Duration {
	return time.Duration(p.config.Ledger.HoldingPeriodDays) * day
}

// ComputeBalance folds a seller's full ledger history into a balance.
// Available and pending are reported clamped at zero.
func ComputeBalance(entries []model.LedgerEntry, now time.Time, holdingPeriod time.Duration) model.SellerBalance {
	var available, pending, earnings, payouts decimal.Decimal
	balance := model.SellerBalance{ComputedAt: now}

	for _, e := range entries {
		if balance.SellerID == "" {
			balance.SellerID = e.SellerID
		}
		if balance.Currency == "" {
			balance.Currency = e.Currency
		}

		switch e.Type {
		case model.EntrySale:
			if now.Sub(e.CreatedAt) >= holdingPeriod {
				available = available.Add(e.Amount)
			} else {
				pending = pending.Add(e.Amount)
			}
			earnings = earnings.Add(e.Amount)
		case model.EntryRefund:
			available = available.Sub(e.Amount)
			earnings = earnings.Sub(e.Amount)
		case model.EntryPayout:
			available = available.Sub(e.Amount)
			payouts = payouts.Add(e.Amount)
		case model.EntryFee:
			available = available.Sub(e.Amount)
		case model.EntryAdjustment:
			available = available.Add(e.Amount)
		}
	}

	balance.AvailableBalance = decimal.Max(available, decimal.Zero)
	balance.PendingBalance = decimal.Max(pending, decimal.Zero)
	balance.TotalEarnings = earnings
	balance.TotalPayouts = payouts
	return balance
}

// nextMaturity returns when the earliest still-pending sale becomes
// available, or the zero time when nothing is pending.
func nextMaturity(entries []model.LedgerEntry, now time.Time, holdingPeriod time.Duration) time.Time {
	var next time.Time
	for _, e := range entries {
		if e.Type != model.EntrySale {
			continue
		}
		matures := e.CreatedAt.Add(holdingPeriod)
		if !matures.After(now) {
			continue
		}
		if next.IsZero() || matures.Before(next) {
			next = matures
		}
	}
	return next
}

// RecordLedgerEntry validates and appends an entry.
func (p *Payrail) RecordLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	entry.Currency = strings.ToUpper(entry.Currency)
	if err := entry.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Invalid ledger entry: %v", err), nil)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = p.now()
	}
	if entry.ID == "" {
		entry.ID = model.GenerateUUIDWithSuffix("le")
	}
	return p.datasource.RecordLedgerEntry(ctx, entry)
}

func (p *Payrail) GetLedgerEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error) {
	return p.datasource.GetLedgerEntries(ctx, sellerID)
}

func balanceCacheKey(sellerID string, latest time.Time) string {
	return fmt.Sprintf("balance:%s:%d", sellerID, latest.UnixNano())
}

// GetSellerBalance recomputes the balance from full history. With a cache
// configured the result is reused until a newer entry is written or a
// pending sale matures.
func (p *Payrail) GetSellerBalance(ctx context.Context, sellerID string) (*model.SellerBalance, error) {
	now := p.now()
	holding := p.holdingPeriod()

	var key string
	if p.cache != nil {
		latest, err := p.datasource.LatestLedgerEntryAt(ctx, sellerID)
		if err != nil {
			return nil, err
		}
		key = balanceCacheKey(sellerID, latest)

		var cached cachedBalance
		found, err := p.cache.Get(ctx, key, &cached)
		if err != nil {
			logrus.WithFields(logrus.Fields{"seller_id": sellerID, "error": err.Error()}).Warn("balance cache read failed")
		}
		if found && (cached.ValidUntil.IsZero() || now.Before(cached.ValidUntil)) {
			return &cached.Balance, nil
		}
	}

	entries, err := p.datasource.GetLedgerEntries(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	balance := ComputeBalance(entries, now, holding)
	balance.SellerID = sellerID

	if p.cache != nil {
		value := cachedBalance{Balance: balance, ValidUntil: nextMaturity(entries, now, holding)}
		if err := p.cache.Set(ctx, key, value, p.config.Ledger.BalanceCacheTTL()); err != nil {
			logrus.WithFields(logrus.Fields{"seller_id": sellerID, "error": err.Error()}).Warn("balance cache write failed")
		}
	}
	return &balance, nil
}
