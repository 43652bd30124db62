package payrail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/internal/providers"
	"github.com/blnkfinance/payrail/internal/retry"
	"github.com/blnkfinance/payrail/model"
)

// payoutHour is the wall-clock hour scheduled payouts run at.
const payoutHour = 9

var (
	ErrNotEligible       = errors.New("seller is not eligible for a payout")
	ErrNoRetryablePayout = errors.New("no retryable payout")
	ErrPayoutNotPending  = errors.New("payout is not pending")
)

const reconcileBatchSize = 100

// GetNextPayoutDate returns the next run strictly after now, at 09:00 in
// now's location.
func GetNextPayoutDate(schedule model.PayoutSchedule, now time.Time) time.Time {
	at := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), payoutHour, 0, 0, 0, t.Location())
	}

	switch schedule.Frequency {
	case model.FrequencyWeekly:
		target := 1
		if schedule.DayOfWeek != nil {
			target = *schedule.DayOfWeek
		}
		ahead := (target - int(now.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return at(now.AddDate(0, 0, ahead))
	case model.FrequencyBiweekly:
		return at(now.AddDate(0, 0, 14))
	case model.FrequencyMonthly:
		dom := 1
		if schedule.DayOfMonth != nil {
			dom = *schedule.DayOfMonth
		}
		if dom > 28 {
			dom = 28
		}
		if dom < 1 {
			dom = 1
		}
		return time.Date(now.Year(), now.Month()+1, dom, payoutHour, 0, 0, 0, now.Location())
	default:
		return at(now.AddDate(0, 0, 1))
	}
}

func IsEligibleForPayout(balance model.SellerBalance, schedule model.PayoutSchedule) bool {
	return schedule.AutoPayoutEnabled && balance.AvailableBalance.GreaterThanOrEqual(schedule.MinimumAmount)
}

// payoutID is derived from the seller and the tick so a redelivered task
// for the same tick collides with the payout it already created.
func payoutID(sellerID string, tick time.Time) string {
	name := sellerID + ":" + tick.UTC().Format("2006-01-02")
	return "payout_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// NewPayoutRecord builds a pending payout paying out the given entries.
// Persisting it is the caller's job.
func NewPayoutRecord(sellerID string, amount decimal.Decimal, schedule model.PayoutSchedule, entryIDs []string, now, tick time.Time) model.PayoutRecord {
	currency := strings.ToUpper(schedule.Currency)
	return model.PayoutRecord{
		ID:           payoutID(sellerID, tick),
		SellerID:     sellerID,
		Amount:       amount,
		Currency:     currency,
		Status:       model.PayoutPending,
		Method:       schedule.Method,
		Destination:  schedule.Destination,
		Transactions: entryIDs,
		CreatedAt:    now,
		ScheduledAt:  tick,
	}
}

// payoutEntries picks the unpaid entries that make up the available balance:
// everything except sales still inside the holding period.
func payoutEntries(unpaid []model.LedgerEntry, now time.Time, holding time.Duration) []string {
	ids := make([]string, 0, len(unpaid))
	for _, e := range unpaid {
		if e.Type == model.EntrySale && now.Sub(e.CreatedAt) < holding {
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func payoutDebit(payout model.PayoutRecord, description string) model.LedgerEntry {
	return model.LedgerEntry{
		SellerID:    payout.SellerID,
		Type:        model.EntryPayout,
		Amount:      payout.Amount,
		Currency:    payout.Currency,
		PayoutID:    payout.ID,
		Description: description,
	}
}

// CreatePayout pays out a seller's available balance for the given tick.
// The payout row and the payout ledger entry are written together.
func (p *Payrail) CreatePayout(ctx context.Context, sellerID string, tick time.Time) (*model.PayoutRecord, error) {
	schedule, err := p.datasource.GetPayoutSchedule(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	balance, err := p.GetSellerBalance(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if !IsEligibleForPayout(*balance, *schedule) || !balance.AvailableBalance.IsPositive() {
		return nil, fmt.Errorf("%w: available %s, minimum %s", ErrNotEligible,
			balance.AvailableBalance.StringFixed(2), schedule.MinimumAmount.StringFixed(2))
	}

	unpaid, err := p.datasource.GetUnpaidEntries(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	record := NewPayoutRecord(sellerID, balance.AvailableBalance, *schedule,
		payoutEntries(unpaid, now, p.holdingPeriod()), now, tick)
	debit := payoutDebit(record, "payout "+record.ID)
	debit.CreatedAt = now

	if err := p.datasource.CreatePayout(ctx, &record, &debit); err != nil {
		return nil, err
	}
	p.metrics.PayoutTransition(string(record.Method), string(record.Status))
	logrus.WithFields(logrus.Fields{
		"payout_id": record.ID,
		"seller_id": sellerID,
		"amount":    record.Amount.String(),
	}).Info("payout created")
	return &record, nil
}

func (p *Payrail) GetPayout(ctx context.Context, id string) (*model.PayoutRecord, error) {
	return p.datasource.GetPayout(ctx, id)
}

func (p *Payrail) GetSellerPayouts(ctx context.Context, sellerID string, limit, offset int) ([]model.PayoutRecord, error) {
	return p.datasource.GetPayoutsBySeller(ctx, sellerID, limit, offset)
}

func (p *Payrail) GetPayoutSchedule(ctx context.Context, sellerID string) (*model.PayoutSchedule, error) {
	return p.datasource.GetPayoutSchedule(ctx, sellerID)
}

// SavePayoutSchedule validates and stores a schedule. A schedule without a
// next run gets one computed from now.
func (p *Payrail) SavePayoutSchedule(ctx context.Context, schedule *model.PayoutSchedule) error {
	schedule.Currency = strings.ToUpper(schedule.Currency)
	if err := schedule.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Invalid payout schedule: %v", err), nil)
	}
	now := p.now()
	if schedule.NextPayoutAt == nil {
		next := GetNextPayoutDate(*schedule, now)
		schedule.NextPayoutAt = &next
	}
	schedule.UpdatedAt = now
	return p.datasource.UpsertPayoutSchedule(ctx, schedule)
}

// ProcessPayout hands a pending payout to its provider and records the
// outcome. Payouts that are no longer pending are returned unchanged.
func (p *Payrail) ProcessPayout(ctx context.Context, id string) (*model.PayoutRecord, error) {
	ctx, span := otel.Tracer("payrail.payouts").Start(ctx, "ProcessPayout")
	defer span.End()
	span.SetAttributes(attribute.String("payrail.payout_id", id))

	payout, err := p.datasource.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if payout.Status != model.PayoutPending {
		logrus.WithFields(logrus.Fields{"payout_id": id, "status": payout.Status}).Info("payout is not pending, skipping")
		return payout, nil
	}

	var result providers.PayoutResult
	switch payout.Method {
	case model.MethodStripe:
		result, err = p.processStripePayout(ctx, *payout)
	case model.MethodPayPal:
		result, err = p.processPayPalPayout(ctx, *payout)
	case model.MethodBankTransfer:
		err = errors.New("bank_transfer payouts have no automated provider")
	default:
		err = fmt.Errorf("unsupported payout method %q", payout.Method)
	}

	updated := *payout
	now := p.now()
	if err != nil {
		updated.Status = model.PayoutFailed
		updated.FailureReason = err.Error()
	} else {
		updated.ProviderReference = result.Reference
		updated.ProcessedAt = ptr.Time(now)
		switch result.State {
		case providers.StateCompleted:
			updated.Status = model.PayoutCompleted
			updated.CompletedAt = ptr.Time(now)
		case providers.StateFailed:
			updated.Status = model.PayoutFailed
			updated.FailureReason = result.FailureReason
			if updated.FailureReason == "" {
				updated.FailureReason = "provider reported status " + result.RawStatus
			}
		default:
			updated.Status = model.PayoutProcessing
		}
	}

	if err := p.applyPayoutTransition(ctx, &updated, model.PayoutPending); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (p *Payrail) payoutRequest(payout model.PayoutRecord) providers.PayoutRequest {
	return providers.PayoutRequest{
		PayoutID:       payout.ID,
		SellerID:       payout.SellerID,
		Amount:         payout.Amount,
		Currency:       payout.Currency,
		Destination:    payout.Destination,
		IdempotencyKey: fmt.Sprintf("payout:%s:%d", payout.ID, payout.RetryCount),
		Note:           "Payout " + payout.ID,
	}
}

func (p *Payrail) processStripePayout(ctx context.Context, payout model.PayoutRecord) (providers.PayoutResult, error) {
	return p.sendPayout(ctx, model.MethodStripe, payout)
}

func (p *Payrail) processPayPalPayout(ctx context.Context, payout model.PayoutRecord) (providers.PayoutResult, error) {
	return p.sendPayout(ctx, model.MethodPayPal, payout)
}

// sendPayout calls the provider through the retry policy. Rejections are
// not retried.
func (p *Payrail) sendPayout(ctx context.Context, method model.PayoutMethod, payout model.PayoutRecord) (providers.PayoutResult, error) {
	sender, ok := p.senders[method]
	if !ok {
		return providers.PayoutResult{}, fmt.Errorf("no %s provider configured", method)
	}

	req := p.payoutRequest(payout)
	retrier := p.newRetrier(p.config.Queue.InProcessRetries, func(err error, next time.Duration) {
		logrus.WithFields(logrus.Fields{
			"payout_id": payout.ID,
			"method":    method,
			"error":     err.Error(),
			"next":      next.String(),
		}).Warn("payout provider call failed, retrying")
	})

	var result providers.PayoutResult
	err := retrier.Do(ctx, func(ctx context.Context) error {
		res, err := sender.CreatePayout(ctx, req)
		if err != nil {
			if !providers.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// applyPayoutTransition persists a status change together with its ledger
// effect and the status notice for the seller.
func (p *Payrail) applyPayoutTransition(ctx context.Context, updated *model.PayoutRecord, from model.PayoutStatus, entries ...model.LedgerEntry) error {
	now := p.now()
	if updated.Status == model.PayoutFailed && from != model.PayoutFailed {
		reversal := model.LedgerEntry{
			SellerID:    updated.SellerID,
			Type:        model.EntryAdjustment,
			Amount:      updated.Amount,
			Currency:    updated.Currency,
			PayoutID:    updated.ID,
			Description: "reversal of failed payout " + updated.ID,
		}
		entries = append(entries, reversal)
	}
	for i := range entries {
		entries[i].CreatedAt = now
	}

	notice := model.PayoutStatusChangedEvent{
		PayoutID:      updated.ID,
		SellerID:      updated.SellerID,
		Status:        updated.Status,
		Amount:        updated.Amount,
		Currency:      updated.Currency,
		FailureReason: updated.FailureReason,
		RetryCount:    updated.RetryCount,
	}
	if schedule, err := p.datasource.GetPayoutSchedule(ctx, updated.SellerID); err == nil {
		notice.NotificationEmail = schedule.NotificationEmail
	}
	item, err := NewOutboxItem(model.EventPayoutStatusChanged, notice)
	if err != nil {
		return err
	}
	item.CreatedAt = now

	err = p.datasource.TransitionPayout(ctx, model.PayoutTransition{
		Payout:        updated,
		From:          from,
		LedgerEntries: entries,
		Outbox:        []model.OutboxItem{item},
	})
	if err != nil {
		return err
	}

	p.metrics.PayoutTransition(string(updated.Method), string(updated.Status))
	logrus.WithFields(logrus.Fields{
		"payout_id": updated.ID,
		"from":      from,
		"to":        updated.Status,
		"reason":    updated.FailureReason,
	}).Info("payout transitioned")
	return nil
}

// RetryPayout puts a failed payout back to pending, debits the seller again
// and processes it.
func (p *Payrail) RetryPayout(ctx context.Context, id string, maxRetries int) (*model.PayoutRecord, error) {
	payout, err := p.datasource.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if payout.Status != model.PayoutFailed {
		return nil, fmt.Errorf("%w: payout %s is %s", ErrNoRetryablePayout, id, payout.Status)
	}
	if payout.RetryCount >= maxRetries {
		return nil, fmt.Errorf("%w: payout %s used %d of %d retries", ErrNoRetryablePayout, id, payout.RetryCount, maxRetries)
	}

	updated := *payout
	updated.Status = model.PayoutPending
	updated.RetryCount++
	updated.FailureReason = ""
	updated.ProviderReference = ""
	updated.ProcessedAt = nil
	updated.CompletedAt = nil

	debit := payoutDebit(updated, fmt.Sprintf("payout %s retry %d", updated.ID, updated.RetryCount))
	if err := p.applyPayoutTransition(ctx, &updated, model.PayoutFailed, debit); err != nil {
		return nil, err
	}
	return p.ProcessPayout(ctx, id)
}

// ReconcilePayouts asks providers about processing payouts and records the
// ones that settled. It returns how many payouts changed status.
func (p *Payrail) ReconcilePayouts(ctx context.Context) (int, error) {
	payouts, err := p.datasource.GetPayoutsByStatus(ctx, model.PayoutProcessing, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range payouts {
		payout := payouts[i]
		fields := logrus.Fields{"payout_id": payout.ID, "method": payout.Method}

		sender, ok := p.senders[payout.Method]
		if !ok {
			logrus.WithFields(fields).Warn("no provider to reconcile payout against")
			continue
		}
		result, err := sender.GetPayout(ctx, providers.Lookup{Reference: payout.ProviderReference, Destination: payout.Destination})
		if err != nil {
			logrus.WithFields(fields).WithField("error", err.Error()).Error("failed to fetch payout status")
			continue
		}

		now := p.now()
		updated := payout
		switch result.State {
		case providers.StateCompleted:
			updated.Status = model.PayoutCompleted
			updated.CompletedAt = ptr.Time(now)
		case providers.StateFailed:
			updated.Status = model.PayoutFailed
			updated.FailureReason = result.FailureReason
			if updated.FailureReason == "" {
				updated.FailureReason = "provider reported status " + result.RawStatus
			}
		default:
			continue
		}

		if err := p.applyPayoutTransition(ctx, &updated, model.PayoutProcessing); err != nil {
			logrus.WithFields(fields).WithField("error", err.Error()).Error("failed to record reconciled payout")
			continue
		}
		changed++
	}
	return changed, nil
}

// BatchProcessPayouts processes payouts left pending, for example by a
// worker that crashed between creating and sending them.
func (p *Payrail) BatchProcessPayouts(ctx context.Context, limit int) (int, error) {
	payouts, err := p.datasource.GetPayoutsByStatus(ctx, model.PayoutPending, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, payout := range payouts {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.ProcessPayout(ctx, payout.ID); err != nil {
			logrus.WithFields(logrus.Fields{"payout_id": payout.ID, "error": err.Error()}).Error("failed to process pending payout")
			continue
		}
		processed++
	}
	return processed, nil
}
