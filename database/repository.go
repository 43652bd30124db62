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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blnkfinance/payrail/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	queue       // Outbox, webhook and dead-letter tables
	idempotency // Idempotency records
	ledger      // Seller ledger entries
	payout      // Payouts and payout schedules
	order       // Order projection
}

type queue interface {
	EnqueueOutbox(ctx context.Context, item *model.OutboxItem) error
	InsertWebhookEvent(ctx context.Context, row *model.WebhookEventRow) (bool, error)
	FetchOldest(ctx context.Context, kind model.QueueKind, limit int) ([]model.QueueRow, error)
	MarkProcessed(ctx context.Context, kind model.QueueKind, id string) error
	IncrementAttemptsOrDeadLetter(ctx context.Context, row model.QueueRow, reason string, maxAttempts int) (model.AttemptOutcome, error)
	DeadLetter(ctx context.Context, row model.QueueRow, reason string) error
	ListDeadLetters(ctx context.Context, kind model.QueueKind, limit, offset int) ([]model.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	ReplayDeadLetter(ctx context.Context, id string) (model.QueueRow, error)
	DiscardDeadLetter(ctx context.Context, id string) error
	CountPending(ctx context.Context, kind model.QueueKind) (int64, error)
	CountDeadLetters(ctx context.Context) (int64, error)
}

type idempotency interface {
	BeginIdempotency(ctx context.Context, key string, ttl time.Duration) (model.BeginResult, error)
	CommitIdempotency(ctx context.Context, key string, result json.RawMessage, retention time.Duration) error
	FailIdempotency(ctx context.Context, key string, reason string) error
}

type ledger interface {
	RecordLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
	GetLedgerEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error)
	GetUnpaidEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error)
	LatestLedgerEntryAt(ctx context.Context, sellerID string) (time.Time, error)
}

type payout interface {
	CreatePayout(ctx context.Context, payout *model.PayoutRecord, entry *model.LedgerEntry) error
	GetPayout(ctx context.Context, id string) (*model.PayoutRecord, error)
	TransitionPayout(ctx context.Context, transition model.PayoutTransition) error
	GetPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.PayoutRecord, error)
	GetPayoutsBySeller(ctx context.Context, sellerID string, limit, offset int) ([]model.PayoutRecord, error)
	GetPayoutSchedule(ctx context.Context, sellerID string) (*model.PayoutSchedule, error)
	UpsertPayoutSchedule(ctx context.Context, schedule *model.PayoutSchedule) error
	GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.PayoutSchedule, error)
	UpdateNextPayoutAt(ctx context.Context, sellerID string, next time.Time) error
}

type order interface {
	CreateOrder(ctx context.Context, order *model.Order, outbox ...model.OutboxItem) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	GetOrderByPaymentReference(ctx context.Context, reference string) (*model.Order, error)
	ApplyOrderTransition(ctx context.Context, transition model.OrderTransition) error
}
