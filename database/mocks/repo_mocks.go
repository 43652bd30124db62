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
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/blnkfinance/payrail/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Queue methods

func (m *MockDataSource) EnqueueOutbox(ctx context.Context, item *model.OutboxItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockDataSource) InsertWebhookEvent(ctx context.Context, row *model.WebhookEventRow) (bool, error) {
	args := m.Called(ctx, row)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FetchOldest(ctx context.Context, kind model.QueueKind, limit int) ([]model.QueueRow, error) {
	args := m.Called(ctx, kind, limit)
	rows, _ := args.Get(0).([]model.QueueRow)
	return rows, args.Error(1)
}

func (m *MockDataSource) MarkProcessed(ctx context.Context, kind model.QueueKind, id string) error {
	args := m.Called(ctx, kind, id)
	return args.Error(0)
}

func (m *MockDataSource) IncrementAttemptsOrDeadLetter(ctx context.Context, row model.QueueRow, reason string, maxAttempts int) (model.AttemptOutcome, error) {
	args := m.Called(ctx, row, reason, maxAttempts)
	return args.Get(0).(model.AttemptOutcome), args.Error(1)
}

func (m *MockDataSource) DeadLetter(ctx context.Context, row model.QueueRow, reason string) error {
	args := m.Called(ctx, row, reason)
	return args.Error(0)
}

func (m *MockDataSource) ListDeadLetters(ctx context.Context, kind model.QueueKind, limit, offset int) ([]model.DeadLetterEntry, error) {
	args := m.Called(ctx, kind, limit, offset)
	entries, _ := args.Get(0).([]model.DeadLetterEntry)
	return entries, args.Error(1)
}

func (m *MockDataSource) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(*model.DeadLetterEntry)
	return entry, args.Error(1)
}

func (m *MockDataSource) ReplayDeadLetter(ctx context.Context, id string) (model.QueueRow, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.QueueRow), args.Error(1)
}

func (m *MockDataSource) DiscardDeadLetter(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) CountPending(ctx context.Context, kind model.QueueKind) (int64, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountDeadLetters(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// Idempotency methods

func (m *MockDataSource) BeginIdempotency(ctx context.Context, key string, ttl time.Duration) (model.BeginResult, error) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(model.BeginResult), args.Error(1)
}

func (m *MockDataSource) CommitIdempotency(ctx context.Context, key string, result json.RawMessage, retention time.Duration) error {
	args := m.Called(ctx, key, result, retention)
	return args.Error(0)
}

func (m *MockDataSource) FailIdempotency(ctx context.Context, key string, reason string) error {
	args := m.Called(ctx, key, reason)
	return args.Error(0)
}

// Ledger methods

func (m *MockDataSource) RecordLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetLedgerEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error) {
	args := m.Called(ctx, sellerID)
	entries, _ := args.Get(0).([]model.LedgerEntry)
	return entries, args.Error(1)
}

func (m *MockDataSource) GetUnpaidEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error) {
	args := m.Called(ctx, sellerID)
	entries, _ := args.Get(0).([]model.LedgerEntry)
	return entries, args.Error(1)
}

func (m *MockDataSource) LatestLedgerEntryAt(ctx context.Context, sellerID string) (time.Time, error) {
	args := m.Called(ctx, sellerID)
	return args.Get(0).(time.Time), args.Error(1)
}

// Payout methods

func (m *MockDataSource) CreatePayout(ctx context.Context, payout *model.PayoutRecord, entry *model.LedgerEntry) error {
	args := m.Called(ctx, payout, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetPayout(ctx context.Context, id string) (*model.PayoutRecord, error) {
	args := m.Called(ctx, id)
	payout, _ := args.Get(0).(*model.PayoutRecord)
	return payout, args.Error(1)
}

func (m *MockDataSource) TransitionPayout(ctx context.Context, transition model.PayoutTransition) error {
	args := m.Called(ctx, transition)
	return args.Error(0)
}

func (m *MockDataSource) GetPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.PayoutRecord, error) {
	args := m.Called(ctx, status, limit)
	payouts, _ := args.Get(0).([]model.PayoutRecord)
	return payouts, args.Error(1)
}

func (m *MockDataSource) GetPayoutsBySeller(ctx context.Context, sellerID string, limit, offset int) ([]model.PayoutRecord, error) {
	args := m.Called(ctx, sellerID, limit, offset)
	payouts, _ := args.Get(0).([]model.PayoutRecord)
	return payouts, args.Error(1)
}

func (m *MockDataSource) GetPayoutSchedule(ctx context.Context, sellerID string) (*model.PayoutSchedule, error) {
	args := m.Called(ctx, sellerID)
	schedule, _ := args.Get(0).(*model.PayoutSchedule)
	return schedule, args.Error(1)
}

func (m *MockDataSource) UpsertPayoutSchedule(ctx context.Context, schedule *model.PayoutSchedule) error {
	args := m.Called(ctx, schedule)
	return args.Error(0)
}

func (m *MockDataSource) GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.PayoutSchedule, error) {
	args := m.Called(ctx, now, limit)
	schedules, _ := args.Get(0).([]model.PayoutSchedule)
	return schedules, args.Error(1)
}

func (m *MockDataSource) UpdateNextPayoutAt(ctx context.Context, sellerID string, next time.Time) error {
	args := m.Called(ctx, sellerID, next)
	return args.Error(0)
}

// Order methods

func (m *MockDataSource) CreateOrder(ctx context.Context, order *model.Order, outbox ...model.OutboxItem) error {
	args := m.Called(ctx, order, outbox)
	return args.Error(0)
}

func (m *MockDataSource) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	args := m.Called(ctx, orderID)
	order, _ := args.Get(0).(*model.Order)
	return order, args.Error(1)
}

func (m *MockDataSource) GetOrderByPaymentReference(ctx context.Context, reference string) (*model.Order, error) {
	args := m.Called(ctx, reference)
	order, _ := args.Get(0).(*model.Order)
	return order, args.Error(1)
}

func (m *MockDataSource) ApplyOrderTransition(ctx context.Context, transition model.OrderTransition) error {
	args := m.Called(ctx, transition)
	return args.Error(0)
}
