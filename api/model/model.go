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
package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/blnkfinance/payrail/model"
)

// EnqueueEvent is the body of POST /events.
type EnqueueEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e *EnqueueEvent) ValidateEnqueueEvent() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Type, validation.Required, validation.Length(1, 128)),
		validation.Field(&e.Payload, validation.Required),
	)
}

type CreateOrder struct {
	OrderID          string          `json:"order_id"`
	SellerID         string          `json:"seller_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentReference string          `json:"payment_reference"`
	BuyerEmail       string          `json:"buyer_email"`
}

func (o *CreateOrder) ValidateCreateOrder() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.OrderID, validation.Required),
		validation.Field(&o.SellerID, validation.Required),
		validation.Field(&o.Currency, validation.Required),
	)
}

func (o *CreateOrder) ToOrder() *model.Order {
	return &model.Order{
		OrderID:          o.OrderID,
		SellerID:         o.SellerID,
		Status:           model.OrderPending,
		Amount:           o.Amount,
		Currency:         strings.ToUpper(o.Currency),
		PaymentReference: o.PaymentReference,
		BuyerEmail:       o.BuyerEmail,
	}
}

// RecordLedgerEntry is an operator booking, typically a fee or an adjustment.
type RecordLedgerEntry struct {
	SellerID    string          `json:"seller_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OrderID     string          `json:"order_id"`
	Description string          `json:"description"`
}

func (r *RecordLedgerEntry) ValidateRecordLedgerEntry() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SellerID, validation.Required),
		validation.Field(&r.Type, validation.Required, validation.In(
			string(model.EntryFee), string(model.EntryAdjustment),
		).Error("only fee and adjustment entries can be booked directly")),
		validation.Field(&r.Currency, validation.Required),
	)
}

func (r *RecordLedgerEntry) ToLedgerEntry() *model.LedgerEntry {
	return &model.LedgerEntry{
		SellerID:    r.SellerID,
		Type:        model.LedgerEntryType(r.Type),
		Amount:      r.Amount,
		Currency:    r.Currency,
		OrderID:     r.OrderID,
		Description: r.Description,
	}
}

type PayoutSchedule struct {
	Frequency         string          `json:"frequency"`
	DayOfWeek         *int            `json:"day_of_week"`
	DayOfMonth        *int            `json:"day_of_month"`
	MinimumAmount     decimal.Decimal `json:"minimum_amount"`
	AutoPayoutEnabled bool            `json:"auto_payout_enabled"`
	Method            string          `json:"method"`
	Currency          string          `json:"currency"`
	Destination       string          `json:"destination"`
	NotificationEmail string          `json:"notification_email"`
	NextPayoutAt      string          `json:"next_payout_at"`
}

func (s *PayoutSchedule) ValidatePayoutSchedule() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Frequency, validation.Required),
		validation.Field(&s.Method, validation.Required),
		validation.Field(&s.NextPayoutAt, validation.By(func(value interface{}) error {
			if value.(string) == "" {
				return nil
			}
			return validateDateFormat(time.RFC3339, value.(string))
		})),
		validation.Field(&s.MinimumAmount, validation.By(func(interface{}) error {
			if s.MinimumAmount.IsNegative() {
				return errors.New("must not be negative")
			}
			return nil
		})),
	)
}

func (s *PayoutSchedule) ToPayoutSchedule(sellerID string) *model.PayoutSchedule {
	schedule := &model.PayoutSchedule{
		SellerID:          sellerID,
		Frequency:         model.PayoutFrequency(s.Frequency),
		DayOfWeek:         s.DayOfWeek,
		DayOfMonth:        s.DayOfMonth,
		MinimumAmount:     s.MinimumAmount,
		AutoPayoutEnabled: s.AutoPayoutEnabled,
		Method:            model.PayoutMethod(s.Method),
		Currency:          s.Currency,
		Destination:       s.Destination,
		NotificationEmail: s.NotificationEmail,
	}
	if s.NextPayoutAt != "" {
		next, _ := time.Parse(time.RFC3339, s.NextPayoutAt)
		next = next.UTC()
		schedule.NextPayoutAt = &next
	}
	return schedule
}

func validateDateFormat(format, value string) error {
	_, err := time.Parse(format, value)
	if err != nil {
		return errors.New("please format the date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}
