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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/internal/providers"
	"github.com/blnkfinance/payrail/internal/retry"
	"github.com/blnkfinance/payrail/model"
)

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"

	StripeSignatureHeader = "Stripe-Signature"

	// stripeSignatureTolerance is how old a signed timestamp may be.
	stripeSignatureTolerance = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

// errOrderNotPaid is returned for a refund that arrives before the payment
// it reverses. The row is retried on the next cycle.
var errOrderNotPaid = errors.New("refund received before the order was paid")

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Amount            int64             `json:"amount"`
	AmountReceived    int64             `json:"amount_received"`
	AmountTotal       int64             `json:"amount_total"`
	AmountRefunded    int64             `json:"amount_refunded"`
	Currency          string            `json:"currency"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	LastPaymentError struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type paypalEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID     string `json:"id"`
	Amount struct {
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	CustomID      string `json:"custom_id"`
	InvoiceID     string `json:"invoice_id"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

var stripeKinds = map[string]model.ProviderEventKind{
	"payment_intent.succeeded":      model.ProviderPaymentSucceeded,
	"checkout.session.completed":    model.ProviderPaymentSucceeded,
	"payment_intent.payment_failed": model.ProviderPaymentFailed,
	"charge.refunded":               model.ProviderRefunded,
	"payment_intent.canceled":       model.ProviderCancelled,
}

var paypalKinds = map[string]model.ProviderEventKind{
	"PAYMENT.CAPTURE.COMPLETED":    model.ProviderPaymentSucceeded,
	"PAYMENT.CAPTURE.DENIED":       model.ProviderPaymentFailed,
	"PAYMENT.CAPTURE.REFUNDED":     model.ProviderRefunded,
	"PAYMENT.AUTHORIZATION.VOIDED": model.ProviderCancelled,
}

// IngestProviderEvent stores a raw provider delivery. Redeliveries of the
// same provider event id are accepted and reported as not inserted.
func (p *Payrail) IngestProviderEvent(ctx context.Context, provider string, body []byte, header http.Header) (bool, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))

	var eventID, eventType string
	switch provider {
	case ProviderStripe:
		if secret := p.config.Payout.Stripe.WebhookSecret; secret != "" {
			if err := VerifyStripeSignature(body, header.Get(StripeSignatureHeader), secret, stripeSignatureTolerance, p.now()); err != nil {
				return false, apierror.NewAPIError(apierror.ErrUnauthorized, "Invalid webhook signature", err)
			}
		}
		var env stripeEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Malformed webhook payload", err)
		}
		eventID, eventType = env.ID, env.Type
	case ProviderPayPal:
		var env paypalEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Malformed webhook payload", err)
		}
		eventID, eventType = env.ID, env.EventType
	default:
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown provider %q", provider), nil)
	}

	if eventID == "" || eventType == "" {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Webhook payload has no event id or type", nil)
	}

	row := &model.WebhookEventRow{
		ID:        provider + ":" + eventID,
		Provider:  provider,
		EventType: eventType,
		Payload:   string(SafeParse(string(body))),
		CreatedAt: p.now(),
	}
	inserted, err := p.datasource.InsertWebhookEvent(ctx, row)
	if err != nil {
		return false, err
	}
	p.metrics.WebhookIngested(provider, !inserted)

	logrus.WithFields(logrus.Fields{
		"row_id":    row.ID,
		"type":      eventType,
		"duplicate": !inserted,
	}).Info("provider event ingested")
	return inserted, nil
}

// VerifyStripeSignature checks a Stripe-Signature header of the form
// "t=<unix>,v1=<hex>[,v1=<hex>]" against HMAC-SHA256("<t>.<payload>").
func VerifyStripeSignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: missing timestamp or v1 signature", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if tolerance > 0 && now.Sub(time.Unix(ts, 0)) > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// NormalizeProviderEvent decodes a stored delivery into a ProviderEvent.
// Types the pipeline does not act on come back with Kind ProviderIgnored.
func NormalizeProviderEvent(provider string, payload []byte) (model.ProviderEvent, error) {
	switch provider {
	case ProviderStripe:
		return normalizeStripe(payload)
	case ProviderPayPal:
		return normalizePayPal(payload)
	}
	return model.ProviderEvent{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

func normalizeStripe(payload []byte) (model.ProviderEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.ProviderEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	evt := model.ProviderEvent{
		ID:         env.ID,
		Provider:   ProviderStripe,
		Type:       env.Type,
		Kind:       model.ProviderIgnored,
		OccurredAt: time.Unix(env.Created, 0).UTC(),
	}
	kind, ok := stripeKinds[env.Type]
	if !ok {
		return evt, nil
	}

	var obj stripeObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return model.ProviderEvent{}, fmt.Errorf("%w: %s object: %v", model.ErrMalformedPayload, env.Type, err)
	}
	evt.Kind = kind
	evt.Currency = strings.ToUpper(obj.Currency)
	evt.OrderID = obj.Metadata["order_id"]
	evt.BuyerEmail = obj.CustomerDetails.Email

	switch env.Type {
	case "checkout.session.completed":
		if evt.OrderID == "" {
			evt.OrderID = obj.ClientReferenceID
		}
		evt.SessionID = obj.ID
		evt.PaymentReference = obj.PaymentIntent
		evt.Amount = providers.FromMinorUnits(obj.AmountTotal, obj.Currency)
	case "charge.refunded":
		evt.PaymentReference = obj.PaymentIntent
		evt.Amount = providers.FromMinorUnits(obj.AmountRefunded, obj.Currency)
	default:
		evt.PaymentReference = obj.ID
		amount := obj.AmountReceived
		if amount == 0 {
			amount = obj.Amount
		}
		evt.Amount = providers.FromMinorUnits(amount, obj.Currency)
		evt.FailureMessage = obj.LastPaymentError.Message
	}
	return evt, nil
}

func normalizePayPal(payload []byte) (model.ProviderEvent, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.ProviderEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	evt := model.ProviderEvent{
		ID:         env.ID,
		Provider:   ProviderPayPal,
		Type:       env.EventType,
		Kind:       model.ProviderIgnored,
		OccurredAt: env.CreateTime,
	}
	kind, ok := paypalKinds[env.EventType]
	if !ok {
		return evt, nil
	}

	var res paypalResource
	if err := json.Unmarshal(env.Resource, &res); err != nil {
		return model.ProviderEvent{}, fmt.Errorf("%w: %s resource: %v", model.ErrMalformedPayload, env.EventType, err)
	}
	evt.Kind = kind
	evt.PaymentReference = res.ID
	evt.Currency = strings.ToUpper(res.Amount.CurrencyCode)
	evt.FailureMessage = res.StatusDetails.Reason

	evt.OrderID = res.CustomID
	if evt.OrderID == "" {
		evt.OrderID = res.InvoiceID
	}
	if evt.OrderID == "" {
		evt.OrderID = res.SupplementaryData.RelatedIDs.OrderID
	}
	if res.Amount.Value != "" {
		amount, err := decimal.NewFromString(res.Amount.Value)
		if err != nil {
			return model.ProviderEvent{}, fmt.Errorf("%w: amount %q", model.ErrMalformedPayload, res.Amount.Value)
		}
		evt.Amount = amount
	}
	return evt, nil
}

// DispatchWebhook applies one stored provider event to its order.
func (p *Payrail) DispatchWebhook(ctx context.Context, row model.QueueRow) error {
	evt, err := NormalizeProviderEvent(row.Provider, []byte(row.Payload))
	if err != nil {
		return retry.Permanent(err)
	}
	if evt.Kind == model.ProviderIgnored {
		logrus.WithFields(logrus.Fields{"row_id": row.ID, "type": row.Type}).Debug("provider event type not handled, acknowledging")
		return nil
	}
	return p.UpdateOrderFromProviderEvent(ctx, evt)
}

var orderTargets = map[model.ProviderEventKind]model.OrderStatus{
	model.ProviderPaymentSucceeded: model.OrderPaid,
	model.ProviderPaymentFailed:    model.OrderFailed,
	model.ProviderRefunded:         model.OrderRefunded,
	model.ProviderCancelled:        model.OrderCancelled,
}

func (p *Payrail) findOrder(ctx context.Context, evt model.ProviderEvent) (*model.Order, error) {
	if evt.OrderID != "" {
		return p.datasource.GetOrder(ctx, evt.OrderID)
	}
	if evt.PaymentReference != "" {
		return p.datasource.GetOrderByPaymentReference(ctx, evt.PaymentReference)
	}
	return nil, retry.Permanent(fmt.Errorf("%w: event %s names no order or payment reference", model.ErrMalformedPayload, evt.ID))
}

// UpdateOrderFromProviderEvent moves the order to the status the event
// implies. Events that would move an order backwards, or that repeat its
// current status, change nothing, so replays are harmless.
func (p *Payrail) UpdateOrderFromProviderEvent(ctx context.Context, evt model.ProviderEvent) error {
	ctx, span := otel.Tracer("payrail.webhooks").Start(ctx, "UpdateOrderFromProviderEvent")
	defer span.End()
	span.SetAttributes(attribute.String("payrail.event_type", evt.Type))

	target, ok := orderTargets[evt.Kind]
	if !ok {
		return nil
	}

	order, err := p.findOrder(ctx, evt)
	if err != nil {
		return err
	}
	fields := logrus.Fields{"order_id": order.OrderID, "from": order.Status, "to": target, "event_id": evt.ID}

	if order.Status == target {
		logrus.WithFields(fields).Debug("order already in target status")
		return nil
	}
	if !model.CanTransition(order.Status, target) {
		if target == model.OrderRefunded {
			return errOrderNotPaid
		}
		logrus.WithFields(fields).Info("ignoring stale provider event")
		return nil
	}

	transition := model.OrderTransition{
		OrderID:   order.OrderID,
		From:      order.Status,
		To:        target,
		Reference: evt.PaymentReference,
	}

	switch target {
	case model.OrderPaid:
		if err := p.paidTransition(order, evt, &transition); err != nil {
			return err
		}
	case model.OrderRefunded:
		amount := evt.Amount
		if !amount.IsPositive() || amount.GreaterThan(order.Amount) {
			amount = order.Amount
		}
		transition.LedgerEntry = &model.LedgerEntry{
			SellerID:    order.SellerID,
			Type:        model.EntryRefund,
			Amount:      amount,
			Currency:    order.Currency,
			OrderID:     order.OrderID,
			Description: "refund " + evt.ID,
			CreatedAt:   p.now(),
		}
	}

	if err := p.datasource.ApplyOrderTransition(ctx, transition); err != nil {
		return err
	}
	logrus.WithFields(fields).Info("order updated from provider event")
	return nil
}

// paidTransition books the sale and queues the receipt and, for checkout
// sessions, the analytics event.
func (p *Payrail) paidTransition(order *model.Order, evt model.ProviderEvent, transition *model.OrderTransition) error {
	now := p.now()
	transition.LedgerEntry = &model.LedgerEntry{
		SellerID:    order.SellerID,
		Type:        model.EntrySale,
		Amount:      order.Amount,
		Currency:    order.Currency,
		OrderID:     order.OrderID,
		Description: "sale " + evt.ID,
		CreatedAt:   now,
	}

	buyer := order.BuyerEmail
	if buyer == "" {
		buyer = evt.BuyerEmail
	}
	if buyer != "" {
		item, err := NewOutboxItem(model.EventOrderPaid, model.OrderPaidEvent{
			OrderID:    order.OrderID,
			SellerID:   order.SellerID,
			BuyerEmail: buyer,
			Amount:     order.Amount,
			Currency:   order.Currency,
			PaidAt:     now,
		})
		if err != nil {
			return err
		}
		item.CreatedAt = now
		transition.Outbox = append(transition.Outbox, item)
	}

	if evt.SessionID != "" {
		item, err := NewOutboxItem(model.EventCheckoutCompleted, model.CheckoutCompletedEvent{
			OrderID:    order.OrderID,
			SessionID:  evt.SessionID,
			BuyerEmail: buyer,
			Amount:     order.Amount,
			Currency:   order.Currency,
		})
		if err != nil {
			return err
		}
		item.CreatedAt = now
		transition.Outbox = append(transition.Outbox, item)
	}
	return nil
}
