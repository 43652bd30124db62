package payrail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

// SafeParse never fails: valid JSON is returned as is, anything else is
// wrapped as a JSON string so it can still be stored and inspected.
func SafeParse(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(raw)
	return encoded
}

// serializePayload turns whatever business code hands over into the stored text form.
func serializePayload(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "null", nil
	case string:
		return string(SafeParse(v)), nil
	case []byte:
		return string(SafeParse(string(v))), nil
	case json.RawMessage:
		return string(SafeParse(string(v))), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewOutboxItem builds a row for writing in the same transaction as a business change.
func NewOutboxItem(eventType string, payload interface{}) (model.OutboxItem, error) {
	if strings.TrimSpace(eventType) == "" {
		return model.OutboxItem{}, errors.New("event type is required")
	}
	data, err := serializePayload(payload)
	if err != nil {
		return model.OutboxItem{}, err
	}
	return model.OutboxItem{
		ID:      model.GenerateUUIDWithSuffix("outbox"),
		Type:    eventType,
		Payload: data,
	}, nil
}

// Enqueue stores an outbox row and returns its id. Types without a handler
// are accepted here and dead-lettered by the consumer.
func (p *Payrail) Enqueue(ctx context.Context, eventType string, payload interface{}) (string, error) {
	item, err := NewOutboxItem(eventType, payload)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	item.CreatedAt = p.now()
	if err := p.datasource.EnqueueOutbox(ctx, &item); err != nil {
		return "", err
	}
	return item.ID, nil
}
