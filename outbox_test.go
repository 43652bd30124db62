package payrail

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

func TestSafeParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object", `{"order_id":"ord_1"}`, `{"order_id":"ord_1"}`},
		{"padded object", "  {\"a\":1}\n", `{"a":1}`},
		{"number", "42", "42"},
		{"plain text", "hello", `"hello"`},
		{"broken json", `{"a":`, `"{\"a\":"`},
		{"empty", "", `""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeParse(tt.raw)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNewOutboxItem_SerializesPayload(t *testing.T) {
	item, err := NewOutboxItem(model.EventOrderPaid, model.OrderPaidEvent{OrderID: "ord_1", BuyerEmail: "a@b.co"})
	require.NoError(t, err)
	assert.Contains(t, item.ID, "outbox_")
	assert.Equal(t, model.EventOrderPaid, item.Type)

	var decoded model.OrderPaidEvent
	require.NoError(t, json.Unmarshal([]byte(item.Payload), &decoded))
	assert.Equal(t, "ord_1", decoded.OrderID)

	raw, err := NewOutboxItem("custom.event", []byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, `"not json"`, raw.Payload)

	_, err = NewOutboxItem("  ", nil)
	assert.Error(t, err)
}

func TestEnqueue(t *testing.T) {
	p, ds := newMockPayrail(t)

	ds.On("EnqueueOutbox", mock.Anything, mock.MatchedBy(func(item *model.OutboxItem) bool {
		return item.Type == model.EventCheckoutCompleted && item.CreatedAt.Equal(testNow) && item.Payload == `{"order_id":"ord_1"}`
	})).Return(nil).Once()

	id, err := p.Enqueue(context.Background(), model.EventCheckoutCompleted, `{"order_id":"ord_1"}`)
	require.NoError(t, err)
	assert.Contains(t, id, "outbox_")
	ds.AssertExpectations(t)
}

func TestEnqueue_RejectsEmptyType(t *testing.T) {
	p, ds := newMockPayrail(t)

	_, err := p.Enqueue(context.Background(), "", map[string]string{"a": "b"})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
	ds.AssertNotCalled(t, "EnqueueOutbox", mock.Anything, mock.Anything)
}
