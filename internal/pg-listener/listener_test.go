package pg_listener

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

type countingWaker struct{ woken int }

func (w *countingWaker) Wake() { w.woken++ }

func TestHandleNotificationRoutesByKind(t *testing.T) {
	outbox, webhook := &countingWaker{}, &countingWaker{}
	l := NewQueueListener(ListenerConfig{})
	l.Register("outbox", outbox)
	l.Register("webhook", webhook)

	l.HandleNotification(&pq.Notification{Channel: Channel, Extra: "outbox"})
	l.HandleNotification(&pq.Notification{Channel: Channel, Extra: "outbox"})
	l.HandleNotification(&pq.Notification{Channel: Channel, Extra: "payouts"})

	assert.Equal(t, 2, outbox.woken)
	assert.Equal(t, 0, webhook.woken)
}

func TestHandleNotificationReconnectWakesAll(t *testing.T) {
	outbox, webhook := &countingWaker{}, &countingWaker{}
	l := NewQueueListener(ListenerConfig{})
	l.Register("outbox", outbox)
	l.Register("webhook", webhook)

	l.HandleNotification(nil)

	assert.Equal(t, 1, outbox.woken)
	assert.Equal(t, 1, webhook.woken)
}

func TestNewQueueListenerDefaults(t *testing.T) {
	l := NewQueueListener(ListenerConfig{PgConnStr: "postgres://localhost/payrail"})
	assert.Equal(t, 10*time.Second, l.config.MinReconnectInterval)
	assert.Equal(t, time.Minute, l.config.MaxReconnectInterval)
	assert.Equal(t, 90*time.Second, l.config.PingInterval)
}
