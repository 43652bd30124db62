// Package pg_listener wakes queue consumers from postgres NOTIFY messages so
// new rows are picked up without waiting for the next poll.
package pg_listener

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Channel is the notify channel the queue tables' insert triggers publish to.
// The payload is the queue kind.
const Channel = "payrail_queue"

// Waker is woken when its queue has new rows.
type Waker interface {
	Wake()
}

type ListenerConfig struct {
	PgConnStr            string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	// PingInterval is how long the listener may stay silent before the
	// connection is checked.
	PingInterval time.Duration
}

type QueueListener struct {
	config ListenerConfig
	wakers map[string][]Waker

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewQueueListener(config ListenerConfig) *QueueListener {
	if config.MinReconnectInterval <= 0 {
		config.MinReconnectInterval = 10 * time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	return &QueueListener{
		config: config,
		wakers: make(map[string][]Waker),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register routes notifications for kind to w.
func (l *QueueListener) Register(kind string, w Waker) {
	l.wakers[kind] = append(l.wakers[kind], w)
}

// Start listens until Stop is called or ctx is cancelled.
func (l *QueueListener) Start(ctx context.Context) error {
	defer close(l.done)
	listener := pq.NewListener(l.config.PgConnStr, l.config.MinReconnectInterval, l.config.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logrus.WithError(err).Warn("queue listener connection event")
			}
		})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return err
	}
	logrus.WithField("channel", Channel).Info("listening for queue notifications")

	for {
		select {
		case <-l.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			l.HandleNotification(n)
		case <-time.After(l.config.PingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					logrus.WithError(err).Warn("queue listener ping failed")
				}
			}()
		}
	}
}

func (l *QueueListener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *QueueListener) Done() <-chan struct{} {
	return l.done
}

// HandleNotification wakes the consumers of the notified queue. A nil
// notification follows a reconnect, when messages may have been missed, so
// every consumer is woken.
func (l *QueueListener) HandleNotification(n *pq.Notification) {
	if n == nil {
		for _, ws := range l.wakers {
			for _, w := range ws {
				w.Wake()
			}
		}
		return
	}

	ws, ok := l.wakers[n.Extra]
	if !ok {
		logrus.WithField("queue", n.Extra).Debug("notification for unknown queue")
		return
	}
	for _, w := range ws {
		w.Wake()
	}
}
