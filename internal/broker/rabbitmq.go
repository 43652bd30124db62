// Package broker publishes analytics events to RabbitMQ with publisher confirms.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const confirmTimeout = 10 * time.Second

var ErrBrokerClosed = errors.New("broker connection is closed")

type Message struct {
	// ID is set as the AMQP message id so consumers can drop redeliveries.
	ID        string
	Type      string
	Body      []byte
	Timestamp time.Time
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
}

type RabbitMQPublisher struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	exchange  string
	healthy   atomic.Bool
	closeOnce sync.Once
}

// NewRabbitMQPublisher dials url, declares a durable topic exchange and
// enables publisher confirms.
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	p := &RabbitMQPublisher{conn: conn, channel: ch, exchange: exchange}
	p.healthy.Store(true)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-connClosed:
			p.healthy.Store(false)
			logrus.WithField("error", err).Warn("rabbitmq connection closed")
		case err := <-chanClosed:
			p.healthy.Store(false)
			logrus.WithField("error", err).Warn("rabbitmq channel closed")
		}
	}()

	return p, nil
}

// Publish blocks until the broker confirms the message.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, msg Message) error {
	if !p.healthy.Load() {
		return ErrBrokerClosed
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, publishing(msg))
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("publish %s: broker nacked message %s", routingKey, msg.ID)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish %s: confirm timeout", routingKey)
	}
}

func (p *RabbitMQPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.healthy.Store(false)
		if cerr := p.channel.Close(); cerr != nil {
			err = cerr
		}
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func publishing(msg Message) amqp.Publishing {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    ts,
		AppId:        "payrail",
		Body:         msg.Body,
	}
}
