// README: RabbitMQ connection with publisher confirms tracked per message.
package infra

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"convoy/internal/apperr"
)

type Broker struct {
	conn *amqp.Connection
	pub  *amqp.Channel
	send sendFunc
}

// confirmation is the broker's answer for one published message.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type sendFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)

func channelSender(ch *amqp.Channel) sendFunc {
	return func(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
		if err != nil {
			return nil, err
		}
		if dc == nil {
			return nil, errors.New("channel not in confirm mode")
		}
		return dc, nil
	}
}

// DialBroker connects to url, retrying within budget, and opens a confirm-mode
// publishing channel.
func DialBroker(ctx context.Context, url string, budget time.Duration) (*Broker, error) {
	var conn *amqp.Connection
	err := Retry(ctx, budget, func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, apperr.Infra("amqp dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, apperr.Infra("amqp channel", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, apperr.Infra("amqp confirm", err)
	}
	return &Broker{conn: conn, pub: ch, send: channelSender(ch)}, nil
}

// Channel opens a fresh channel for consumers or topology declaration.
func (b *Broker) Channel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, apperr.Infra("amqp channel", err)
	}
	return ch, nil
}

func (b *Broker) Ping() error {
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Publish sends a persistent message and waits for its own confirm or ctx.
// A confirm arriving after ctx is done belongs to that message only.
func (b *Broker) Publish(ctx context.Context, exchange, key string, body []byte) error {
	return publishConfirmed(ctx, b.send, exchange, key, body)
}

func publishConfirmed(ctx context.Context, send sendFunc, exchange, key string, body []byte) error {
	conf, err := send(ctx, exchange, key, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return apperr.Infra("amqp publish", err)
	}
	ack, err := conf.WaitContext(ctx)
	if err != nil {
		return apperr.Infra("amqp publish", err)
	}
	if !ack {
		return apperr.Infra("amqp publish", errors.New("publish NACK from broker"))
	}
	return nil
}

func (b *Broker) Close() {
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
