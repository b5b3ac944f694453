// README: Queue consumer loop: ack on success, requeue a first failure, dead-letter a repeated one.
package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Handler processes one decoded event. Returning ErrDeadLetter skips the requeue.
type Handler func(ctx context.Context, e Event) error

var ErrDeadLetter = errors.New("dead letter")

// ChannelOpener opens consumer channels; infra.Broker satisfies it.
type ChannelOpener interface {
	Channel() (*amqp.Channel, error)
}

type Consumer struct {
	opener   ChannelOpener
	queue    string
	tag      string
	prefetch int
	handle   Handler
	log      zerolog.Logger
}

func NewConsumer(opener ChannelOpener, queue, tag string, prefetch int, h Handler, log zerolog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{opener: opener, queue: queue, tag: tag, prefetch: prefetch, handle: h, log: log.With().Str("queue", queue).Logger()}
}

// Run consumes until ctx ends. A closed delivery channel is returned as an error.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.opener.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return c.ConsumeOn(ctx, ch)
}

// ConsumeOn consumes c.queue on an already opened channel, for queues that
// must be declared on the same channel (exclusive queues).
func (c *Consumer) ConsumeOn(ctx context.Context, ch *amqp.Channel) error {
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos %s: %w", c.queue, err)
	}
	msgs, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.log.Info().Int("prefetch", c.prefetch).Msg("consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer %s: delivery channel closed", c.queue)
			}
			c.Deliver(ctx, d)
		}
	}
}

// Deliver runs the handler for d and settles it.
func (c *Consumer) Deliver(ctx context.Context, d amqp.Delivery) {
	e, err := Decode(d.Body)
	if err == nil {
		err = c.handle(ctx, e)
	} else {
		err = fmt.Errorf("%w: %w", ErrDeadLetter, err)
	}
	switch settle(err, d.Redelivered) {
	case ack:
		_ = d.Ack(false)
	case requeue:
		c.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("event failed, requeued")
		_ = d.Nack(false, true)
	case deadLetter:
		c.log.Error().Err(err).Str("routing_key", d.RoutingKey).Bool("redelivered", d.Redelivered).Msg("event dead-lettered")
		_ = d.Nack(false, false)
	}
}

type settlement int

const (
	ack settlement = iota
	requeue
	deadLetter
)

func settle(err error, redelivered bool) settlement {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, ErrDeadLetter), redelivered:
		return deadLetter
	default:
		return requeue
	}
}
