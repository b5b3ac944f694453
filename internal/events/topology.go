// README: Idempotent declaration of the exchange, dead-letter path and durable consumer queues.
package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Bindings lists the routing keys each durable queue receives.
var Bindings = map[string][]string{
	OrdersSyncQueue:      {RequestAccepted, RequestArrived, RequestStarted, RequestCompleted, RequestCancelled},
	DispatchTriggerQueue: {RequestCreated, RequestRefused},
}

// Declare sets up the topic exchange, the fanout dead-letter exchange with its
// queue, and every durable queue in Bindings with dead-lettering enabled.
func Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	for queue, keys := range Bindings {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DeadLetterExchange,
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		for _, key := range keys {
			if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", queue, key, err)
			}
		}
	}
	return nil
}

// InstanceQueue is the per-process fan-out queue name.
func InstanceQueue(instanceID string) string {
	return realtimeQueuePrefix + instanceID
}

// DeclareInstanceQueue creates an exclusive auto-delete queue for this process
// bound to every request event, so each instance sees every event.
func DeclareInstanceQueue(ch *amqp.Channel, instanceID string) (string, error) {
	name := InstanceQueue(instanceID)
	if _, err := ch.QueueDeclare(name, false, true, true, false, nil); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, "request.#", Exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", name, err)
	}
	return name, nil
}
