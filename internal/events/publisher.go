// README: Publisher sends events to the requests exchange under a timeout and waits for confirms.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"convoy/internal/infra"
)

// Confirmer is a confirm-mode publishing channel; infra.Broker satisfies it.
type Confirmer interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

type Publisher struct {
	broker  Confirmer
	timeout time.Duration
	metrics *infra.Metrics
	log     zerolog.Logger
}

func NewPublisher(b Confirmer, timeout time.Duration, m *infra.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{broker: b, timeout: timeout, metrics: m, log: log}
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	err = p.broker.Publish(ctx, Exchange, e.Type, body)
	p.metrics.ObserveStoreOp("amqp.publish", time.Since(start), err)
	p.metrics.Published(e.Type, err)
	if err != nil {
		return err
	}
	p.log.Debug().Str("routing_key", e.Type).Str("request_id", string(e.RequestID)).Msg("event published")
	return nil
}
