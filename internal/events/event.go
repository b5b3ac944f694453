// README: Lifecycle event envelope and routing keys on the requests topic exchange.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"convoy/internal/types"
)

const (
	Exchange           = "requests"
	DeadLetterExchange = "requests.dlx"
	DeadLetterQueue    = "requests.dead"

	OrdersSyncQueue      = "orders.sync"
	DispatchTriggerQueue = "dispatch.trigger"
	realtimeQueuePrefix  = "realtime."
)

const (
	RequestCreated    = "request.created"
	RequestDispatched = "request.dispatched"
	RequestAccepted   = "request.accepted"
	RequestRefused    = "request.refused"
	RequestArrived    = "request.arrived"
	RequestStarted    = "request.started"
	RequestCompleted  = "request.completed"
	RequestCancelled  = "request.cancelled"
)

// Event is advisory: consumers re-read the authoritative request before acting.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	RequestID   types.ID        `json:"requestId"`
	RequesterID types.ID        `json:"requesterId"`
	WorkerID    types.ID        `json:"workerId,omitempty"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// New builds an event of routing key typ; payload is marshaled as JSON when non-nil.
func New(typ string, requestID, requesterID, workerID types.ID, status string, payload any) (Event, error) {
	e := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		RequestID:   requestID,
		RequesterID: requesterID,
		WorkerID:    workerID,
		Status:      status,
		OccurredAt:  time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		e.Payload = b
	}
	return e, nil
}

func Decode(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" || e.RequestID == "" {
		return Event{}, fmt.Errorf("decode event: missing type or request id")
	}
	return e, nil
}
