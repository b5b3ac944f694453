// README: Order sync consumer mirrors the authoritative request state into durable orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convoy/internal/apperr"
	"convoy/internal/events"
	"convoy/internal/modules/request"
	"convoy/internal/types"
)

var (
	ErrNotFound = fmt.Errorf("order: %w", apperr.ErrNotFound)
	ErrConflict = fmt.Errorf("order: %w", apperr.ErrConflict)
)

// maxSyncSteps bounds optimistic retries of one sync pass.
const maxSyncSteps = 8

type OrderStore interface {
	Create(ctx context.Context, o *Order) (bool, error)
	GetByRequest(ctx context.Context, requestID types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// RequestReader reads authoritative request state; request.Ledger satisfies it.
type RequestReader interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
}

type Service struct {
	store    OrderStore
	requests RequestReader
	log      zerolog.Logger
}

func NewService(store OrderStore, requests RequestReader, log zerolog.Logger) *Service {
	return &Service{store: store, requests: requests, log: log}
}

func (s *Service) Get(ctx context.Context, requestID types.ID) (*Order, error) {
	return s.store.GetByRequest(ctx, requestID)
}

func statusFor(rs request.Status) Status {
	switch rs {
	case request.StatusAccepted:
		return StatusAccepted
	case request.StatusArrived:
		return StatusArrived
	case request.StatusInProgress:
		return StatusInProgress
	case request.StatusCompleted:
		return StatusCompleted
	case request.StatusCancelled:
		return StatusCancelled
	case request.StatusExpired:
		return StatusExpired
	}
	return StatusNone
}

// Handle consumes one lifecycle event. The event only says which request to
// look at; the order follows whatever the request currently is. A request
// that can no longer be found is treated as expired.
func (s *Service) Handle(ctx context.Context, e events.Event) error {
	r, err := s.requests.Get(ctx, e.RequestID)
	target := StatusNone
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		r, target = nil, StatusExpired
	case err != nil:
		return err
	default:
		target = statusFor(r.Status)
	}
	if target == StatusNone {
		return nil
	}

	o, err := s.store.GetByRequest(ctx, e.RequestID)
	if errors.Is(err, ErrNotFound) {
		if r == nil || r.WorkerID == nil {
			return nil
		}
		o, err = s.create(ctx, r, e.Type)
	}
	if err != nil {
		return err
	}
	return s.advance(ctx, o, target, e.Type)
}

func (s *Service) create(ctx context.Context, r *request.Request, source string) (*Order, error) {
	o := &Order{
		ID:          types.ID(uuid.NewString()),
		RequestID:   r.ID,
		RequesterID: r.RequesterID,
		WorkerID:    *r.WorkerID,
		Status:      StatusAccepted,
		Volume:      r.Quantity,
		Pickup:      r.Pickup(),
		ProductID:   r.ProductID,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := s.store.Create(ctx, o)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.store.GetByRequest(ctx, r.ID)
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:     o.ID,
		FromStatus:  StatusNone,
		ToStatus:    StatusAccepted,
		SourceEvent: source,
		CreatedAt:   o.CreatedAt,
	})
	s.log.Info().Str("order_id", string(o.ID)).Str("request_id", string(r.ID)).Msg("order created")
	return o, nil
}

// advance walks o toward target one guarded transition at a time. Targets
// behind the current status and already terminal orders are left untouched.
func (s *Service) advance(ctx context.Context, o *Order, target Status, source string) error {
	for step := 0; o.Status != target; step++ {
		if step >= maxSyncSteps {
			return fmt.Errorf("sync order %s to %s: %w", o.ID, target, ErrConflict)
		}
		if o.Status.Terminal() {
			return nil
		}
		next := target
		if pt := position(target); pt >= 0 {
			pc := position(o.Status)
			if pt <= pc {
				return nil
			}
			next = forward[pc+1]
		}
		if !CanTransition(o.Status, next) {
			return nil
		}
		ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, next, o.StatusVersion)
		if err != nil {
			return err
		}
		if !ok {
			if o, err = s.store.GetByRequest(ctx, o.RequestID); err != nil {
				return err
			}
			continue
		}
		_ = s.store.AppendEvent(ctx, &Event{
			OrderID:     o.ID,
			FromStatus:  o.Status,
			ToStatus:    next,
			SourceEvent: source,
			CreatedAt:   time.Now().UTC(),
		})
		o.Status = next
		o.StatusVersion++
	}
	return nil
}
