// README: Dispatch coordinator: offers requests to the best worker and drives the trip lifecycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"convoy/internal/apperr"
	"convoy/internal/events"
	"convoy/internal/infra"
	"convoy/internal/modules/location"
	"convoy/internal/modules/matching"
	"convoy/internal/modules/request"
	"convoy/internal/types"
)

type Geo interface {
	FindNearby(ctx context.Context, p types.Point, radiusKm float64) ([]location.Nearby, error)
	MarkBusy(ctx context.Context, id types.ID) (bool, error)
	Release(ctx context.Context, id types.ID, completedAt *time.Time) error
}

type Ranker interface {
	Rank(ctx context.Context, subject matching.Subject, candidates []location.Nearby) ([]matching.ScoredCandidate, error)
}

// WorkerResolver maps an authenticated user id to a worker id.
type WorkerResolver interface {
	Resolve(ctx context.Context, userID types.ID) (types.ID, error)
}

// Caller is the authenticated party issuing a command.
type Caller struct {
	UID  types.ID
	Role string
}

type Coordinator struct {
	ledger   *request.Ledger
	geo      Geo
	ranker   Ranker
	workers  WorkerResolver
	radiusKm float64
	metrics  *infra.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

func NewCoordinator(ledger *request.Ledger, geo Geo, ranker Ranker, workers WorkerResolver, radiusKm float64, m *infra.Metrics, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		ledger:   ledger,
		geo:      geo,
		ranker:   ranker,
		workers:  workers,
		radiusKm: radiusKm,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch offers a SEARCHING request to its top-ranked eligible worker. It
// returns no offers, and leaves the request untouched, when the request is not
// SEARCHING or nobody eligible is in range. Failure to publish the offer event
// is logged; the offer stands.
func (c *Coordinator) Dispatch(ctx context.Context, requestID types.ID) ([]request.Offer, error) {
	log := c.log.With().Str("request_id", string(requestID)).Logger()
	r, err := c.ledger.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != request.StatusSearching {
		c.metrics.Dispatch("skipped")
		return []request.Offer{}, nil
	}

	nearby, err := c.geo.FindNearby(ctx, r.Pickup(), c.radiusKm)
	if err != nil {
		c.metrics.Dispatch("error")
		return nil, err
	}
	if len(nearby) == 0 {
		log.Info().Float64("radius_km", c.radiusKm).Msg("no workers in range")
		c.metrics.Dispatch("no_candidates")
		return []request.Offer{}, nil
	}

	ranked, err := c.ranker.Rank(ctx, matching.Subject{RequestID: r.ID, Pickup: r.Pickup(), Refused: r.RefusedWorkers}, nearby)
	if err != nil {
		c.metrics.Dispatch("error")
		return nil, err
	}
	if len(ranked) == 0 {
		log.Info().Int("nearby", len(nearby)).Msg("no eligible workers")
		c.metrics.Dispatch("no_eligible")
		return []request.Offer{}, nil
	}

	top := ranked[0]
	offer := request.Offer{
		WorkerID:   top.WorkerID,
		Score:      top.Score,
		DistanceKm: top.DistanceKm,
		OfferedAt:  c.now().UTC(),
	}
	updated, err := c.ledger.Update(ctx, requestID, func(r *request.Request) error {
		if r.Status != request.StatusSearching || r.HasRefused(offer.WorkerID) {
			return fmt.Errorf("offer %s to %s: %w", r.ID, offer.WorkerID, apperr.ErrConflict)
		}
		r.Status = request.StatusDispatched
		o := offer
		r.Offer = &o
		return nil
	})
	if errors.Is(err, apperr.ErrConflict) {
		c.metrics.Dispatch("raced")
		return []request.Offer{}, nil
	}
	if err != nil {
		c.metrics.Dispatch("error")
		return nil, err
	}

	log.Info().Str("worker_id", string(offer.WorkerID)).Float64("score", offer.Score).Float64("distance_km", offer.DistanceKm).Msg("request dispatched")
	c.metrics.Dispatch("dispatched")
	c.ledger.Publish(ctx, events.RequestDispatched, updated)
	return []request.Offer{offer}, nil
}

func openForOffers(s request.Status) bool {
	return s == request.StatusSearching || s == request.StatusDispatched
}

// Accept assigns the request to the calling worker. Concurrent accepts
// resolve through the ledger's compare-and-swap; losers get ErrConflict.
func (c *Coordinator) Accept(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error) {
	workerID, err := c.workers.Resolve(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	updated, err := c.ledger.Update(ctx, requestID, func(r *request.Request) error {
		if !openForOffers(r.Status) {
			return fmt.Errorf("accept %s in %s: %w", r.ID, r.Status, apperr.ErrConflict)
		}
		if r.HasRefused(workerID) {
			return fmt.Errorf("accept %s: worker %s refused it: %w", r.ID, workerID, apperr.ErrConflict)
		}
		r.Status = request.StatusAccepted
		w := workerID
		r.WorkerID = &w
		r.Offer = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ok, err := c.geo.MarkBusy(ctx, workerID); err != nil || !ok {
		c.log.Warn().Err(err).Bool("marked", ok).Str("worker_id", string(workerID)).Msg("mark worker busy")
	}
	c.log.Info().Str("request_id", string(requestID)).Str("worker_id", string(workerID)).Msg("request accepted")
	c.ledger.Publish(ctx, events.RequestAccepted, updated)
	return updated, nil
}

// Refuse records the worker's refusal and reopens the request for matching.
func (c *Coordinator) Refuse(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error) {
	workerID, err := c.workers.Resolve(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	updated, err := c.ledger.Update(ctx, requestID, func(r *request.Request) error {
		if !openForOffers(r.Status) {
			return fmt.Errorf("refuse %s in %s: %w", r.ID, r.Status, apperr.ErrConflict)
		}
		r.AddRefused(workerID)
		r.Offer = nil
		r.Status = request.StatusSearching
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("request_id", string(requestID)).Str("worker_id", string(workerID)).Msg("request refused")
	c.ledger.Publish(ctx, events.RequestRefused, updated)
	return updated, nil
}

func (c *Coordinator) Arrive(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error) {
	return c.advance(ctx, requestID, callerUID, request.StatusArrived, events.RequestArrived)
}

func (c *Coordinator) Start(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error) {
	return c.advance(ctx, requestID, callerUID, request.StatusInProgress, events.RequestStarted)
}

// advance is a worker-driven step; only the assigned worker may take it.
func (c *Coordinator) advance(ctx context.Context, requestID, callerUID types.ID, to request.Status, routingKey string) (*request.Request, error) {
	workerID, err := c.workers.Resolve(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	updated, err := c.ledger.Update(ctx, requestID, func(r *request.Request) error {
		if !r.AssignedTo(workerID) {
			return fmt.Errorf("%s: %s is not assigned to %s: %w", to, r.ID, workerID, apperr.ErrConflict)
		}
		r.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.ledger.Publish(ctx, routingKey, updated)
	return updated, nil
}

// Complete finalizes the trip and returns the worker to the pool with a
// fresh lastJobAt.
func (c *Coordinator) Complete(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error) {
	workerID, err := c.workers.Resolve(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	done, changed, err := c.ledger.FinalizeIf(ctx, requestID, request.StatusCompleted, func(r *request.Request) error {
		if !r.AssignedTo(workerID) {
			return fmt.Errorf("complete %s: not assigned to %s: %w", r.ID, workerID, apperr.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return done, nil
	}
	at := done.UpdatedAt
	if err := c.geo.Release(ctx, workerID, &at); err != nil {
		c.log.Warn().Err(err).Str("worker_id", string(workerID)).Msg("release worker")
	}
	c.log.Info().Str("request_id", string(requestID)).Str("worker_id", string(workerID)).Msg("request completed")
	c.ledger.Publish(ctx, events.RequestCompleted, done)
	return done, nil
}

// Cancel is allowed to the requester and to the assigned worker.
func (c *Coordinator) Cancel(ctx context.Context, requestID types.ID, caller Caller) (*request.Request, error) {
	var workerID types.ID
	if caller.Role == infra.RoleWorker {
		id, err := c.workers.Resolve(ctx, caller.UID)
		if err != nil {
			return nil, err
		}
		workerID = id
	}
	done, changed, err := c.ledger.FinalizeIf(ctx, requestID, request.StatusCancelled, func(r *request.Request) error {
		if r.RequesterID == caller.UID || (workerID != "" && r.AssignedTo(workerID)) {
			return nil
		}
		return fmt.Errorf("cancel %s by %s: %w", r.ID, caller.UID, apperr.ErrForbidden)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return done, nil
	}
	if done.WorkerID != nil {
		if err := c.geo.Release(ctx, *done.WorkerID, nil); err != nil {
			c.log.Warn().Err(err).Str("worker_id", string(*done.WorkerID)).Msg("release worker")
		}
	}
	c.log.Info().Str("request_id", string(requestID)).Str("by", string(caller.UID)).Msg("request cancelled")
	c.ledger.Publish(ctx, events.RequestCancelled, done)
	return done, nil
}

// HandleTrigger re-runs Dispatch for created and refused requests. Requests
// that no longer exist are acknowledged.
func (c *Coordinator) HandleTrigger(ctx context.Context, e events.Event) error {
	if e.Type != events.RequestCreated && e.Type != events.RequestRefused {
		return nil
	}
	_, err := c.Dispatch(ctx, e.RequestID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}
