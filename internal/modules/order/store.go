// README: Order store backed by PostgreSQL with version-guarded status updates.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convoy/internal/apperr"
	"convoy/internal/infra"
	"convoy/internal/types"
)

type Store struct {
	db      *pgxpool.Pool
	metrics *infra.Metrics
	timeout time.Duration
}

func NewStore(db *pgxpool.Pool, m *infra.Metrics, timeout time.Duration) *Store {
	return &Store{db: db, metrics: m, timeout: timeout}
}

// Create inserts o unless an order for the same request exists. It reports
// whether a row was written.
func (s *Store) Create(ctx context.Context, o *Order) (bool, error) {
	return infra.Timed(ctx, s.metrics, "order.create", s.timeout, func(ctx context.Context) (bool, error) {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO orders (
				id, request_id, requester_id, worker_id, status, status_version,
				volume, pickup_lat, pickup_lng, product_id, created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11
			)
			ON CONFLICT (request_id) DO NOTHING`,
			string(o.ID),
			string(o.RequestID),
			string(o.RequesterID),
			string(o.WorkerID),
			string(o.Status),
			o.StatusVersion,
			o.Volume,
			o.Pickup.Lat, o.Pickup.Lng,
			o.ProductID,
			o.CreatedAt,
		)
		if err != nil {
			return false, apperr.Infra("order create", err)
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (s *Store) GetByRequest(ctx context.Context, requestID types.ID) (*Order, error) {
	return infra.Timed(ctx, s.metrics, "order.get", s.timeout, func(ctx context.Context) (*Order, error) {
		row := s.db.QueryRow(ctx, `
			SELECT id, request_id, requester_id, worker_id, status, status_version,
			       volume, pickup_lat, pickup_lng, product_id,
			       created_at, arrived_at, started_at, completed_at, cancelled_at
			FROM orders
			WHERE request_id = $1`, string(requestID),
		)
		var o Order
		err := row.Scan(
			&o.ID, &o.RequestID, &o.RequesterID, &o.WorkerID, &o.Status, &o.StatusVersion,
			&o.Volume, &o.Pickup.Lat, &o.Pickup.Lng, &o.ProductID,
			&o.CreatedAt, &o.ArrivedAt, &o.StartedAt, &o.CompletedAt, &o.CancelledAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, apperr.Infra("order get", err)
		}
		return &o, nil
	})
}

// UpdateStatus moves the order from -> to only if nobody changed it since
// version was read.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	return infra.Timed(ctx, s.metrics, "order.update_status", s.timeout, func(ctx context.Context) (bool, error) {
		tag, err := s.db.Exec(ctx, `
			UPDATE orders
			SET status = $1,
			    status_version = status_version + 1,
			    arrived_at = CASE WHEN $1 = 'arrived' THEN NOW() ELSE arrived_at END,
			    started_at = CASE WHEN $1 = 'in_progress' THEN NOW() ELSE started_at END,
			    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
			    cancelled_at = CASE WHEN $1 IN ('cancelled', 'expired') THEN NOW() ELSE cancelled_at END
			WHERE id = $2 AND status = $3 AND status_version = $4`,
			string(to),
			string(id),
			string(from),
			version,
		)
		if err != nil {
			return false, apperr.Infra("order update status", err)
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := infra.Timed(ctx, s.metrics, "order.append_event", s.timeout, func(ctx context.Context) (struct{}, error) {
		_, err := s.db.Exec(ctx, `
			INSERT INTO order_state_events (
				order_id, from_status, to_status, source_event, created_at
			) VALUES ($1, $2, $3, $4, $5)`,
			string(e.OrderID),
			string(e.FromStatus),
			string(e.ToStatus),
			e.SourceEvent,
			e.CreatedAt,
		)
		return struct{}{}, apperr.Infra("order append event", err)
	})
	return err
}
