// README: Durable request rows in PostgreSQL, written once at finalization.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convoy/internal/apperr"
	"convoy/internal/infra"
	"convoy/internal/types"
)

type PGArchive struct {
	db      *pgxpool.Pool
	metrics *infra.Metrics
	timeout time.Duration
}

func NewPGArchive(db *pgxpool.Pool, m *infra.Metrics, timeout time.Duration) *PGArchive {
	return &PGArchive{db: db, metrics: m, timeout: timeout}
}

// Insert writes rec unless a row with the same id exists. It reports whether
// this call created the row.
func (a *PGArchive) Insert(ctx context.Context, rec Record) (bool, error) {
	return infra.Timed(ctx, a.metrics, "request.archive_insert", a.timeout, func(ctx context.Context) (bool, error) {
		tag, err := a.db.Exec(ctx, `
			INSERT INTO requests (
				id, status, requester_id, worker_id, volume,
				pickup_lat, pickup_lng, product_id, created_at, finalized_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			string(rec.ID),
			string(rec.Status),
			string(rec.RequesterID),
			toStringPtr(rec.WorkerID),
			rec.Volume,
			rec.PickupLat, rec.PickupLng,
			rec.ProductID,
			rec.CreatedAt,
			rec.FinalizedAt,
		)
		if err != nil {
			return false, apperr.Infra("request archive insert", err)
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (a *PGArchive) Get(ctx context.Context, id types.ID) (*Record, error) {
	return infra.Timed(ctx, a.metrics, "request.archive_get", a.timeout, func(ctx context.Context) (*Record, error) {
		row := a.db.QueryRow(ctx, `
			SELECT id, status, requester_id, worker_id, volume,
			       pickup_lat, pickup_lng, product_id, created_at, finalized_at
			FROM requests
			WHERE id = $1`, string(id),
		)
		var rec Record
		var workerID *string
		err := row.Scan(
			&rec.ID, &rec.Status, &rec.RequesterID, &workerID, &rec.Volume,
			&rec.PickupLat, &rec.PickupLng, &rec.ProductID, &rec.CreatedAt, &rec.FinalizedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return nil, apperr.Infra("request archive get", err)
		}
		if workerID != nil {
			w := types.ID(*workerID)
			rec.WorkerID = &w
		}
		return &rec, nil
	})
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
