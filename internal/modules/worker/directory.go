// README: Worker directory maps authenticated user ids to worker ids.
package worker

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

type Directory struct {
	db      *pgxpool.Pool
	metrics *infra.Metrics
	timeout time.Duration
}

func NewDirectory(db *pgxpool.Pool, m *infra.Metrics, timeout time.Duration) *Directory {
	return &Directory{db: db, metrics: m, timeout: timeout}
}

// Resolve returns the worker id registered for userID, or ErrNotFound.
func (d *Directory) Resolve(ctx context.Context, userID types.ID) (types.ID, error) {
	return infra.Timed(ctx, d.metrics, "worker.resolve", d.timeout, func(ctx context.Context) (types.ID, error) {
		var id string
		err := d.db.QueryRow(ctx, `SELECT id FROM workers WHERE user_id = $1`, string(userID)).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("worker for user %s: %w", userID, apperr.ErrNotFound)
		}
		if err != nil {
			return "", apperr.Infra("worker resolve", err)
		}
		return types.ID(id), nil
	})
}

// Register links userID to a worker id, keeping an existing link.
func (d *Directory) Register(ctx context.Context, workerID, userID types.ID) (types.ID, error) {
	return infra.Timed(ctx, d.metrics, "worker.register", d.timeout, func(ctx context.Context) (types.ID, error) {
		var id string
		err := d.db.QueryRow(ctx, `
			INSERT INTO workers (id, user_id) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
			RETURNING id`, string(workerID), string(userID)).Scan(&id)
		if err != nil {
			return "", apperr.Infra("worker register", err)
		}
		return types.ID(id), nil
	})
}
