// README: GeoTracker service over the Redis GEO index.
package location

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"convoy/internal/apperr"
	"convoy/internal/infra"
	"convoy/internal/types"
)

// GeoStore is the fast-store surface the tracker needs.
type GeoStore interface {
	UpdatePosition(ctx context.Context, u PositionUpdate, ttl time.Duration) (bool, error)
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]Nearby, error)
	Exists(ctx context.Context, id types.ID) (bool, error)
	Metadata(ctx context.Context, ids []types.ID) (map[types.ID]WorkerMetadata, error)
	SetStatus(ctx context.Context, id types.ID, status WorkerStatus, ttl time.Duration, create bool) (bool, error)
	Remove(ctx context.Context, id types.ID) error
	RecordJobCompleted(ctx context.Context, id types.ID, at time.Time, ttl time.Duration) (bool, error)
}

type Service struct {
	store   GeoStore
	ttl     time.Duration
	metrics *infra.Metrics
	log     zerolog.Logger
}

func NewService(store GeoStore, metadataTTL time.Duration, m *infra.Metrics, log zerolog.Logger) *Service {
	return &Service{store: store, ttl: metadataTTL, metrics: m, log: log}
}

// UpdatePosition stores the position only when observedAt is strictly newer
// than the last accepted one. Stale writes return Stale with a nil error.
func (s *Service) UpdatePosition(ctx context.Context, u PositionUpdate) (Outcome, error) {
	if u.WorkerID == "" || !u.Position.Valid() {
		return "", fmt.Errorf("position update: %w", apperr.ErrBadRequest)
	}
	if u.ObservedAt.IsZero() {
		return "", fmt.Errorf("position update: missing observation time: %w", apperr.ErrBadRequest)
	}
	ok, err := s.store.UpdatePosition(ctx, u, s.ttl)
	if err != nil {
		return "", err
	}
	s.metrics.PositionUpdate(ok)
	if !ok {
		s.log.Debug().Str("worker_id", string(u.WorkerID)).Time("observed_at", u.ObservedAt).Msg("stale position dropped")
		return Stale, nil
	}
	return Accepted, nil
}

// FindNearby lists workers around p sorted by ascending distance. An empty
// result means no worker is indexed in range; lookup failures are returned.
func (s *Service) FindNearby(ctx context.Context, p types.Point, radiusKm float64) ([]Nearby, error) {
	if !p.Valid() || radiusKm <= 0 {
		return nil, fmt.Errorf("find nearby: %w", apperr.ErrBadRequest)
	}
	return s.store.Nearby(ctx, p, radiusKm)
}

func (s *Service) IsOnline(ctx context.Context, id types.ID) (bool, error) {
	return s.store.Exists(ctx, id)
}

func (s *Service) Metadata(ctx context.Context, ids []types.ID) (map[types.ID]WorkerMetadata, error) {
	return s.store.Metadata(ctx, ids)
}

// SetAvailability is the worker-driven status switch. OFFLINE drops the worker
// from the index entirely.
func (s *Service) SetAvailability(ctx context.Context, id types.ID, status WorkerStatus) error {
	if id == "" || !status.Valid() {
		return fmt.Errorf("set availability: %w", apperr.ErrBadRequest)
	}
	if status == StatusOffline {
		return s.store.Remove(ctx, id)
	}
	_, err := s.store.SetStatus(ctx, id, status, s.ttl, true)
	return err
}

// MarkBusy flags an online worker as assigned. It reports false when the
// worker's metadata had already expired.
func (s *Service) MarkBusy(ctx context.Context, id types.ID) (bool, error) {
	return s.store.SetStatus(ctx, id, StatusBusy, s.ttl, false)
}

// Release returns a worker to AVAILABLE after a job ends; completed jobs also
// stamp lastJobAt, which feeds idle-time fairness.
func (s *Service) Release(ctx context.Context, id types.ID, completedAt *time.Time) error {
	if completedAt != nil {
		_, err := s.store.RecordJobCompleted(ctx, id, *completedAt, s.ttl)
		return err
	}
	_, err := s.store.SetStatus(ctx, id, StatusAvailable, s.ttl, false)
	return err
}
