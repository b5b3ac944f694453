// README: RequestLedger owns request creation and every later state change.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convoy/internal/apperr"
	"convoy/internal/config"
	"convoy/internal/events"
	"convoy/internal/infra"
	"convoy/internal/types"
)

// Cache is the fast-store surface of the ledger.
type Cache interface {
	Get(ctx context.Context, id types.ID) (*Request, error)
	Set(ctx context.Context, r *Request, ttl time.Duration) error
	Delete(ctx context.Context, id types.ID) error
	ActiveID(ctx context.Context, requesterID types.ID) (types.ID, error)
	Insert(ctx context.Context, r *Request, ttl time.Duration) error
	Update(ctx context.Context, id types.ID, mutate func(*Request) error) (*Request, error)
	ClearActive(ctx context.Context, requesterID, id types.ID) error
}

// Archive is the durable store of finalized requests.
type Archive interface {
	Insert(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, id types.ID) (*Record, error)
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type Ledger struct {
	cache   Cache
	archive Archive
	locker  infra.Locker
	pub     Publisher
	ttl     config.TTLConfig
	log     zerolog.Logger
	now     func() time.Time
}

func NewLedger(cache Cache, archive Archive, locker infra.Locker, pub Publisher, ttl config.TTLConfig, log zerolog.Logger) *Ledger {
	return &Ledger{cache: cache, archive: archive, locker: locker, pub: pub, ttl: ttl, log: log, now: time.Now}
}

func createLockKey(requesterID types.ID) string {
	return "lock:requestCreate:" + string(requesterID)
}

// Create returns the requester's live request when one exists (created=false),
// otherwise stores a fresh SEARCHING request. Both paths run under the
// per-requester lock; failing to obtain it is ErrBusy.
func (l *Ledger) Create(ctx context.Context, cmd CreateCommand) (*Request, bool, error) {
	if cmd.RequesterID == "" || !cmd.Pickup.Valid() || cmd.Quantity <= 0 {
		return nil, false, fmt.Errorf("create request: %w", apperr.ErrBadRequest)
	}

	unlock, err := l.locker.Obtain(ctx, createLockKey(cmd.RequesterID), l.ttl.CreateLock)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn().Err(err).Str("requester_id", string(cmd.RequesterID)).Msg("release create lock")
		}
	}()

	existing, err := l.activeFor(ctx, cmd.RequesterID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := l.now().UTC()
	r := &Request{
		ID:                types.ID(uuid.NewString()),
		Status:            StatusSearching,
		RequesterID:       cmd.RequesterID,
		RequesterSnapshot: cmd.Snapshot,
		PickupLat:         cmd.Pickup.Lat,
		PickupLng:         cmd.Pickup.Lng,
		Quantity:          cmd.Quantity,
		ProductID:         cmd.ProductID,
		RefusedWorkers:    []types.ID{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.cache.Insert(ctx, r, l.ttl.ActiveRequest); err != nil {
		return nil, false, err
	}
	l.log.Info().Str("request_id", string(r.ID)).Str("requester_id", string(r.RequesterID)).Msg("request created")
	l.Publish(ctx, events.RequestCreated, r)
	return r, true, nil
}

// activeFor returns nil when the index is empty, dangling or points at a
// terminal request.
func (l *Ledger) activeFor(ctx context.Context, requesterID types.ID) (*Request, error) {
	id, err := l.cache.ActiveID(ctx, requesterID)
	if err != nil || id == "" {
		return nil, err
	}
	r, err := l.cache.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, nil
	}
	return r, nil
}

// ActiveFor is the requester's live request, or ErrNotFound.
func (l *Ledger) ActiveFor(ctx context.Context, requesterID types.ID) (*Request, error) {
	r, err := l.activeFor(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("active request for %s: %w", requesterID, apperr.ErrNotFound)
	}
	return r, nil
}

// Get reads the cache and falls back to the durable row once the entry is gone.
func (l *Ledger) Get(ctx context.Context, id types.ID) (*Request, error) {
	r, err := l.cache.Get(ctx, id)
	if !errors.Is(err, apperr.ErrNotFound) {
		return r, err
	}
	rec, aerr := l.archive.Get(ctx, id)
	if aerr != nil {
		return nil, aerr
	}
	return rec.Request(), nil
}

func (l *Ledger) Set(ctx context.Context, r *Request, ttl time.Duration) error {
	return l.cache.Set(ctx, r, ttl)
}

func (l *Ledger) Delete(ctx context.Context, id types.ID) error {
	return l.cache.Delete(ctx, id)
}

// Update runs mutate against the latest cached state. Status changes made by
// mutate are checked against AllowedTransitions.
func (l *Ledger) Update(ctx context.Context, id types.ID, mutate func(*Request) error) (*Request, error) {
	return l.cache.Update(ctx, id, func(r *Request) error {
		from := r.Status
		if err := mutate(r); err != nil {
			return err
		}
		if r.Status != from && !CanTransition(from, r.Status) {
			return fmt.Errorf("request %s %s -> %s: %w", id, from, r.Status, apperr.ErrConflict)
		}
		r.UpdatedAt = l.now().UTC()
		return nil
	})
}

func (l *Ledger) Finalize(ctx context.Context, id types.ID, terminal Status) (*Request, error) {
	r, _, err := l.FinalizeIf(ctx, id, terminal, nil)
	return r, err
}

// FinalizeIf moves the request to terminal when guard accepts the current
// state, persists the durable row and clears the side index. guard also runs
// on repeats. Repeating it with the same terminal status succeeds with
// changed=false, including after the cache entry has expired; a different
// terminal status is ErrConflict.
func (l *Ledger) FinalizeIf(ctx context.Context, id types.ID, terminal Status, guard func(*Request) error) (r *Request, changed bool, err error) {
	if !terminal.Terminal() {
		return nil, false, fmt.Errorf("finalize %s as %s: %w", id, terminal, apperr.ErrBadRequest)
	}
	now := l.now().UTC()
	r, err = l.cache.Update(ctx, id, func(r *Request) error {
		changed = false
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		if r.Status == terminal {
			return errNoChange
		}
		if !CanTransition(r.Status, terminal) {
			return fmt.Errorf("finalize %s %s -> %s: %w", id, r.Status, terminal, apperr.ErrConflict)
		}
		r.Status = terminal
		r.Offer = nil
		r.UpdatedAt = now
		changed = true
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		rec, aerr := l.archive.Get(ctx, id)
		if aerr != nil {
			return nil, false, aerr
		}
		prev := rec.Request()
		if guard != nil {
			if err := guard(prev); err != nil {
				return nil, false, err
			}
		}
		if rec.Status != terminal {
			return nil, false, fmt.Errorf("finalize %s: already %s: %w", id, rec.Status, apperr.ErrConflict)
		}
		return prev, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	// Repeats re-run the idempotent row insert.
	if _, err := l.archive.Insert(ctx, recordOf(r, r.UpdatedAt)); err != nil {
		return nil, false, err
	}
	if err := l.cache.ClearActive(ctx, r.RequesterID, r.ID); err != nil {
		return nil, false, err
	}
	return r, changed, nil
}

// Publish emits routingKey for r. Failures are logged; state is never rolled back.
func (l *Ledger) Publish(ctx context.Context, routingKey string, r *Request) {
	if l.pub == nil {
		return
	}
	var worker types.ID
	if r.WorkerID != nil {
		worker = *r.WorkerID
	} else if r.Offer != nil {
		worker = r.Offer.WorkerID
	}
	e, err := events.New(routingKey, r.ID, r.RequesterID, worker, string(r.Status), r)
	if err == nil {
		err = l.pub.Publish(ctx, e)
	}
	if err != nil {
		l.log.Error().Err(err).Str("routing_key", routingKey).Str("request_id", string(r.ID)).Msg("publish failed")
	}
}
