// README: Coordinator tests over in-memory stores, including concurrent accepts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoy/internal/apperr"
	"convoy/internal/config"
	"convoy/internal/events"
	"convoy/internal/infra"
	"convoy/internal/modules/location"
	"convoy/internal/modules/matching"
	"convoy/internal/modules/request"
	"convoy/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGeo struct {
	mu       sync.Mutex
	nearby   []location.Nearby
	meta     map[types.ID]location.WorkerMetadata
	err      error
	busy     []types.ID
	released map[types.ID]*time.Time
}

func newFakeGeo() *fakeGeo {
	return &fakeGeo{meta: make(map[types.ID]location.WorkerMetadata), released: make(map[types.ID]*time.Time)}
}

func (g *fakeGeo) addWorker(id types.ID, distKm float64, jobs int, rating float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nearby = append(g.nearby, location.Nearby{WorkerID: id, DistanceKm: distKm})
	g.meta[id] = location.WorkerMetadata{WorkerID: id, Status: location.StatusAvailable, DailyJobCount: jobs, Rating: rating}
}

func (g *fakeGeo) FindNearby(context.Context, types.Point, float64) ([]location.Nearby, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return append([]location.Nearby(nil), g.nearby...), nil
}

func (g *fakeGeo) Metadata(_ context.Context, ids []types.ID) (map[types.ID]location.WorkerMetadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[types.ID]location.WorkerMetadata, len(ids))
	for _, id := range ids {
		if md, ok := g.meta[id]; ok {
			out[id] = md
		}
	}
	return out, nil
}

func (g *fakeGeo) MarkBusy(_ context.Context, id types.ID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy = append(g.busy, id)
	return true, nil
}

func (g *fakeGeo) Release(_ context.Context, id types.ID, completedAt *time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released[id] = completedAt
	return nil
}

// userWorkers resolves "uid-<worker>" to "<worker>".
type userWorkers struct{}

func (userWorkers) Resolve(_ context.Context, userID types.ID) (types.ID, error) {
	var w string
	if _, err := fmt.Sscanf(string(userID), "uid-%s", &w); err != nil {
		return "", fmt.Errorf("worker for %s: %w", userID, apperr.ErrNotFound)
	}
	return types.ID(w), nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *capturePublisher) ofType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	coord   *Coordinator
	ledger  *request.Ledger
	cache   *request.MemoryCache
	archive *request.MemoryArchive
	geo     *fakeGeo
	pub     *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cache:   request.NewMemoryCache(),
		archive: request.NewMemoryArchive(),
		geo:     newFakeGeo(),
		pub:     &capturePublisher{},
	}
	cfg := config.Default()
	h.ledger = request.NewLedger(h.cache, h.archive, nil, h.pub, cfg.TTL, zerolog.Nop())
	engine, err := matching.NewEngine(h.geo, cfg.Matching.Weights)
	require.NoError(t, err)
	h.coord = NewCoordinator(h.ledger, h.geo, engine, userWorkers{}, cfg.Matching.RadiusKm, nil, zerolog.Nop())
	return h
}

func (h *harness) seed(t *testing.T, status request.Status) types.ID {
	t.Helper()
	id := types.ID(uuid.NewString())
	r := &request.Request{
		ID:             id,
		Status:         status,
		RequesterID:    "user-1",
		PickupLat:      25.0330,
		PickupLng:      121.5654,
		Quantity:       1,
		RefusedWorkers: []types.ID{},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, h.cache.Insert(context.Background(), r, 300*time.Second))
	return id
}

func (h *harness) status(t *testing.T, id types.ID) *request.Request {
	t.Helper()
	r, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestDispatchOffersTopCandidate(t *testing.T) {
	h := newHarness(t)
	h.geo.addWorker("w-far", 4.0, 6, 4.0)
	h.geo.addWorker("w-near", 0.5, 0, 4.9)
	id := h.seed(t, request.StatusSearching)

	offers, err := h.coord.Dispatch(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.EqualValues(t, "w-near", offers[0].WorkerID)

	r := h.status(t, id)
	assert.Equal(t, request.StatusDispatched, r.Status)
	require.NotNil(t, r.Offer)
	assert.EqualValues(t, "w-near", r.Offer.WorkerID)
	assert.Nil(t, r.WorkerID, "an offer is not an assignment")

	sent := h.pub.ofType(events.RequestDispatched)
	require.Len(t, sent, 1)
	assert.EqualValues(t, "w-near", sent[0].WorkerID)
}

func TestDispatchZeroCandidatesLeavesStatus(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, request.StatusSearching)

	offers, err := h.coord.Dispatch(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, offers)
	assert.NotNil(t, offers)
	assert.Equal(t, request.StatusSearching, h.status(t, id).Status)
	assert.Empty(t, h.pub.ofType(events.RequestDispatched))
}

func TestDispatchNoEligibleLeavesStatus(t *testing.T) {
	h := newHarness(t)
	h.geo.addWorker("w1", 1, 0, 5)
	h.geo.meta["w1"] = location.WorkerMetadata{WorkerID: "w1", Status: location.StatusBusy}
	id := h.seed(t, request.StatusSearching)

	offers, err := h.coord.Dispatch(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, offers)
	assert.Equal(t, request.StatusSearching, h.status(t, id).Status)
}

func TestDispatchSkipsNonSearching(t *testing.T) {
	h := newHarness(t)
	h.geo.addWorker("w1", 1, 0, 5)
	for _, s := range []request.Status{request.StatusDispatched, request.StatusAccepted, request.StatusCancelled} {
		id := h.seed(t, s)
		offers, err := h.coord.Dispatch(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, offers, "status %s", s)
		assert.Equal(t, s, h.status(t, id).Status)
	}
}

func TestDispatchGeoFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.geo.err = apperr.Infra("geo search", errors.New("timeout"))
	id := h.seed(t, request.StatusSearching)

	_, err := h.coord.Dispatch(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)
	assert.Equal(t, request.StatusSearching, h.status(t, id).Status)
}

func TestDispatchPublishFailureKeepsOffer(t *testing.T) {
	h := newHarness(t)
	h.geo.addWorker("w1", 1, 0, 5)
	h.pub.err = apperr.Infra("amqp publish", errors.New("channel closed"))
	id := h.seed(t, request.StatusSearching)

	offers, err := h.coord.Dispatch(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, request.StatusDispatched, h.status(t, id).Status)
}

func TestRefuseThenDispatchNeverReoffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.geo.addWorker("w1", 0.2, 0, 5)
	h.geo.addWorker("w2", 3.0, 4, 4)
	id := h.seed(t, request.StatusSearching)

	offers, err := h.coord.Dispatch(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, "w1", offers[0].WorkerID)

	r, err := h.coord.Refuse(ctx, id, "uid-w1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusSearching, r.Status)
	assert.Nil(t, r.Offer)
	assert.Equal(t, []types.ID{"w1"}, r.RefusedWorkers)
	assert.Len(t, h.pub.ofType(events.RequestRefused), 1)

	offers, err = h.coord.Dispatch(ctx, id)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.EqualValues(t, "w2", offers[0].WorkerID)

	_, err = h.coord.Refuse(ctx, id, "uid-w2")
	require.NoError(t, err)
	offers, err = h.coord.Dispatch(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, offers)
	assert.Equal(t, []types.ID{"w1", "w2"}, h.status(t, id).RefusedWorkers)
}

func TestHandleTriggerDispatchesAndIgnoresMissing(t *testing.T) {
	h := newHarness(t)
	h.geo.addWorker("w1", 1, 0, 5)
	id := h.seed(t, request.StatusSearching)

	require.NoError(t, h.coord.HandleTrigger(context.Background(), events.Event{Type: events.RequestCreated, RequestID: id}))
	assert.Equal(t, request.StatusDispatched, h.status(t, id).Status)

	assert.NoError(t, h.coord.HandleTrigger(context.Background(), events.Event{Type: events.RequestRefused, RequestID: "gone"}))
	assert.NoError(t, h.coord.HandleTrigger(context.Background(), events.Event{Type: events.RequestAccepted, RequestID: "gone"}))
}

// ---------------------------------------------------------------------------
// Accept / lifecycle
// ---------------------------------------------------------------------------

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.seed(t, request.StatusDispatched)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.Accept(ctx, id, types.ID(fmt.Sprintf("uid-w%d", i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, winners)

	r := h.status(t, id)
	assert.Equal(t, request.StatusAccepted, r.Status)
	require.NotNil(t, r.WorkerID)
	assert.Equal(t, []types.ID{*r.WorkerID}, h.geo.busy)
	assert.Len(t, h.pub.ofType(events.RequestAccepted), 1)
}

func TestAcceptErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Accept(ctx, "missing", "uid-w1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	id := h.seed(t, request.StatusSearching)
	_, err = h.coord.Accept(ctx, id, "not-a-worker")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	done := h.seed(t, request.StatusCompleted)
	_, err = h.coord.Accept(ctx, done, "uid-w1")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.coord.Refuse(ctx, done, "uid-w1")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestLifecycleToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.seed(t, request.StatusSearching)

	_, err := h.coord.Accept(ctx, id, "uid-w1")
	require.NoError(t, err)

	_, err = h.coord.Start(ctx, id, "uid-w1")
	assert.ErrorIs(t, err, apperr.ErrConflict, "cannot skip arrival")
	_, err = h.coord.Arrive(ctx, id, "uid-w2")
	assert.ErrorIs(t, err, apperr.ErrConflict, "only the assigned worker")

	r, err := h.coord.Arrive(ctx, id, "uid-w1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusArrived, r.Status)
	r, err = h.coord.Start(ctx, id, "uid-w1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusInProgress, r.Status)

	_, err = h.coord.Complete(ctx, id, "uid-w2")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	r, err = h.coord.Complete(ctx, id, "uid-w1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, r.Status)
	require.Contains(t, h.geo.released, types.ID("w1"))
	require.NotNil(t, h.geo.released["w1"])

	// Duplicate completion is a quiet success.
	_, err = h.coord.Complete(ctx, id, "uid-w1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.archive.Rows())
	assert.Len(t, h.pub.ofType(events.RequestCompleted), 1)
	for _, typ := range []string{events.RequestArrived, events.RequestStarted} {
		assert.Len(t, h.pub.ofType(typ), 1, typ)
	}
}

func TestCancelPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.seed(t, request.StatusSearching)
	_, err := h.coord.Cancel(ctx, id, Caller{UID: "user-2", Role: infra.RoleRequester})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = h.coord.Cancel(ctx, id, Caller{UID: "uid-w9", Role: infra.RoleWorker})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	r, err := h.coord.Cancel(ctx, id, Caller{UID: "user-1", Role: infra.RoleRequester})
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, r.Status)
	assert.Empty(t, h.geo.released)

	accepted := h.seed(t, request.StatusSearching)
	_, err = h.coord.Accept(ctx, accepted, "uid-w3")
	require.NoError(t, err)
	r, err = h.coord.Cancel(ctx, accepted, Caller{UID: "uid-w3", Role: infra.RoleWorker})
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, r.Status)
	assert.Contains(t, h.geo.released, types.ID("w3"))
	assert.Nil(t, h.geo.released["w3"], "cancellation does not count as a job")
	assert.Len(t, h.pub.ofType(events.RequestCancelled), 2)
}

func TestRepeatedFinalizationKeepsPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cancelled := h.seed(t, request.StatusSearching)
	_, err := h.coord.Cancel(ctx, cancelled, Caller{UID: "user-1", Role: infra.RoleRequester})
	require.NoError(t, err)

	r, err := h.coord.Cancel(ctx, cancelled, Caller{UID: "stranger", Role: infra.RoleRequester})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Nil(t, r, "a refused caller gets no snapshot")
	_, err = h.coord.Cancel(ctx, cancelled, Caller{UID: "user-1", Role: infra.RoleRequester})
	assert.NoError(t, err, "the owner may repeat")

	h.cache.Evict(cancelled)
	_, err = h.coord.Cancel(ctx, cancelled, Caller{UID: "stranger", Role: infra.RoleRequester})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "durable row path checks too")

	completed := h.seed(t, request.StatusSearching)
	_, err = h.coord.Accept(ctx, completed, "uid-w1")
	require.NoError(t, err)
	_, err = h.coord.Arrive(ctx, completed, "uid-w1")
	require.NoError(t, err)
	_, err = h.coord.Start(ctx, completed, "uid-w1")
	require.NoError(t, err)
	_, err = h.coord.Complete(ctx, completed, "uid-w1")
	require.NoError(t, err)

	_, err = h.coord.Complete(ctx, completed, "uid-w9")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = h.coord.Complete(ctx, completed, "uid-w1")
	assert.NoError(t, err)
	assert.Len(t, h.pub.ofType(events.RequestCompleted), 1)
}
