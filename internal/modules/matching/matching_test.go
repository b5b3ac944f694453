// README: Matching engine unit tests (eligibility and ordering).
package matching

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"convoy/internal/apperr"
	"convoy/internal/config"
	"convoy/internal/modules/location"
	"convoy/internal/types"
)

var defaultWeights = config.Weights{Distance: 0.4, Idle: 0.3, Balance: 0.2, Rating: 0.1}

func available(id types.ID, jobs int, rating float64, lastJobAt time.Time) location.WorkerMetadata {
	return location.WorkerMetadata{
		WorkerID:      id,
		Status:        location.StatusAvailable,
		DailyJobCount: jobs,
		Rating:        rating,
		LastJobAt:     lastJobAt,
	}
}

func ids(cs []ScoredCandidate) []types.ID {
	out := make([]types.ID, len(cs))
	for i, c := range cs {
		out[i] = c.WorkerID
	}
	return out
}

// ---------------------------------------------------------------------------
// Unit tests: Score (pure function)
// ---------------------------------------------------------------------------

// TestScore_IdleAndBalanceOutweighDistance ranks a farther, long-idle worker
// with no jobs today above a close worker who just finished.
func TestScore_IdleAndBalanceOutweighDistance(t *testing.T) {
	now := time.Now()
	candidates := []location.Nearby{
		{WorkerID: "d1", DistanceKm: 1.0},
		{WorkerID: "d2", DistanceKm: 5.0},
	}
	md := map[types.ID]location.WorkerMetadata{
		"d1": available("d1", 5, 5.0, now.Add(-60*time.Second)),
		"d2": available("d2", 0, 5.0, now.Add(-3600*time.Second)),
	}

	got := Score(now, defaultWeights, Subject{RequestID: "r1"}, candidates, md)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].WorkerID != "d2" {
		t.Fatalf("expected d2 first, got %v", ids(got))
	}
	if math.Abs(got[0].Score-0.6) > 1e-9 {
		t.Errorf("d2 score = %v, want 0.6", got[0].Score)
	}
	if math.Abs(got[1].Score-0.425) > 1e-9 {
		t.Errorf("d1 score = %v, want 0.425", got[1].Score)
	}
	if math.Abs(got[1].NDistance-0.8) > 1e-9 || got[1].NBalance != 0 || got[1].NRating != 1 {
		t.Errorf("unexpected d1 sub-scores: %+v", got[1])
	}
}

func TestScore_EligibilityFilter(t *testing.T) {
	now := time.Now()
	candidates := []location.Nearby{
		{WorkerID: "ok", DistanceKm: 1},
		{WorkerID: "busy", DistanceKm: 1},
		{WorkerID: "offline", DistanceKm: 1},
		{WorkerID: "gone", DistanceKm: 1},
		{WorkerID: "refused", DistanceKm: 1},
	}
	busy := available("busy", 0, 5, time.Time{})
	busy.Status = location.StatusBusy
	offline := available("offline", 0, 5, time.Time{})
	offline.Status = location.StatusOffline
	md := map[types.ID]location.WorkerMetadata{
		"ok":      available("ok", 0, 4, time.Time{}),
		"busy":    busy,
		"offline": offline,
		"refused": available("refused", 0, 5, time.Time{}),
	}

	got := Score(now, defaultWeights, Subject{Refused: []types.ID{"refused"}}, candidates, md)
	if len(got) != 1 || got[0].WorkerID != "ok" {
		t.Fatalf("expected only [ok], got %v", ids(got))
	}
}

func TestScore_PerfectCandidateRanksFirst(t *testing.T) {
	now := time.Now()
	candidates := []location.Nearby{
		{WorkerID: "a", DistanceKm: 2.5},
		{WorkerID: "perfect", DistanceKm: 0},
		{WorkerID: "b", DistanceKm: 4.0},
	}
	md := map[types.ID]location.WorkerMetadata{
		"a":       available("a", 3, 4.2, now.Add(-10*time.Minute)),
		"perfect": available("perfect", 0, 5, now.Add(-2*time.Hour)),
		"b":       available("b", 7, 3.9, now.Add(-30*time.Minute)),
	}

	got := Score(now, defaultWeights, Subject{}, candidates, md)
	if got[0].WorkerID != "perfect" {
		t.Fatalf("expected perfect first, got %v", ids(got))
	}
	if math.Abs(got[0].Score-1.0) > 1e-9 {
		t.Errorf("perfect score = %v, want 1.0", got[0].Score)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Score < got[i].Score {
			t.Fatalf("scores not descending: %v", got)
		}
	}
}

func TestScore_DenominatorsNeverBelowOne(t *testing.T) {
	now := time.Now()
	candidates := []location.Nearby{{WorkerID: "w", DistanceKm: 0.5}}
	md := map[types.ID]location.WorkerMetadata{
		// No completed job yet: idle counts as zero.
		"w": available("w", 0, 2.5, time.Time{}),
	}

	got := Score(now, defaultWeights, Subject{}, candidates, md)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	c := got[0]
	if math.Abs(c.NDistance-0.5) > 1e-9 {
		t.Errorf("NDistance = %v, want 0.5", c.NDistance)
	}
	if c.NIdle != 0 || c.IdleSec != 0 {
		t.Errorf("idle should be zero without lastJobAt, got %v/%v", c.IdleSec, c.NIdle)
	}
	if c.NBalance != 1 {
		t.Errorf("NBalance = %v, want 1", c.NBalance)
	}
	if math.Abs(c.NRating-0.5) > 1e-9 {
		t.Errorf("NRating = %v, want 0.5", c.NRating)
	}
}

func TestScore_TiesBreakByWorkerID(t *testing.T) {
	now := time.Now()
	candidates := []location.Nearby{
		{WorkerID: "w3", DistanceKm: 2},
		{WorkerID: "w1", DistanceKm: 2},
		{WorkerID: "w2", DistanceKm: 2},
	}
	md := map[types.ID]location.WorkerMetadata{
		"w1": available("w1", 1, 4, time.Time{}),
		"w2": available("w2", 1, 4, time.Time{}),
		"w3": available("w3", 1, 4, time.Time{}),
	}

	got := ids(Score(now, defaultWeights, Subject{}, candidates, md))
	want := []types.ID{"w1", "w2", "w3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie order = %v, want %v", got, want)
		}
	}
}

func TestScore_RatingIsClamped(t *testing.T) {
	now := time.Now()
	candidates := []location.Nearby{{WorkerID: "w", DistanceKm: 1}}
	md := map[types.ID]location.WorkerMetadata{"w": available("w", 0, 9, time.Time{})}

	got := Score(now, defaultWeights, Subject{}, candidates, md)
	if got[0].NRating != 1 {
		t.Fatalf("NRating = %v, want 1", got[0].NRating)
	}
}

// ---------------------------------------------------------------------------
// Engine.Rank with an in-memory metadata source
// ---------------------------------------------------------------------------

type mockMetadataSource struct {
	md    map[types.ID]location.WorkerMetadata
	err   error
	calls int
}

func (m *mockMetadataSource) Metadata(_ context.Context, ids []types.ID) (map[types.ID]location.WorkerMetadata, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[types.ID]location.WorkerMetadata, len(ids))
	for _, id := range ids {
		if md, ok := m.md[id]; ok {
			out[id] = md
		}
	}
	return out, nil
}

func TestRank_EmptyInputSkipsFetch(t *testing.T) {
	src := &mockMetadataSource{}
	eng, err := NewEngine(src, defaultWeights)
	if err != nil {
		t.Fatal(err)
	}
	got, err := eng.Rank(context.Background(), Subject{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", got)
	}
	if src.calls != 0 {
		t.Fatalf("metadata fetched %d times for empty input", src.calls)
	}
}

func TestRank_FetchFailureIsReturned(t *testing.T) {
	src := &mockMetadataSource{err: apperr.Infra("worker metadata", errors.New("i/o timeout"))}
	eng, err := NewEngine(src, defaultWeights)
	if err != nil {
		t.Fatal(err)
	}
	got, err := eng.Rank(context.Background(), Subject{}, []location.Nearby{{WorkerID: "w1", DistanceKm: 1}})
	if !errors.Is(err, apperr.ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result on failure, got %v", got)
	}
}

func TestRank_UsesFetchedMetadata(t *testing.T) {
	now := time.Now()
	src := &mockMetadataSource{md: map[types.ID]location.WorkerMetadata{
		"d1": available("d1", 5, 5.0, now.Add(-60*time.Second)),
		"d2": available("d2", 0, 5.0, now.Add(-3600*time.Second)),
	}}
	eng, err := NewEngine(src, defaultWeights)
	if err != nil {
		t.Fatal(err)
	}
	eng.now = func() time.Time { return now }

	got, err := eng.Rank(context.Background(), Subject{Refused: []types.ID{"d2"}}, []location.Nearby{
		{WorkerID: "d1", DistanceKm: 1},
		{WorkerID: "d2", DistanceKm: 5},
		{WorkerID: "ghost", DistanceKm: 0.1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].WorkerID != "d1" {
		t.Fatalf("expected [d1], got %v", ids(got))
	}
}

func TestNewEngine_RejectsBadWeights(t *testing.T) {
	if _, err := NewEngine(&mockMetadataSource{}, config.Weights{Distance: 0.5, Idle: 0.5, Balance: 0.5}); err == nil {
		t.Fatal("expected weight validation error")
	}
}
