// README: Matching engine ranks nearby workers on a weighted composite score.
package matching

import (
	"context"
	"sort"
	"time"

	"convoy/internal/config"
	"convoy/internal/modules/location"
	"convoy/internal/types"
)

// MetadataSource batch-loads worker metadata. location.Service satisfies it.
type MetadataSource interface {
	Metadata(ctx context.Context, ids []types.ID) (map[types.ID]location.WorkerMetadata, error)
}

type Engine struct {
	source  MetadataSource
	weights config.Weights
	now     func() time.Time
}

func NewEngine(source MetadataSource, weights config.Weights) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Engine{source: source, weights: weights, now: time.Now}, nil
}

// Rank fetches metadata for candidates and returns the eligible ones sorted by
// descending score. A metadata fetch failure is returned as is.
func (e *Engine) Rank(ctx context.Context, subject Subject, candidates []location.Nearby) ([]ScoredCandidate, error) {
	if len(candidates) == 0 {
		return []ScoredCandidate{}, nil
	}
	ids := make([]types.ID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.WorkerID
	}
	md, err := e.source.Metadata(ctx, ids)
	if err != nil {
		return nil, err
	}
	return Score(e.now(), e.weights, subject, candidates, md), nil
}

// Score is the pure ranking step. Workers without metadata, not AVAILABLE, or
// refused for this request are dropped. Each normalizing denominator is the
// observed maximum but never below 1. Equal scores order by worker id.
func Score(now time.Time, w config.Weights, subject Subject, candidates []location.Nearby, md map[types.ID]location.WorkerMetadata) []ScoredCandidate {
	refused := make(map[types.ID]struct{}, len(subject.Refused))
	for _, id := range subject.Refused {
		refused[id] = struct{}{}
	}

	out := make([]ScoredCandidate, 0, len(candidates))
	seen := make(map[types.ID]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.WorkerID]; dup {
			continue
		}
		seen[c.WorkerID] = struct{}{}
		m, ok := md[c.WorkerID]
		if !ok || m.Status != location.StatusAvailable {
			continue
		}
		if _, no := refused[c.WorkerID]; no {
			continue
		}
		idle := 0.0
		if !m.LastJobAt.IsZero() {
			idle = now.Sub(m.LastJobAt).Seconds()
			if idle < 0 {
				idle = 0
			}
		}
		out = append(out, ScoredCandidate{
			WorkerID:   c.WorkerID,
			DistanceKm: c.DistanceKm,
			IdleSec:    idle,
			DailyJobs:  m.DailyJobCount,
			Rating:     clamp(m.Rating, 0, maxRating),
		})
	}
	if len(out) == 0 {
		return out
	}

	maxDist, maxIdle, maxJobs := 1.0, 1.0, 1.0
	for _, c := range out {
		maxDist = max(maxDist, c.DistanceKm)
		maxIdle = max(maxIdle, c.IdleSec)
		maxJobs = max(maxJobs, float64(c.DailyJobs))
	}

	for i := range out {
		c := &out[i]
		c.NDistance = 1 - c.DistanceKm/maxDist
		c.NIdle = c.IdleSec / maxIdle
		c.NBalance = 1 - float64(c.DailyJobs)/maxJobs
		c.NRating = c.Rating / maxRating
		c.Score = w.Distance*c.NDistance + w.Idle*c.NIdle + w.Balance*c.NBalance + w.Rating*c.NRating
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
