// README: Scored matching candidates and the inputs the ranker needs from a request.
package matching

import (
	"convoy/internal/types"
)

// Subject is what ranking needs to know about the request being matched.
type Subject struct {
	RequestID types.ID
	Pickup    types.Point
	Refused   []types.ID
}

// ScoredCandidate is one eligible worker with its weighted score and the
// normalized sub-scores that produced it.
type ScoredCandidate struct {
	WorkerID   types.ID
	DistanceKm float64
	IdleSec    float64
	DailyJobs  int
	Rating     float64

	NDistance float64
	NIdle     float64
	NBalance  float64
	NRating   float64
	Score     float64
}

const maxRating = 5.0
