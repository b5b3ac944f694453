// README: Worker metadata and position types kept in the fast store.
package location

import (
	"time"

	"convoy/internal/types"
)

type WorkerStatus string

const (
	StatusAvailable WorkerStatus = "AVAILABLE"
	StatusBusy      WorkerStatus = "BUSY"
	StatusOffline   WorkerStatus = "OFFLINE"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// WorkerMetadata mirrors the workerMetadata:{id} hash. Rating and DailyJobCount
// are owned by the rating/job-count subsystem and are only read here.
type WorkerMetadata struct {
	WorkerID      types.ID
	Status        WorkerStatus
	Position      types.Point
	LastSeen      time.Time
	LastJobAt     time.Time
	DailyJobCount int
	Rating        float64
}

type PositionUpdate struct {
	WorkerID   types.ID
	Position   types.Point
	ObservedAt time.Time
}

type Outcome string

const (
	Accepted Outcome = "accepted"
	Stale    Outcome = "stale"
)

// Nearby is one GEO search hit.
type Nearby struct {
	WorkerID   types.ID
	DistanceKm float64
}
