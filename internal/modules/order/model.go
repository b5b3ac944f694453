// README: Order aggregate and status definitions mirrored from accepted requests.
package order

import (
	"time"

	"convoy/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusAccepted   Status = "accepted"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

type Order struct {
	ID            types.ID
	RequestID     types.ID
	RequesterID   types.ID
	WorkerID      types.ID
	Status        Status
	StatusVersion int
	Volume        int
	Pickup        types.Point
	ProductID     *string
	CreatedAt     time.Time
	ArrivedAt     *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
}

type Event struct {
	ID          int64
	OrderID     types.ID
	FromStatus  Status
	ToStatus    Status
	SourceEvent string
	CreatedAt   time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusAccepted:   {StatusArrived, StatusCancelled, StatusExpired},
	StatusArrived:    {StatusInProgress, StatusCancelled, StatusExpired},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusExpired},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	_, open := AllowedTransitions[s]
	return !open
}

// forward is the happy path; the sync consumer walks it one guarded step at a time.
var forward = []Status{StatusAccepted, StatusArrived, StatusInProgress, StatusCompleted}

func position(s Status) int {
	for i, f := range forward {
		if f == s {
			return i
		}
	}
	return -1
}
