// README: Request aggregate and its status flow.
package request

import (
	"sort"
	"time"

	"convoy/internal/types"
)

type Status string

const (
	StatusSearching  Status = "SEARCHING"
	StatusDispatched Status = "DISPATCHED"
	StatusAccepted   Status = "ACCEPTED"
	StatusArrived    Status = "ARRIVED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// AllowedTransitions represents the request state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:  {StatusSearching, StatusDispatched, StatusAccepted, StatusCancelled, StatusExpired},
	StatusDispatched: {StatusSearching, StatusAccepted, StatusCancelled, StatusExpired},
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

// Snapshot is the requester identity captured at creation.
type Snapshot struct {
	UserID types.ID `json:"userId"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Role   string   `json:"role"`
}

// Offer is the pending proposal to one worker while DISPATCHED.
type Offer struct {
	WorkerID   types.ID  `json:"workerId"`
	Score      float64   `json:"score"`
	DistanceKm float64   `json:"distanceKm"`
	OfferedAt  time.Time `json:"offeredAt"`
}

// Request is the ephemeral form cached at requests:{id}.
type Request struct {
	ID                types.ID   `json:"id"`
	Status            Status     `json:"status"`
	RequesterID       types.ID   `json:"requesterId"`
	RequesterSnapshot Snapshot   `json:"requesterSnapshot"`
	PickupLat         float64    `json:"pickupLat"`
	PickupLng         float64    `json:"pickupLng"`
	Quantity          int        `json:"quantity"`
	ProductID         *string    `json:"productId,omitempty"`
	WorkerID          *types.ID  `json:"workerId,omitempty"`
	Offer             *Offer     `json:"offer,omitempty"`
	RefusedWorkers    []types.ID `json:"refusedWorkers"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func (r *Request) Pickup() types.Point {
	return types.Point{Lat: r.PickupLat, Lng: r.PickupLng}
}

func (r *Request) HasRefused(id types.ID) bool {
	i := sort.Search(len(r.RefusedWorkers), func(i int) bool { return r.RefusedWorkers[i] >= id })
	return i < len(r.RefusedWorkers) && r.RefusedWorkers[i] == id
}

// AddRefused inserts id keeping RefusedWorkers sorted and unique.
func (r *Request) AddRefused(id types.ID) {
	i := sort.Search(len(r.RefusedWorkers), func(i int) bool { return r.RefusedWorkers[i] >= id })
	if i < len(r.RefusedWorkers) && r.RefusedWorkers[i] == id {
		return
	}
	r.RefusedWorkers = append(r.RefusedWorkers, "")
	copy(r.RefusedWorkers[i+1:], r.RefusedWorkers[i:])
	r.RefusedWorkers[i] = id
}

// AssignedTo reports whether id is the accepted worker.
func (r *Request) AssignedTo(id types.ID) bool {
	return r.WorkerID != nil && *r.WorkerID == id
}

// normalize restores the sorted unique refusal list after decoding.
func (r *Request) normalize() {
	if len(r.RefusedWorkers) == 0 {
		r.RefusedWorkers = []types.ID{}
		return
	}
	sort.Slice(r.RefusedWorkers, func(i, j int) bool { return r.RefusedWorkers[i] < r.RefusedWorkers[j] })
	out := r.RefusedWorkers[:1]
	for _, id := range r.RefusedWorkers[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	r.RefusedWorkers = out
}

type CreateCommand struct {
	RequesterID types.ID
	Snapshot    Snapshot
	Pickup      types.Point
	Quantity    int
	ProductID   *string
}

// Record is the durable row in the requests table.
type Record struct {
	ID          types.ID
	Status      Status
	RequesterID types.ID
	WorkerID    *types.ID
	Volume      int
	PickupLat   float64
	PickupLng   float64
	ProductID   *string
	CreatedAt   time.Time
	FinalizedAt time.Time
}

func recordOf(r *Request, at time.Time) Record {
	return Record{
		ID:          r.ID,
		Status:      r.Status,
		RequesterID: r.RequesterID,
		WorkerID:    r.WorkerID,
		Volume:      r.Quantity,
		PickupLat:   r.PickupLat,
		PickupLng:   r.PickupLng,
		ProductID:   r.ProductID,
		CreatedAt:   r.CreatedAt,
		FinalizedAt: at,
	}
}

// Request rebuilds the snapshot available from the durable row alone.
func (rec *Record) Request() *Request {
	return &Request{
		ID:             rec.ID,
		Status:         rec.Status,
		RequesterID:    rec.RequesterID,
		PickupLat:      rec.PickupLat,
		PickupLng:      rec.PickupLng,
		Quantity:       rec.Volume,
		ProductID:      rec.ProductID,
		WorkerID:       rec.WorkerID,
		RefusedWorkers: []types.ID{},
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.FinalizedAt,
	}
}
