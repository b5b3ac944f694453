// README: Worker self-service handlers: position reports and availability.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"convoy/internal/http/middleware"
	"convoy/internal/modules/location"
	"convoy/internal/types"
)

type Tracker interface {
	UpdatePosition(ctx context.Context, u location.PositionUpdate) (location.Outcome, error)
	SetAvailability(ctx context.Context, id types.ID, status location.WorkerStatus) error
}

type WorkerHandler struct {
	tracker Tracker
	workers WorkerResolver
	now     func() time.Time
}

func NewWorkerHandler(tracker Tracker, workers WorkerResolver) *WorkerHandler {
	return &WorkerHandler{tracker: tracker, workers: workers, now: time.Now}
}

type locationReq struct {
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	ObservedAt *time.Time `json:"observedAt"`
}

func (h *WorkerHandler) me(c *gin.Context) (types.ID, bool) {
	id, err := h.workers.Resolve(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return "", false
	}
	return id, true
}

// UpdateLocation reports whether the position was newer than the stored one;
// a stale report is still a 200.
func (h *WorkerHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	id, ok := h.me(c)
	if !ok {
		return
	}
	observed := h.now().UTC()
	if req.ObservedAt != nil {
		observed = *req.ObservedAt
	}
	out, err := h.tracker.UpdatePosition(c.Request.Context(), location.PositionUpdate{
		WorkerID:   id,
		Position:   types.Point{Lat: *req.Lat, Lng: *req.Lng},
		ObservedAt: observed,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"accepted": out == location.Accepted})
}

type availabilityReq struct {
	Status location.WorkerStatus `json:"status"`
}

func (h *WorkerHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		writeError(c, http.StatusBadRequest, "status must be AVAILABLE, BUSY or OFFLINE")
		return
	}
	id, ok := h.me(c)
	if !ok {
		return
	}
	if err := h.tracker.SetAvailability(c.Request.Context(), id, req.Status); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"workerId": id, "status": req.Status})
}
