// README: Request handlers for requesters and workers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"convoy/internal/http/middleware"
	"convoy/internal/infra"
	"convoy/internal/modules/dispatch"
	"convoy/internal/modules/request"
	"convoy/internal/types"
)

type RequestLedger interface {
	Create(ctx context.Context, cmd request.CreateCommand) (*request.Request, bool, error)
	ActiveFor(ctx context.Context, requesterID types.ID) (*request.Request, error)
	Get(ctx context.Context, id types.ID) (*request.Request, error)
}

type Dispatcher interface {
	Accept(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error)
	Refuse(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error)
	Arrive(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error)
	Start(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error)
	Complete(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error)
	Cancel(ctx context.Context, requestID types.ID, caller dispatch.Caller) (*request.Request, error)
}

type RequestHandler struct {
	ledger   RequestLedger
	dispatch Dispatcher
}

func NewRequestHandler(ledger RequestLedger, d Dispatcher) *RequestHandler {
	return &RequestHandler{ledger: ledger, dispatch: d}
}

type createRequestReq struct {
	PickupLat *float64 `json:"pickupLat"`
	PickupLng *float64 `json:"pickupLng"`
	Quantity  int      `json:"quantity"`
	ProductID *string  `json:"productId"`
}

// Create answers 201 for a new request and 200 with the live one when the
// requester already has one.
func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PickupLat == nil || req.PickupLng == nil {
		writeError(c, http.StatusBadRequest, "pickupLat and pickupLng are required")
		return
	}
	caller := middleware.Caller(c)
	r, created, err := h.ledger.Create(c.Request.Context(), request.CreateCommand{
		RequesterID: types.ID(caller.UID),
		Snapshot: request.Snapshot{
			UserID: types.ID(caller.UID),
			Name:   caller.Name,
			Email:  caller.Email,
			Role:   caller.Role,
		},
		Pickup:    types.Point{Lat: *req.PickupLat, Lng: *req.PickupLng},
		Quantity:  req.Quantity,
		ProductID: req.ProductID,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(c, status, r)
}

func (h *RequestHandler) Active(c *gin.Context) {
	r, err := h.ledger.ActiveFor(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// Get hides other requesters' requests; workers may read any request they
// could be offered.
func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if middleware.CallerRole(c) != infra.RoleWorker && r.RequesterID != types.ID(middleware.CallerUID(c)) {
		writeError(c, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type workerCommand func(ctx context.Context, requestID, callerUID types.ID) (*request.Request, error)

func (h *RequestHandler) run(c *gin.Context, cmd workerCommand) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := cmd(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RequestHandler) Accept(c *gin.Context)   { h.run(c, h.dispatch.Accept) }
func (h *RequestHandler) Refuse(c *gin.Context)   { h.run(c, h.dispatch.Refuse) }
func (h *RequestHandler) Arrive(c *gin.Context)   { h.run(c, h.dispatch.Arrive) }
func (h *RequestHandler) Start(c *gin.Context)    { h.run(c, h.dispatch.Start) }
func (h *RequestHandler) Complete(c *gin.Context) { h.run(c, h.dispatch.Complete) }

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.dispatch.Cancel(c.Request.Context(), id, dispatch.Caller{
		UID:  types.ID(middleware.CallerUID(c)),
		Role: middleware.CallerRole(c),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
