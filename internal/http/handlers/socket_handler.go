// README: Upgrades authenticated callers to a live socket on the realtime hub.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"convoy/internal/http/middleware"
	"convoy/internal/infra"
	"convoy/internal/types"
)

type SocketHub interface {
	Serve(ctx context.Context, conn *websocket.Conn, role string, id types.ID)
}

type SocketHandler struct {
	hub      SocketHub
	workers  WorkerResolver
	upgrader websocket.Upgrader
}

func NewSocketHandler(hub SocketHub, workers WorkerResolver) *SocketHandler {
	return &SocketHandler{
		hub:      hub,
		workers:  workers,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Connect keys worker sockets by worker id and requester sockets by uid.
func (h *SocketHandler) Connect(c *gin.Context) {
	role := middleware.CallerRole(c)
	subject := types.ID(middleware.CallerUID(c))
	if role == infra.RoleWorker {
		id, err := h.workers.Resolve(c.Request.Context(), subject)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		subject = id
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		_ = c.Error(err)
		return
	}
	h.hub.Serve(c.Request.Context(), conn, role, subject)
}
