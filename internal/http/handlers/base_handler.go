// README: Base handler utilities (JSON helpers, domain error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"convoy/internal/apperr"
	"convoy/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// WorkerResolver maps the authenticated user to a worker id.
type WorkerResolver interface {
	Resolve(ctx context.Context, userID types.ID) (types.ID, error)
}

// isValidID accepts uuid-shaped request ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps the error taxonomy to status codes. Infrastructure and
// unknown failures never expose their detail.
func writeDomainError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, apperr.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		writeError(c, http.StatusForbidden, "forbidden")
	case errors.Is(err, apperr.ErrBusy):
		c.Header("Retry-After", "1")
		writeError(c, http.StatusTooManyRequests, "busy, retry later")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid request id")
		return "", false
	}
	return types.ID(id), true
}
