// README: Liveness and dependency health.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports 503 when a dependency check fails.
func Health(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				_ = c.Error(err)
				writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
	}
}
