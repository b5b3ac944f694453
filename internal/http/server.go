// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"convoy/internal/http/handlers"
	"convoy/internal/http/middleware"
	"convoy/internal/infra"
)

type RouterDeps struct {
	Verifier infra.TokenVerifier
	Requests handlers.RequestLedger
	Dispatch handlers.Dispatcher
	Tracker  handlers.Tracker
	Workers  handlers.WorkerResolver
	Hub      handlers.SocketHub
	Metrics  http.Handler
	Health   func(ctx context.Context) error
	Log      zerolog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", handlers.Health(deps.Health))
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := r.Group("/api", middleware.Auth(deps.Verifier))
	worker := middleware.RequireRole(infra.RoleWorker)
	requester := middleware.RequireRole(infra.RoleRequester)

	requests := handlers.NewRequestHandler(deps.Requests, deps.Dispatch)
	api.POST("/requests", requester, requests.Create)
	api.GET("/requests/active", requester, requests.Active)
	api.GET("/requests/:id", requests.Get)
	api.POST("/requests/:id/accept", worker, requests.Accept)
	api.POST("/requests/:id/refuse", worker, requests.Refuse)
	api.POST("/requests/:id/arrived", worker, requests.Arrive)
	api.POST("/requests/:id/start", worker, requests.Start)
	api.POST("/requests/:id/complete", worker, requests.Complete)
	api.POST("/requests/:id/cancel", requests.Cancel)

	workers := handlers.NewWorkerHandler(deps.Tracker, deps.Workers)
	api.PUT("/workers/me/location", worker, workers.UpdateLocation)
	api.PUT("/workers/me/availability", worker, workers.SetAvailability)

	if deps.Hub != nil {
		sockets := handlers.NewSocketHandler(deps.Hub, deps.Workers)
		r.GET("/ws", middleware.Auth(deps.Verifier), sockets.Connect)
	}
	return r
}

// Serve runs the server until ctx ends, then drains for up to grace. Request
// contexts derive from ctx so live sockets close on shutdown.
func Serve(ctx context.Context, addr string, h http.Handler, grace time.Duration, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
