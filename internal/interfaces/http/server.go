package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Server is the admin/observability surface: liveness, status, and
// Prometheus metrics. It carries none of the REST CRUD/auth endpoints
// spec.md declares out of scope.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the admin router and binds it to addr. statusFn
// produces the JSON body for GET /status on each request.
func NewServer(addr string, metrics *MetricsRegistry, statusFn func() interface{}) *Server {
	r := mux.NewRouter()
	r.Handle("/healthz", HealthzHandler()).Methods(http.MethodGet)
	r.Handle("/status", StatusHandler(statusFn)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start runs the admin server in the background. A failure after
// startup is logged; ListenAndServe's own shutdown error is not
// reported since Stop triggers it deliberately.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("admin http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin http server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the admin server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
