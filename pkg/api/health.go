package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HealthServer serves the operational HTTP endpoints
type HealthServer struct {
	http   *http.Server
	router chi.Router
	logger zerolog.Logger
}

// StatsResponse is the body of the /stats endpoint
type StatsResponse struct {
	Tracked   int       `json:"tracked"`
	Failing   int       `json:"failing"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHealthServer creates the router. stats may be nil, in which case
// /stats is not served.
func NewHealthServer(addr string, stats metrics.StatsSource) *HealthServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if stats != nil {
		r.Get("/stats", statsHandler(stats))
	}

	return &HealthServer{
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		router: r,
		logger: log.WithComponent("api"),
	}
}

func statsHandler(stats metrics.StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(StatsResponse{
			Tracked:   stats.TrackedCount(),
			Failing:   stats.FailingCount(),
			Timestamp: time.Now(),
		})
	}
}

// Start serves until Stop is called. A graceful stop returns nil.
func (hs *HealthServer) Start() error {
	hs.logger.Info().Str("addr", hs.http.Addr).Msg("HTTP server listening")
	if err := hs.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down within the context deadline
func (hs *HealthServer) Stop(ctx context.Context) error {
	return hs.http.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.router
}
