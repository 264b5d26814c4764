package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Cycles    int64     `json:"cycles"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	Uptime    string    `json:"uptime"`
}

// Server serves /metrics and /healthz for operators.
type Server struct {
	server     *http.Server
	listener   net.Listener
	collector  *Collector
	logger     *logger.Logger
	staleAfter time.Duration
	started    time.Time
	now        func() time.Time
}

// NewServer creates a server on addr. /healthz reports unhealthy once no
// cycle completed for staleAfter; zero disables that check.
func NewServer(addr string, collector *Collector, staleAfter time.Duration, log *logger.Logger) *Server {
	s := &Server{
		collector:  collector,
		logger:     log.WithComponent("metrics"),
		staleAfter: staleAfter,
		now:        time.Now,
		server: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	s.started = s.now()
	s.server.Handler = s.routes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()

	s.logger.InfoCtx(ctx, "metrics server started", "address", ln.Addr().String())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	s.logger.Debug("metrics server shut down")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.healthHandler())
	return Chain(Recovery(s.logger), Logging(s.logger))(mux)
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := s.now()
		last, cycles := s.collector.LastCycle()

		resp := HealthResponse{
			Status:    "ok",
			Cycles:    cycles,
			LastCycle: last,
			Uptime:    now.Sub(s.started).Truncate(time.Second).String(),
		}
		code := http.StatusOK
		if s.staleAfter > 0 {
			reference := last
			if reference.IsZero() {
				reference = s.started
			}
			if now.Sub(reference) > s.staleAfter {
				resp.Status = "stale"
				code = http.StatusServiceUnavailable
			}
		}

		if err := writeJSON(w, code, resp); err != nil {
			s.logger.WarnCtx(r.Context(), "failed to encode health response", "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}
