package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seclens/inferd/pkg/metrics"
	"github.com/seclens/inferd/pkg/video"
	"github.com/seclens/inferd/pkg/worker"
)

// Server is the observability HTTP endpoint: liveness and metrics
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	metrics    *metrics.Metrics

	statuses  func() []worker.Status
	gateStats func() video.GateStats
}

// healthResponse is the /healthz body
type healthResponse struct {
	Service string          `json:"service"`
	Status  string          `json:"status"`
	Cameras []worker.Status `json:"cameras"`
	Gate    gateSummary     `json:"gate"`
}

type gateSummary struct {
	Pending  int   `json:"pending"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
}

// NewServer creates the observability server
func NewServer(m *metrics.Metrics, statuses func() []worker.Status, gateStats func() video.GateStats, logger *slog.Logger) *Server {
	return &Server{
		logger:    logger,
		metrics:   m,
		statuses:  statuses,
		gateStats: gateStats,
	}
}

// Start starts the HTTP server and verifies the bind succeeded
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.withLogging(mux),
		// Add timeouts to prevent resource exhaustion
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	// Give the server a moment to start and check for immediate errors
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		// Server started successfully
		return nil
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz reports service identity and per-camera health
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Service: "inferd",
		Status:  "ok",
	}
	if s.statuses != nil {
		resp.Cameras = s.statuses()
	}
	if s.gateStats != nil {
		gs := s.gateStats()
		resp.Gate = gateSummary{
			Pending:  gs.Pending,
			Executed: gs.Executed,
			Failed:   gs.Failed,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode health response", "error", err)
	}
}

// withLogging logs each request at debug level
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
