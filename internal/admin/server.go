// Package admin serves the local HTTP admin endpoint: health, status, the
// plugin table, manual reload and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kestrel-bot/kestrel/internal/gateway"
	"github.com/kestrel-bot/kestrel/internal/ipc"
	"github.com/kestrel-bot/kestrel/internal/plugin"
)

const (
	reloadTimeout   = 2 * time.Minute
	shutdownTimeout = 5 * time.Second
)

// Server is the admin HTTP server.
type Server struct {
	provider ipc.StateProvider
	logger   *slog.Logger
	mux      *chi.Mux
	reloads  *rate.Limiter
	http     *http.Server
}

// NewServer builds the routes. gatherer backs /metrics; nil uses the default
// registry.
func NewServer(provider ipc.StateProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "admin"),
		reloads:  rate.NewLimiter(rate.Every(time.Second), 3),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(s.requestLogger)

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)
	mux.Get("/status", s.handleStatus)
	mux.Get("/plugins", s.handlePlugins)
	mux.Post("/plugins/reload", s.handleReload)
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.mux = mux
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is canceled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("admin server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.provider.Status()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": st.Uptime,
	})
}

// handleReadyz reports ready only while the gateway session is Ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := s.provider.Status()
	if st.Gateway.State != gateway.StateReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"gateway": string(st.Gateway.State),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Plugins())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.reloads.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many reload requests")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()

	res, err := s.provider.Reload(ctx)
	switch {
	case errors.Is(err, plugin.ErrLoadInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("manual reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
