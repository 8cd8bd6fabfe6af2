package app

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
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/relay"
)

// HealthServer exposes GET /health and GET /status. It only runs when
// KOTOBA_HEALTH_ADDR is set.
type HealthServer struct {
	addr      string
	stats     statsProvider
	botID     func() string
	startedAt time.Time
	router    chi.Router
	server    *http.Server
}

// statsProvider is satisfied by *relay.Relay.
type statsProvider interface {
	Stats() relay.Stats
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string      `json:"status"`
	Version    string      `json:"version"`
	Commit     string      `json:"commit"`
	BuildTime  string      `json:"build_time"`
	StartedAt  time.Time   `json:"started_at"`
	UptimeSecs float64     `json:"uptime_seconds"`
	BotUserID  string      `json:"bot_user_id"`
	Relay      relay.Stats `json:"relay"`
}

// NewHealthServer builds the router; Start opens the listener.
func NewHealthServer(addr string, stats statsProvider, botID func() string) *HealthServer {
	h := &HealthServer{
		addr:      addr,
		stats:     stats,
		botID:     botID,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	h.router = r
	return h
}

// ServeHTTP lets tests drive the router without a listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background. It returns once the
// port is open.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	if h.botID != nil {
		resp.BotUserID = h.botID()
	}
	if h.stats != nil {
		resp.Relay = h.stats.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
