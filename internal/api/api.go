// Package api exposes the HTTP control surface: GET/POST /config,
// GET /status, GET /traffic, GET /healthz, and GET /metrics (spec §4.5).
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatewayd/internal/accountant"
	"gatewayd/internal/api/apierr"
	"gatewayd/internal/dispatcher"
	"gatewayd/internal/model"
	"gatewayd/internal/reconcile"
)

// ConfigStore owns the single accepted model.DesiredState handle and
// drives reconciliation (implemented by the supervisor, which guards the
// handle with a reader/writer lock).
type ConfigStore interface {
	Current() model.DesiredState
	Apply(ctx context.Context, desired model.DesiredState) reconcile.Result
	Last() reconcile.Result
}

// TrafficStore serves the traffic query API.
type TrafficStore interface {
	Since(ctx context.Context, since int64) ([]accountant.NetworkTraffic, error)
}

// DispatcherStats reports the SNI dispatcher's live statistics for
// GET /status.
type DispatcherStats interface {
	Stats() dispatcher.Stats
}

// Server is the HTTP control plane. It never mutates kernel state
// directly — every handler defers to ConfigStore, TrafficStore, or
// DispatcherStats.
type Server struct {
	token   string
	config  ConfigStore
	traffic TrafficStore
	stats   DispatcherStats
	log     *slog.Logger
	mux     *http.ServeMux
}

// New builds the HTTP handler tree. token is the single shared auth
// token (spec §4.5 "single shared token compared in constant time").
func New(token string, config ConfigStore, traffic TrafficStore, stats DispatcherStats) *Server {
	s := &Server{
		token:   token,
		config:  config,
		traffic: traffic,
		stats:   stats,
		log:     slog.With("component", "api"),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/config", s.auth(s.handleConfig))
	s.mux.HandleFunc("/status", s.auth(s.handleStatus))
	s.mux.HandleFunc("/traffic", s.auth(s.handleTraffic))

	return s
}

// ListenAndServe starts the HTTP server on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// auth wraps a handler with constant-time token comparison (spec §4.5
// "missing/mismatched -> 401").
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			apierr.WriteStatus(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next(w, r)
	}
}

var errUnauthorized = errString("missing or invalid token")

type errString string

func (e errString) Error() string { return string(e) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.config.Current()); err != nil {
			s.log.Error("encode config response failed", "err", err)
		}
	case http.MethodPost:
		s.handlePostConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePostConfig validates and, on acceptance, applies the posted
// desired state and returns the reconcile outcome (spec §4.5: "Returns
// 200 after the reconcile attempt has completed").
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var desired model.DesiredState
	if err := json.NewDecoder(r.Body).Decode(&desired); err != nil {
		apierr.WriteStatus(w, http.StatusBadRequest, err)
		return
	}
	if err := model.Validate(desired); err != nil {
		apierr.Write(w, err)
		return
	}

	result := s.config.Apply(r.Context(), desired)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Error("encode apply result failed", "err", err)
	}
}

// statusResponse merges the reconciler's last result with the
// dispatcher's live stats (spec §4.5 "per-port health entries plus
// dispatcher statistics").
type statusResponse struct {
	reconcile.Result
	Dispatcher dispatcher.Stats `json:"dispatcher"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Result: s.config.Last()}
	if s.stats != nil {
		resp.Dispatcher = s.stats.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode status response failed", "err", err)
	}
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			apierr.WriteStatus(w, http.StatusBadRequest, err)
			return
		}
		since = parsed
	}

	rows, err := s.traffic.Since(r.Context(), since)
	if err != nil {
		apierr.WriteStatus(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.log.Error("encode traffic response failed", "err", err)
	}
}
