// Package server exposes metrics, readiness and read-only status endpoints for the dashboard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/metrics"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store is the read surface served over HTTP.
type Store interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
	GetCheckpoint(ctx context.Context) (store.Checkpoint, error)
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]store.Account, error)
	ListReclaimOperations(ctx context.Context, limit int) ([]store.ReclaimOperation, error)
	ListPassiveReclaims(ctx context.Context, limit int) ([]store.PassiveReclaim, error)
}

type Config struct {
	Logger     *slog.Logger
	Store      Store
	ListenAddr string
	Version    string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, router: chi.NewRouter()}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/checkpoint", s.handleCheckpoint)
		r.Get("/accounts", s.handleAccounts)
		r.Get("/operations", s.handleOperations)
		r.Get("/passive", s.handlePassive)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		s.log.Info("server: stopped")
		return nil
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		s.log.Warn("server: readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(st))
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.cfg.Store.GetCheckpoint(r.Context())
	if err != nil {
		s.internalError(w, "checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, CheckpointResponse{
		LastSignature:   cp.LastSignature,
		LastSlot:        cp.LastSlot,
		TreasuryBalance: cp.TreasuryBalance,
		UpdatedAt:       timePtr(cp.UpdatedAt),
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := store.AccountFilter{Limit: limit}
	if v := q.Get("status"); v != "" {
		st := store.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
		f.Status = st
	}
	if v := q.Get("strategy"); v != "" {
		st := sol.ReclaimStrategy(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid strategy %q", v))
			return
		}
		f.Strategy = st
	}

	accounts, err := s.cfg.Store.ListAccounts(r.Context(), f)
	if err != nil {
		s.internalError(w, "accounts", err)
		return
	}
	out := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ops, err := s.cfg.Store.ListReclaimOperations(r.Context(), limit)
	if err != nil {
		s.internalError(w, "operations", err)
		return
	}
	out := make([]OperationResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperationResponse{
			ID:        op.ID,
			Address:   op.Address.String(),
			Amount:    op.Amount,
			Signature: op.Signature,
			Reason:    op.Reason,
			CreatedAt: op.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePassive(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.cfg.Store.ListPassiveReclaims(r.Context(), limit)
	if err != nil {
		s.internalError(w, "passive", err)
		return
	}
	out := make([]PassiveResponse, 0, len(records))
	for _, p := range records {
		out = append(out, PassiveResponse{
			ID:                 p.ID.String(),
			Amount:             p.Amount,
			AttributedAccounts: keyStrings(p.AttributedAccounts),
			Confidence:         string(p.Confidence),
			CreatedAt:          p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.log.Error("server: request failed", "resource", what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func keyStrings(keys []solana.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
