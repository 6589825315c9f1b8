// Package dashboard serves a read-only JSON status surface. It never
// mutates trading state; every mutation path stays inside the cycles.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

const recentProposalWindow = 24 * time.Hour

type Server struct {
	router *chi.Mux
	http   *http.Server
	store  storage.Interface
	mode   string
	log    zerolog.Logger
}

func New(store storage.Interface, mode, listen string, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		mode:   mode,
		log:    log.With().Str("component", "dashboard").Logger(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/trades/open", s.handleOpenTrades)
		r.Get("/proposals/recent", s.handleRecentProposals)
		r.Get("/positions", s.handlePositions)
		r.Get("/summary/today", s.handleTodaySummary)
		r.Get("/sync", s.handleSyncStatus)
	})

	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("Dashboard listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// The published TRADING_MODE row reflects the run holding the
	// database, which may not be this process in a read-only deploy.
	mode := s.mode
	if stored, err := s.store.GetSetting(storage.KeyTradingMode); err == nil && stored != "" {
		mode = stored
	}
	if stored, err := s.store.GetSetting(storage.KeySystemMode); err == nil && stored != "" {
		mode = mode + "/" + stored
	}
	s.respond(w, map[string]any{
		"status": "ok",
		"mode":   mode,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByStatus(
		models.StatusOpen, models.StatusClosingPending,
		models.StatusEntryPending, models.StatusExitError)
	if err != nil {
		s.fail(w, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	s.respond(w, trades)
}

func (s *Server) handleRecentProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.store.GetRecentProposals(time.Now().Add(-recentProposalWindow), 100)
	if err != nil {
		s.fail(w, err)
		return
	}
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	s.respond(w, proposals)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.GetPositions()
	if err != nil {
		s.fail(w, err)
		return
	}
	if positions == nil {
		positions = []models.PortfolioPosition{}
	}
	s.respond(w, positions)
}

func (s *Server) handleTodaySummary(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC().Format("2006-01-02")
	sum, err := s.store.GetDailySummary(day)
	if errors.Is(err, storage.ErrNotFound) {
		s.respond(w, storage.DailySummary{Day: day})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, sum)
}

// handleSyncStatus reports freshness of each sync stream and cycle
// heartbeat.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	keys := map[string]string{
		"positions":      storage.KeyLastPositionsSync,
		"orders":         storage.KeyLastOrdersSync,
		"balances":       storage.KeyLastBalancesSync,
		"proposal_run":   storage.KeyLastProposalRun,
		"monitor_run":    storage.KeyLastMonitorRun,
		"orphan_cleanup": storage.KeyLastOrphanCleanupRun,
	}
	out := make(map[string]string, len(keys))
	for name, key := range keys {
		v, err := s.store.GetSetting(key)
		if err != nil {
			v = ""
		}
		out[name] = v
	}
	s.respond(w, out)
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Response encoding failed")
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("Dashboard query failed")
	http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
}
