// Package api exposes backtest runs over HTTP: submitting a run with inline
// inputs, listing runs, and reading a run's transactions and daily
// positions. Progress is pushed to WebSocket clients as days commit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/driver"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/runner"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/tracker"
)

// Service handles run operations. Runs execute synchronously inside the
// request and are serialized by a mutex (single-instance).
type Service struct {
	store  store.Store
	runner *runner.Runner
	wsHub  *WSHub // optional WebSocket hub for progress broadcasts
	log    *slog.Logger
	mu     sync.Mutex
}

// NewService creates a new run service. Pass nil for hub if WebSocket
// broadcasting is not needed. Extra runner options (for example a Kafka
// publisher factory) are appended after the hub's.
func NewService(st store.Store, hub *WSHub, log *slog.Logger, opts ...runner.Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	ropts := []runner.Option{runner.WithLogger(log)}
	if hub != nil {
		ropts = append(ropts, runner.WithObserver(func(_ context.Context, runID string) tracker.Observer {
			return hub.Observer(runID)
		}))
	}
	ropts = append(ropts, opts...)
	return &Service{
		store:  st,
		runner: runner.New(st, ropts...),
		wsHub:  hub,
		log:    log,
	}
}

// Routes registers the run endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/runs", s.ListRuns)
	r.Post("/runs", s.CreateRun)
	r.Get("/runs/{runID}", s.GetRun)
	r.Get("/runs/{runID}/transactions", s.GetTransactions)
	r.Get("/runs/{runID}/positions", s.GetPositions)
}

// --- Request/Response types ---

// RunRequest is the JSON body for POST /runs. Inputs are inline; config
// fields left out keep their defaults.
type RunRequest struct {
	Name    string                      `json:"name"`
	Config  config.FileConfig           `json:"config"`
	Prices  []model.PriceRecord         `json:"prices"`
	Events  []model.ExtendedStatusEvent `json:"events"`
	Mergers []model.MergerRecord        `json:"mergers"`
	Signals []driver.Signal             `json:"signals"`
	Mode    string                      `json:"mode"` // "weight" (default) or "shares"
	End     string                      `json:"end"`  // YYYY-MM-DD, optional
}

// RunResponse is returned from POST /runs.
type RunResponse struct {
	Run   *model.Run             `json:"run"`
	Stats tracker.Stats          `json:"stats"`
	Final []model.PositionDetail `json:"final_positions"`
}

func (req RunRequest) inputs() (runner.Inputs, error) {
	cfg, err := config.Resolve(req.Config)
	if err != nil {
		return runner.Inputs{}, err
	}
	mode, err := driver.ParseMode(req.Mode)
	if err != nil {
		return runner.Inputs{}, err
	}
	in := runner.Inputs{
		Name:    req.Name,
		Config:  cfg,
		Prices:  make(map[string][]model.PriceRecord),
		Events:  req.Events,
		Mergers: req.Mergers,
		Signals: req.Signals,
		Mode:    mode,
	}
	for _, p := range req.Prices {
		in.Prices[p.Instrument] = append(in.Prices[p.Instrument], p)
	}
	if req.End != "" {
		if in.End, err = model.ParseDate(req.End); err != nil {
			return runner.Inputs{}, err
		}
	}
	return in, nil
}

// --- HTTP Handlers ---

// CreateRun handles POST /api/v1/runs.
// A run that aborts on a fatal data error is still created and reported
// with status FAILED.
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := req.inputs()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Serialize run execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	out, err := s.runner.Run(r.Context(), in)
	if errors.Is(err, runner.ErrInvalidInput) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if out.Run == nil {
		s.log.Error("run not recorded", "err", err)
		writeError(w, "failed to record run", http.StatusInternalServerError)
		return
	}

	s.log.Info("run completed",
		"run_id", out.Run.ID,
		"name", out.Run.Name,
		"status", string(out.Run.Status),
		"days", out.Run.Days,
		"trades", out.Run.Trades,
		"elapsed", time.Since(start).String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:   "run_finished",
			RunID:  out.Run.ID,
			Status: string(out.Run.Status),
			Equity: out.Run.FinalEquity.StringFixed(2),
			Error:  out.Run.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(RunResponse{Run: out.Run, Stats: out.Stats, Final: out.Result.Final})
}

// ListRuns handles GET /api/v1/runs
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}

	// Optional filter by status query parameter.
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Run{}
		for _, run := range runs {
			if string(run.Status) == status {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}

	writeJSON(w, runs)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, run)
}

// GetTransactions handles GET /api/v1/runs/{runID}/transactions
// Returns the run's transaction log, optionally filtered by ?instrument=.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.store.GetTransactions(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if txns == nil {
		txns = []model.TransactionRecord{}
	}
	if id := r.URL.Query().Get("instrument"); id != "" {
		filtered := []model.TransactionRecord{}
		for _, t := range txns {
			if t.Instrument == id {
				filtered = append(filtered, t)
			}
		}
		txns = filtered
	}
	writeJSON(w, txns)
}

// GetPositions handles GET /api/v1/runs/{runID}/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	days, err := s.store.GetDailyPositions(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if days == nil {
		days = []model.DailyPosition{}
	}
	writeJSON(w, days)
}

func (s *Service) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	s.log.Error("store read failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
