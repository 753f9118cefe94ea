package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and by the CLI. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*model.Run
	txns  map[string][]model.TransactionRecord
	days  map[string][]model.DailyPosition
	clock func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*model.Run),
		txns:  make(map[string][]model.TransactionRecord),
		days:  make(map[string][]model.DailyPosition),
		clock: time.Now,
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *r
	if cp.Status == "" {
		cp.Status = model.RunRunning
	}
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id string, sum model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	applySummary(r, sum, s.clock())
	return nil
}

func (s *MemoryStore) InsertTransactions(_ context.Context, runID string, txns []model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s.txns[runID] = append(s.txns[runID], txns...)
	return nil
}

func (s *MemoryStore) GetTransactions(_ context.Context, runID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]model.TransactionRecord, len(s.txns[runID]))
	copy(out, s.txns[runID])
	return out, nil
}

func (s *MemoryStore) InsertDailyPositions(_ context.Context, runID string, days []model.DailyPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s.days[runID] = append(s.days[runID], days...)
	return nil
}

func (s *MemoryStore) GetDailyPositions(_ context.Context, runID string) ([]model.DailyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]model.DailyPosition, len(s.days[runID]))
	copy(out, s.days[runID])
	return out, nil
}

// applySummary copies a run outcome onto its header.
func applySummary(r *model.Run, sum model.RunSummary, at time.Time) {
	r.Status = sum.Status
	r.FinishedAt = &at
	r.Start = sum.Start
	r.End = sum.End
	r.FinalEquity = sum.FinalEquity
	r.TotalReturn = sum.TotalReturn
	r.MaxDrawdown = sum.MaxDrawdown
	r.Sharpe = sum.Sharpe
	r.Days = sum.Days
	r.Trades = sum.Trades
	r.Error = sum.Error
}
