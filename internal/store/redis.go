package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/model"
)

// Cache is the subset of the Redis client CachedStore uses. *redis.Client
// satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     Cache
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	return s.primary.CreateRun(ctx, r)
}

func (s *CachedStore) FinishRun(ctx context.Context, id string, sum model.RunSummary) error {
	if err := s.primary.FinishRun(ctx, id, sum); err != nil {
		return err
	}
	s.rdb.Del(ctx, runKey(id))
	return nil
}

func (s *CachedStore) InsertTransactions(ctx context.Context, runID string, txns []model.TransactionRecord) error {
	if err := s.primary.InsertTransactions(ctx, runID, txns); err != nil {
		return err
	}
	s.rdb.Del(ctx, transactionsKey(runID))
	return nil
}

func (s *CachedStore) InsertDailyPositions(ctx context.Context, runID string, days []model.DailyPosition) error {
	if err := s.primary.InsertDailyPositions(ctx, runID, days); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(runID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if s.cached(ctx, runKey(id), &r) {
		return &r, nil
	}
	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	// A running header changes on finish; only settled runs are cached.
	if run.Status != model.RunRunning {
		s.store(ctx, runKey(id), run)
	}
	return run, nil
}

func (s *CachedStore) GetTransactions(ctx context.Context, runID string) ([]model.TransactionRecord, error) {
	var txns []model.TransactionRecord
	if s.cached(ctx, transactionsKey(runID), &txns) {
		return txns, nil
	}
	settled := s.settled(ctx, runID)
	txns, err := s.primary.GetTransactions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if settled {
		s.store(ctx, transactionsKey(runID), txns)
	}
	return txns, nil
}

func (s *CachedStore) GetDailyPositions(ctx context.Context, runID string) ([]model.DailyPosition, error) {
	var days []model.DailyPosition
	if s.cached(ctx, positionsKey(runID), &days) {
		return days, nil
	}
	settled := s.settled(ctx, runID)
	days, err := s.primary.GetDailyPositions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if settled {
		s.store(ctx, positionsKey(runID), days)
	}
	return days, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	return s.primary.ListRuns(ctx)
}

// --- Cache helpers ---

// settled reports whether the run has finished, so its logs no longer grow.
// It is checked before the logs are read.
func (s *CachedStore) settled(ctx context.Context, runID string) bool {
	run, err := s.GetRun(ctx, runID)
	return err == nil && run.Status != model.RunRunning
}

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func runKey(id string) string          { return fmt.Sprintf("backtest:run:%s", id) }
func transactionsKey(id string) string { return fmt.Sprintf("backtest:transactions:%s", id) }
func positionsKey(id string) string    { return fmt.Sprintf("backtest:positions:%s", id) }
