package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/tracker"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func day(n int) time.Time {
	return time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func newRun(t *testing.T, st Store, id string, created time.Time) {
	t.Helper()
	err := st.CreateRun(context.Background(), &model.Run{
		ID:          id,
		Name:        "rebalance",
		CreatedAt:   created,
		InitialCash: d(1000000),
	})
	if err != nil {
		t.Fatalf("create run %s: %v", id, err)
	}
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	newRun(t, st, "r1", day(0))

	if err := st.CreateRun(ctx, &model.Run{ID: "r1"}); err == nil {
		t.Fatal("expected duplicate run error")
	}

	r, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != model.RunRunning {
		t.Errorf("status = %s, want RUNNING", r.Status)
	}
	if r.FinishedAt != nil {
		t.Error("running run should have no finish time")
	}

	err = st.FinishRun(ctx, "r1", model.RunSummary{
		Status:      model.RunFinished,
		Start:       day(0),
		End:         day(4),
		FinalEquity: d(1010000),
		TotalReturn: d(0.01),
		Days:        5,
		Trades:      3,
	})
	if err != nil {
		t.Fatal(err)
	}
	r, _ = st.GetRun(ctx, "r1")
	if r.Status != model.RunFinished || r.FinishedAt == nil {
		t.Errorf("run not finished: %+v", r)
	}
	if !r.FinalEquity.Equal(d(1010000)) || r.Days != 5 || r.Trades != 3 {
		t.Errorf("summary not applied: %+v", r)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	if _, err := st.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun: got %v, want ErrNotFound", err)
	}
	if err := st.FinishRun(ctx, "missing", model.RunSummary{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun: got %v, want ErrNotFound", err)
	}
	if err := st.InsertTransactions(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("InsertTransactions: got %v, want ErrNotFound", err)
	}
	if _, err := st.GetDailyPositions(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDailyPositions: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	st := NewMemoryStore()
	newRun(t, st, "old", day(0))
	newRun(t, st, "new", day(2))
	newRun(t, st, "mid", day(1))

	runs, err := st.ListRuns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	if len(runs) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(runs))
	}
	for i, id := range want {
		if runs[i].ID != id {
			t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, id)
		}
	}
}

func TestMemoryStore_OutputsAreCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	newRun(t, st, "r1", day(0))

	txns := []model.TransactionRecord{
		{ID: "t1", Date: day(0), Instrument: "600000.SH", Direction: model.DirBuy, Volume: 100},
		{ID: "t2", Date: day(1), Instrument: "600000.SH", Direction: model.DirSell, Volume: 100},
	}
	if err := st.InsertTransactions(ctx, "r1", txns); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetTransactions(ctx, "r1")
	got[0].Volume = 999

	again, _ := st.GetTransactions(ctx, "r1")
	if again[0].Volume != 100 {
		t.Error("stored transactions were mutated through a returned slice")
	}
	if again[1].ID != "t2" {
		t.Errorf("order not preserved: %+v", again)
	}
}

func TestRecorder_PersistsEachDay(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	newRun(t, st, "r1", day(0))
	rec := NewRecorder(ctx, st, "r1")

	snaps := []tracker.Snapshot{
		{
			Date:         day(0),
			Position:     model.DailyPosition{Date: day(0), Equity: d(1000000), Cash: d(1000000)},
			Transactions: []model.TransactionRecord{{ID: "t1", Date: day(0), Direction: model.DirBuy}},
		},
		{
			Date:     day(1),
			Position: model.DailyPosition{Date: day(1), Equity: d(1001000), Cash: d(0)},
		},
	}
	for _, s := range snaps {
		if err := rec.Observe(s); err != nil {
			t.Fatal(err)
		}
	}

	days, _ := st.GetDailyPositions(ctx, "r1")
	if len(days) != 2 || !days[1].Equity.Equal(d(1001000)) {
		t.Errorf("daily positions = %+v", days)
	}
	txns, _ := st.GetTransactions(ctx, "r1")
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txns))
	}
}

func TestRecorder_UnknownRunFails(t *testing.T) {
	rec := NewRecorder(context.Background(), NewMemoryStore(), "missing")
	err := rec.Observe(tracker.Snapshot{Date: day(0)})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSummarize(t *testing.T) {
	st := tracker.Stats{Days: 3, EndEquity: d(900), TotalReturn: d(-0.1), Trades: 2}

	ok := Summarize(st, nil)
	if ok.Status != model.RunFinished || ok.Error != "" {
		t.Errorf("unexpected summary: %+v", ok)
	}

	failed := Summarize(st, errors.New("driver: 2024-03-05 (corporate): boom"))
	if failed.Status != model.RunFailed || failed.Error == "" {
		t.Errorf("unexpected summary: %+v", failed)
	}
	if failed.Days != 3 {
		t.Errorf("committed days lost on failure: %d", failed.Days)
	}
}

// fakeCache is a map-backed Cache that counts reads served from memory.
type fakeCache struct {
	data map[string][]byte
	hits int
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (c *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := c.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	c.hits++
	return redis.NewStringResult(string(v), nil)
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		c.data[key] = v
	case string:
		c.data[key] = []byte(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := c.data[k]; ok {
			delete(c.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	cache := newFakeCache()
	st := NewCachedStore(primary, cache, time.Minute)
	newRun(t, st, "r1", day(0))

	first := []model.DailyPosition{{Date: day(0), Equity: d(1000000)}}
	if err := st.InsertDailyPositions(ctx, "r1", first); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishRun(ctx, "r1", model.RunSummary{Status: model.RunFinished, Days: 1}); err != nil {
		t.Fatal(err)
	}

	// Miss populates, second read hits.
	if _, err := st.GetDailyPositions(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	before := cache.hits
	got, err := st.GetDailyPositions(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.data[positionsKey("r1")]; !ok || cache.hits <= before {
		t.Errorf("settled positions should be served from cache, hits %d -> %d", before, cache.hits)
	}
	if len(got) != 1 || !got[0].Equity.Equal(d(1000000)) {
		t.Errorf("cached positions = %+v", got)
	}

	// A write invalidates.
	if err := st.InsertDailyPositions(ctx, "r1", []model.DailyPosition{{Date: day(1), Equity: d(1000500)}}); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetDailyPositions(ctx, "r1")
	if len(got) != 2 {
		t.Errorf("stale cache: %d positions, want 2", len(got))
	}
}

func TestCachedStore_RunningRunNotCached(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	st := NewCachedStore(NewMemoryStore(), cache, time.Minute)
	newRun(t, st, "r1", day(0))

	if _, err := st.GetRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.data[runKey("r1")]; ok {
		t.Error("running run should not be cached")
	}

	if err := st.FinishRun(ctx, "r1", model.RunSummary{Status: model.RunFinished, Days: 2}); err != nil {
		t.Fatal(err)
	}
	r, _ := st.GetRun(ctx, "r1")
	if r.Status != model.RunFinished {
		t.Errorf("status = %s", r.Status)
	}
	if _, ok := cache.data[runKey("r1")]; !ok {
		t.Error("finished run should be cached")
	}
	r, _ = st.GetRun(ctx, "r1")
	if r.Days != 2 || cache.hits != 1 {
		t.Errorf("cached read: days=%d hits=%d", r.Days, cache.hits)
	}
}

func TestCachedStore_RunningLogsNotCached(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	st := NewCachedStore(NewMemoryStore(), cache, time.Minute)
	newRun(t, st, "r1", day(0))

	if err := st.InsertTransactions(ctx, "r1", []model.TransactionRecord{{Date: day(0), Instrument: "600000.SH"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertDailyPositions(ctx, "r1", []model.DailyPosition{{Date: day(0), Equity: d(1000000)}}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetTransactions(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetDailyPositions(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if len(cache.data) != 0 {
		t.Errorf("partial logs of a running run were cached: %d keys", len(cache.data))
	}

	if err := st.FinishRun(ctx, "r1", model.RunSummary{Status: model.RunFinished, Days: 1}); err != nil {
		t.Fatal(err)
	}
	txns, err := st.GetTransactions(ctx, "r1")
	if err != nil || len(txns) != 1 {
		t.Fatalf("transactions = %d, %v", len(txns), err)
	}
	if _, ok := cache.data[transactionsKey("r1")]; !ok {
		t.Error("finished run's transactions should be cached")
	}
}

func TestCachedStore_NotFoundPassesThrough(t *testing.T) {
	st := NewCachedStore(NewMemoryStore(), newFakeCache(), time.Minute)
	if _, err := st.GetTransactions(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
