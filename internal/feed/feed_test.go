package feed

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/backtest-engine/internal/model"
)

var base = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func bar(id string, offset int, px float64) model.PriceRecord {
	p := decimal.NewFromFloat(px)
	return model.PriceRecord{
		Instrument: id,
		TradeDate:  base.AddDate(0, 0, offset),
		Open:       p, High: p, Low: p, Close: p,
	}
}

func bars(id string, offsets ...int) []model.PriceRecord {
	out := make([]model.PriceRecord, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, bar(id, o, 10))
	}
	return out
}

// feeds returns one fresh instance of every implementation.
func feeds() map[string]Feed {
	return map[string]Feed{
		"materialized": NewMaterialized(),
		"lazy":         NewLazy(),
	}
}

func drain(t *testing.T, f Feed) []model.BarSet {
	t.Helper()
	var out []model.BarSet
	for {
		bs, err := f.Advance()
		if errors.Is(err, ErrExhausted) {
			return out
		}
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		out = append(out, bs)
	}
}

func TestFeed_MergesStreams(t *testing.T) {
	for name, f := range feeds() {
		t.Run(name, func(t *testing.T) {
			if err := f.AddStream("600000.SH", bars("600000.SH", 0, 1, 3)); err != nil {
				t.Fatal(err)
			}
			if err := f.AddStream("000001.SZ", bars("000001.SZ", 1, 2)); err != nil {
				t.Fatal(err)
			}
			next, ok := f.PeekNextDate()
			if !ok || !next.Equal(base) {
				t.Fatalf("peek: got %v %v", next, ok)
			}
			got := drain(t, f)
			wantLens := []int{1, 2, 1, 1}
			if len(got) != len(wantLens) {
				t.Fatalf("expected %d bar sets, got %d", len(wantLens), len(got))
			}
			for i, bs := range got {
				if bs.Len() != wantLens[i] {
					t.Errorf("day %d: expected %d records, got %d", i, wantLens[i], bs.Len())
				}
			}
			if _, ok := got[1].Get("000001.SZ"); !ok {
				t.Error("day 1 should contain 000001.SZ")
			}
			if _, ok := f.PeekNextDate(); ok {
				t.Error("peek should report exhaustion")
			}
		})
	}
}

func TestFeed_AddAfterStart(t *testing.T) {
	for name, f := range feeds() {
		t.Run(name, func(t *testing.T) {
			_ = f.AddStream("600000.SH", bars("600000.SH", 0))
			if _, err := f.Advance(); err != nil {
				t.Fatal(err)
			}
			if err := f.AddStream("000001.SZ", bars("000001.SZ", 1)); !errors.Is(err, ErrStarted) {
				t.Errorf("expected ErrStarted, got %v", err)
			}
		})
	}
}

func TestFeed_DuplicateBar(t *testing.T) {
	for name, f := range feeds() {
		t.Run(name, func(t *testing.T) {
			err := f.AddStream("600000.SH", bars("600000.SH", 0, 1, 1))
			if err == nil {
				_, err = f.Advance()
				if err == nil {
					_, err = f.Advance()
				}
			}
			var dup *DuplicateBarError
			if !errors.As(err, &dup) {
				t.Fatalf("expected DuplicateBarError, got %v", err)
			}
			if dup.Instrument != "600000.SH" || !dup.Date.Equal(base.AddDate(0, 0, 1)) {
				t.Errorf("unexpected error payload: %+v", dup)
			}
		})
	}
}

func TestFeed_RejectsBadRecords(t *testing.T) {
	bad := bar("600000.SH", 0, 10)
	bad.High = decimal.NewFromInt(9)

	tests := []struct {
		name    string
		records []model.PriceRecord
		check   func(error) bool
	}{
		{"invalid bar", []model.PriceRecord{bad}, func(err error) bool { return errors.Is(err, model.ErrInvalidBar) }},
		{"out of order", bars("600000.SH", 2, 1), func(err error) bool {
			var ooo *OutOfOrderError
			return errors.As(err, &ooo)
		}},
		{"wrong instrument", bars("000001.SZ", 0), func(err error) bool { return errors.Is(err, ErrInstrumentMismatch) }},
	}
	for _, tt := range tests {
		for name, f := range feeds() {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				err := f.AddStream("600000.SH", tt.records)
				for err == nil {
					_, err = f.Advance()
				}
				if !tt.check(err) {
					t.Errorf("unexpected error %v", err)
				}
			})
		}
	}
}

func TestFeed_TruncateAndRestart(t *testing.T) {
	for name, f := range feeds() {
		t.Run(name, func(t *testing.T) {
			_ = f.AddStream("600000.SH", bars("600000.SH", 0, 1, 2, 3, 4))
			if _, err := f.Advance(); err != nil {
				t.Fatal(err)
			}
			f.Truncate(base.AddDate(0, 0, 2))
			rest := drain(t, f)
			if len(rest) != 2 {
				t.Fatalf("expected 2 remaining days, got %d", len(rest))
			}
			if err := f.Restart(); err != nil {
				t.Fatal(err)
			}
			all := drain(t, f)
			if len(all) != 3 {
				t.Fatalf("expected 3 days after restart, got %d", len(all))
			}
			if !all[0].Date.Equal(base) {
				t.Errorf("restart should rewind to the first date, got %v", all[0].Date)
			}
		})
	}
}

func TestMaterialized_Dates(t *testing.T) {
	f := NewMaterialized()
	_ = f.AddStream("600000.SH", bars("600000.SH", 0, 5))
	_ = f.AddStream("000001.SZ", bars("000001.SZ", 3))
	dates := f.Dates()
	if len(dates) != 3 || !dates[1].Equal(base.AddDate(0, 0, 3)) {
		t.Errorf("unexpected dates %v", dates)
	}
}

func TestLazy_DatesTracksEmitted(t *testing.T) {
	f := NewLazy()
	_ = f.AddStream("600000.SH", bars("600000.SH", 0, 5))
	if len(f.Dates()) != 0 {
		t.Error("no dates emitted yet")
	}
	drain(t, f)
	if len(f.Dates()) != 2 {
		t.Errorf("expected 2 emitted dates, got %v", f.Dates())
	}
}

// TestProperty_FeedOrdering checks that dates are strictly increasing, every
// record appears in exactly one BarSet, and both feeds agree.
func TestProperty_FeedOrdering(t *testing.T) {
	ids := []string{"600000.SH", "000001.SZ", "300750.SZ", "688981.SH", "510300.SH"}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, len(ids)).Draw(t, "streams")
		m, l := NewMaterialized(), NewLazy()
		total := 0
		for _, id := range ids[:n] {
			offsets := rapid.SliceOfDistinct(rapid.IntRange(0, 40), rapid.ID[int]).Draw(t, id)
			sort.Ints(offsets)
			records := bars(id, offsets...)
			total += len(records)
			if err := m.AddStream(id, records); err != nil {
				t.Fatalf("materialized AddStream: %v", err)
			}
			if err := l.AddStream(id, records); err != nil {
				t.Fatalf("lazy AddStream: %v", err)
			}
		}

		seen := 0
		var prev time.Time
		for i := 0; ; i++ {
			mb, merr := m.Advance()
			lb, lerr := l.Advance()
			if errors.Is(merr, ErrExhausted) || errors.Is(lerr, ErrExhausted) {
				if !errors.Is(merr, ErrExhausted) || !errors.Is(lerr, ErrExhausted) {
					t.Fatalf("feeds ended at different points: %v / %v", merr, lerr)
				}
				break
			}
			if merr != nil || lerr != nil {
				t.Fatalf("advance: %v / %v", merr, lerr)
			}
			if i > 0 && !mb.Date.After(prev) {
				t.Fatalf("dates not strictly increasing: %v after %v", mb.Date, prev)
			}
			if !mb.Date.Equal(lb.Date) || mb.Len() != lb.Len() {
				t.Fatalf("feeds disagree on day %d", i)
			}
			for id, rec := range mb.Records {
				if !rec.TradeDate.Equal(mb.Date) {
					t.Fatalf("record %s dated %v in bar set %v", id, rec.TradeDate, mb.Date)
				}
				if _, ok := lb.Get(id); !ok {
					t.Fatalf("lazy feed missing %s on %v", id, mb.Date)
				}
			}
			seen += mb.Len()
			prev = mb.Date
		}
		if seen != total {
			t.Fatalf("expected %d records, saw %d", total, seen)
		}
	})
}
