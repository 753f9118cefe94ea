// Package corporate applies extended-status corporate events (delisting,
// merger code change, fund-to-cash) to the ledger before the strategy runs.
package corporate

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var ErrUnknownEvent = errors.New("corporate: unknown event kind")

// UnresolvedMergerError is returned when a code change is due for a held
// instrument that has no merger record.
type UnresolvedMergerError struct {
	Date       time.Time
	Instrument string
	Quantity   int64
}

func (e *UnresolvedMergerError) Error() string {
	return fmt.Sprintf("corporate: %s code change on %s has no merger record (holding %d)",
		e.Instrument, model.DateString(e.Date), e.Quantity)
}

// MissingBarError is returned when the instrument a holding converts into
// has no bar on the conversion day.
type MissingBarError struct {
	Date          time.Time
	Instrument    string
	NewInstrument string
}

func (e *MissingBarError) Error() string {
	return fmt.Sprintf("corporate: %s converts into %s which has no bar on %s",
		e.Instrument, e.NewInstrument, model.DateString(e.Date))
}

// Ledger is the part of the broker the handler mutates.
type Ledger interface {
	Shares(id string) int64
	LastRecord(id string) (model.PriceRecord, bool)
	CleanPosition(id, note string) error
	TransformShares(oldID, newID string, ratio, newPrice decimal.Decimal) (int64, error)
	TransformToCash(id string, price decimal.Decimal) error
}

// Handler holds the date-ordered event queue and the merger lookup.
type Handler struct {
	events  []model.ExtendedStatusEvent
	mergers map[string]model.MergerRecord
	next    int
	log     *slog.Logger
	// derived is non-nil when events are read off the dummy tags of each
	// day's bars; it holds the (instrument, kind) pairs already queued.
	derived map[derivedKey]bool
}

type derivedKey struct {
	id   string
	kind model.EventKind
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithDerivedEvents makes the handler queue an event for the first
// dummy-tagged bar of each instrument and kind it is shown. It serves feeds
// that cannot be scanned ahead of the run.
func WithDerivedEvents() Option {
	return func(h *Handler) { h.derived = make(map[derivedKey]bool) }
}

// NewHandler sorts events by date, keeping input order within a date.
// A code-change event that names its own target and ratio serves as the
// merger record when mergers has none for that instrument.
func NewHandler(events []model.ExtendedStatusEvent, mergers []model.MergerRecord, opts ...Option) *Handler {
	h := &Handler{
		events:  make([]model.ExtendedStatusEvent, len(events)),
		mergers: make(map[string]model.MergerRecord, len(mergers)),
		log:     slog.Default(),
	}
	for i, e := range events {
		e.Date = model.Day(e.Date)
		h.events[i] = e
	}
	sort.SliceStable(h.events, func(i, j int) bool { return h.events[i].Date.Before(h.events[j].Date) })
	for _, m := range mergers {
		h.mergers[m.OldInstrument] = m
	}
	for _, e := range h.events {
		if e.Kind != model.EventCodeChange || e.NewInstrument == "" || !e.Ratio.IsPositive() {
			continue
		}
		if _, ok := h.mergers[e.Instrument]; !ok {
			h.mergers[e.Instrument] = model.MergerRecord{
				OldInstrument: e.Instrument,
				ChangeDate:    e.Date,
				NewInstrument: e.NewInstrument,
				Ratio:         e.Ratio,
			}
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Pending returns the number of events not yet applied.
func (h *Handler) Pending() int { return len(h.events) - h.next }

// Apply pops and applies every event dated on or before date. Each event is
// applied exactly once and only touches its own instrument (and, for a code
// change, the instrument it converts into). Returns the events applied.
func (h *Handler) Apply(date time.Time, bars model.BarSet, l Ledger) ([]model.ExtendedStatusEvent, error) {
	date = model.Day(date)
	if h.derived != nil {
		h.derive(bars)
	}
	var applied []model.ExtendedStatusEvent
	for h.next < len(h.events) && !h.events[h.next].Date.After(date) {
		e := h.events[h.next]
		if err := h.apply(date, e, bars, l); err != nil {
			return applied, err
		}
		h.next++
		applied = append(applied, e)
	}
	return applied, nil
}

func (h *Handler) apply(date time.Time, e model.ExtendedStatusEvent, bars model.BarSet, l Ledger) error {
	held := l.Shares(e.Instrument)
	switch e.Kind {
	case model.EventDelist:
		return l.CleanPosition(e.Instrument, "delisted")

	case model.EventCodeChange:
		m, ok := h.mergers[e.Instrument]
		if held == 0 {
			return nil
		}
		if !ok {
			return &UnresolvedMergerError{Date: date, Instrument: e.Instrument, Quantity: held}
		}
		target, ok := bars.Get(m.NewInstrument)
		if !ok || !target.Close.IsPositive() {
			return &MissingBarError{Date: date, Instrument: e.Instrument, NewInstrument: m.NewInstrument}
		}
		ratio := m.Ratio.Mul(h.adjustment(e.Instrument, bars, l))
		_, err := l.TransformShares(e.Instrument, m.NewInstrument, ratio, target.Price(model.PriceClose))
		return err

	case model.EventToCash:
		price := decimal.Zero
		if rec, ok := bars.Get(e.Instrument); ok && rec.Close.IsPositive() {
			price = rec.Close
		} else if rec, ok := l.LastRecord(e.Instrument); ok {
			price = rec.Close
		}
		return l.TransformToCash(e.Instrument, price)
	}
	return fmt.Errorf("%w: %d for %s", ErrUnknownEvent, e.Kind, e.Instrument)
}

// derive queues the events tagged on bars that were not seen before.
func (h *Handler) derive(bars model.BarSet) {
	recs := make([]model.PriceRecord, 0, bars.Len())
	for _, id := range bars.Instruments() {
		recs = append(recs, bars.Records[id])
	}
	added := false
	for _, e := range EventsFromRecords(recs) {
		k := derivedKey{e.Instrument, e.Kind}
		if h.derived[k] {
			continue
		}
		h.derived[k] = true
		h.events = append(h.events, e)
		added = true
	}
	if added {
		pending := h.events[h.next:]
		sort.SliceStable(pending, func(i, j int) bool { return pending[i].Date.Before(pending[j].Date) })
	}
}

// adjustment returns today's adjustment factor of id, falling back to the
// last one seen.
func (h *Handler) adjustment(id string, bars model.BarSet, l Ledger) decimal.Decimal {
	if rec, ok := bars.Get(id); ok {
		return rec.Adjustment()
	}
	if rec, ok := l.LastRecord(id); ok {
		return rec.Adjustment()
	}
	return decimal.NewFromInt(1)
}

var dummyKinds = map[model.ExtStatus]model.EventKind{
	model.ExtDummyDelist:     model.EventDelist,
	model.ExtDummyCodeChange: model.EventCodeChange,
	model.ExtDummyToCash:     model.EventToCash,
}

// EventsFromRecords derives the event queue from dummy ExtStatus tags in
// the price table: the first tagged record of each instrument and kind
// becomes an event on that record's date.
func EventsFromRecords(records []model.PriceRecord) []model.ExtendedStatusEvent {
	first := make(map[derivedKey]int)
	var out []model.ExtendedStatusEvent
	for _, r := range records {
		kind, ok := dummyKinds[r.ExtStatus]
		if !ok {
			continue
		}
		k := derivedKey{r.Instrument, kind}
		date := model.Day(r.TradeDate)
		if i, seen := first[k]; seen {
			if date.Before(out[i].Date) {
				out[i].Date = date
			}
			continue
		}
		first[k] = len(out)
		out = append(out, model.ExtendedStatusEvent{Date: date, Instrument: r.Instrument, Kind: kind})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}
