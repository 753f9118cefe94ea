// Package feed merges per-instrument daily record streams into a single
// date-ordered sequence of bar sets.
//
// Two implementations share one contract. Materialized indexes every record
// up front so that replaying the same range is a series of map lookups. Lazy
// pulls records from RecordSources on demand and keeps only one buffered
// record per stream. Given identical input both emit identical BarSets.
package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrExhausted is returned by Advance once every date has been emitted.
	ErrExhausted = errors.New("feed: exhausted")

	// ErrStarted is returned by AddStream after iteration began.
	ErrStarted = errors.New("feed: cannot add streams after iteration began")

	// ErrDuplicateStream is returned when an instrument is added twice.
	ErrDuplicateStream = errors.New("feed: stream already registered")

	// ErrInstrumentMismatch is returned when a record's instrument differs
	// from the stream it was supplied on.
	ErrInstrumentMismatch = errors.New("feed: record instrument does not match stream")
)

// DuplicateBarError reports two records for the same date in one stream.
type DuplicateBarError struct {
	Instrument string
	Date       time.Time
}

func (e *DuplicateBarError) Error() string {
	return fmt.Sprintf("feed: duplicate bar for %s on %s", e.Instrument, model.DateString(e.Date))
}

// OutOfOrderError reports a stream whose dates go backwards.
type OutOfOrderError struct {
	Instrument string
	Prev       time.Time
	Date       time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("feed: %s record for %s follows %s",
		e.Instrument, model.DateString(e.Date), model.DateString(e.Prev))
}

// Feed is the kernel's view of market data.
type Feed interface {
	// AddStream registers an instrument's records, sorted by date.
	AddStream(instrument string, records []model.PriceRecord) error
	// PeekNextDate returns the date Advance would emit next.
	PeekNextDate() (time.Time, bool)
	// Advance emits the next BarSet, or ErrExhausted.
	Advance() (model.BarSet, error)
	// Truncate drops every date after maxDate. Call only between days.
	Truncate(maxDate time.Time)
	// Restart rewinds to the first date without re-supplying data.
	Restart() error
	// Dates lists the dates known to the feed.
	Dates() []time.Time
}

// checkRecord normalizes rec for stream instrument and validates it against
// the previous record of the same stream.
func checkRecord(instrument string, rec model.PriceRecord, prev time.Time, hasPrev bool) (model.PriceRecord, error) {
	if rec.Instrument == "" {
		rec.Instrument = instrument
	}
	if rec.Instrument != instrument {
		return rec, fmt.Errorf("%w: stream %s got %s", ErrInstrumentMismatch, instrument, rec.Instrument)
	}
	rec.TradeDate = model.Day(rec.TradeDate)
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	if hasPrev {
		switch {
		case rec.TradeDate.Equal(prev):
			return rec, &DuplicateBarError{Instrument: instrument, Date: rec.TradeDate}
		case rec.TradeDate.Before(prev):
			return rec, &OutOfOrderError{Instrument: instrument, Prev: prev, Date: rec.TradeDate}
		}
	}
	return rec, nil
}

// SliceSource serves an in-memory record slice to a Lazy feed.
type SliceSource struct {
	records []model.PriceRecord
	pos     int
}

// NewSliceSource wraps records, which must already be sorted by date.
func NewSliceSource(records []model.PriceRecord) *SliceSource {
	return &SliceSource{records: records}
}

// Next returns the next record, or false at the end.
func (s *SliceSource) Next() (model.PriceRecord, bool, error) {
	if s.pos >= len(s.records) {
		return model.PriceRecord{}, false, nil
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, true, nil
}

// Reset rewinds to the first record.
func (s *SliceSource) Reset() error {
	s.pos = 0
	return nil
}
