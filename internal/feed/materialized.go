package feed

import (
	"sort"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// Materialized builds the sorted date list and the full date → BarSet
// mapping once, when iteration starts. Streams are validated as they are
// added.
type Materialized struct {
	streams map[string][]model.PriceRecord
	dates   []time.Time
	bars    map[time.Time]model.BarSet
	cursor  int
	built   bool
	maxDate time.Time
	capped  bool
}

// NewMaterialized creates an empty materialized feed.
func NewMaterialized() *Materialized {
	return &Materialized{streams: make(map[string][]model.PriceRecord)}
}

// AddStream validates and registers records for instrument.
func (m *Materialized) AddStream(instrument string, records []model.PriceRecord) error {
	if m.built {
		return ErrStarted
	}
	if _, ok := m.streams[instrument]; ok {
		return ErrDuplicateStream
	}
	checked := make([]model.PriceRecord, 0, len(records))
	var prev time.Time
	for i, raw := range records {
		rec, err := checkRecord(instrument, raw, prev, i > 0)
		if err != nil {
			return err
		}
		checked = append(checked, rec)
		prev = rec.TradeDate
	}
	m.streams[instrument] = checked
	return nil
}

func (m *Materialized) build() {
	if m.built {
		return
	}
	m.built = true
	m.bars = make(map[time.Time]model.BarSet)
	for _, records := range m.streams {
		for _, rec := range records {
			if m.capped && rec.TradeDate.After(m.maxDate) {
				break
			}
			bs, ok := m.bars[rec.TradeDate]
			if !ok {
				bs = model.NewBarSet(rec.TradeDate)
				m.bars[rec.TradeDate] = bs
			}
			bs.Records[rec.Instrument] = rec
		}
	}
	m.dates = make([]time.Time, 0, len(m.bars))
	for date := range m.bars {
		m.dates = append(m.dates, date)
	}
	sort.Slice(m.dates, func(i, j int) bool { return m.dates[i].Before(m.dates[j]) })
	// Inputs are owned by the index now.
	m.streams = nil
}

// PeekNextDate returns the date of the next BarSet.
func (m *Materialized) PeekNextDate() (time.Time, bool) {
	m.build()
	if m.cursor >= len(m.dates) {
		return time.Time{}, false
	}
	return m.dates[m.cursor], true
}

// Advance emits the next BarSet.
func (m *Materialized) Advance() (model.BarSet, error) {
	m.build()
	if m.cursor >= len(m.dates) {
		return model.BarSet{}, ErrExhausted
	}
	bs := m.bars[m.dates[m.cursor]]
	m.cursor++
	return bs, nil
}

// Truncate drops every date after maxDate.
func (m *Materialized) Truncate(maxDate time.Time) {
	maxDate = model.Day(maxDate)
	m.maxDate, m.capped = maxDate, true
	if !m.built {
		return
	}
	keep := sort.Search(len(m.dates), func(i int) bool { return m.dates[i].After(maxDate) })
	for _, date := range m.dates[keep:] {
		delete(m.bars, date)
	}
	m.dates = m.dates[:keep]
	if m.cursor > keep {
		m.cursor = keep
	}
}

// Restart rewinds the cursor to the first date.
func (m *Materialized) Restart() error {
	m.build()
	m.cursor = 0
	return nil
}

// Dates returns every date in the feed. Calling it starts iteration.
func (m *Materialized) Dates() []time.Time {
	m.build()
	out := make([]time.Time, len(m.dates))
	copy(out, m.dates)
	return out
}
