package feed

import (
	"container/heap"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// RecordSource yields one instrument's records in date order.
type RecordSource interface {
	Next() (model.PriceRecord, bool, error)
	Reset() error
}

type lazyStream struct {
	instrument string
	src        RecordSource
	prev       time.Time
	hasPrev    bool
}

type head struct {
	rec    model.PriceRecord
	stream *lazyStream
}

// headHeap orders buffered records by date, then instrument.
type headHeap []head

func (h headHeap) Len() int { return len(h) }
func (h headHeap) Less(i, j int) bool {
	if !h[i].rec.TradeDate.Equal(h[j].rec.TradeDate) {
		return h[i].rec.TradeDate.Before(h[j].rec.TradeDate)
	}
	return h[i].rec.Instrument < h[j].rec.Instrument
}
func (h headHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x any)   { *h = append(*h, x.(head)) }
func (h *headHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Lazy merges RecordSources on demand. Records are validated as they are
// read, so a data-integrity error surfaces from the Advance that reaches it.
type Lazy struct {
	streams []*lazyStream
	ids     map[string]bool
	heads   headHeap
	started bool
	err     error
	emitted []time.Time
	maxDate time.Time
	capped  bool
}

// NewLazy creates an empty lazy feed.
func NewLazy() *Lazy {
	return &Lazy{ids: make(map[string]bool)}
}

// AddStream registers an in-memory stream.
func (l *Lazy) AddStream(instrument string, records []model.PriceRecord) error {
	return l.AddSource(instrument, NewSliceSource(records))
}

// AddSource registers a RecordSource for instrument.
func (l *Lazy) AddSource(instrument string, src RecordSource) error {
	if l.started {
		return ErrStarted
	}
	if l.ids[instrument] {
		return ErrDuplicateStream
	}
	l.ids[instrument] = true
	l.streams = append(l.streams, &lazyStream{instrument: instrument, src: src})
	return nil
}

func (l *Lazy) start() {
	if l.started {
		return
	}
	l.started = true
	l.heads = make(headHeap, 0, len(l.streams))
	for _, s := range l.streams {
		if err := l.pull(s); err != nil {
			l.err = err
			return
		}
	}
	heap.Init(&l.heads)
}

// pull reads the next record of s onto the heap.
func (l *Lazy) pull(s *lazyStream) error {
	raw, ok, err := s.src.Next()
	if err != nil || !ok {
		return err
	}
	rec, err := checkRecord(s.instrument, raw, s.prev, s.hasPrev)
	if err != nil {
		return err
	}
	s.prev, s.hasPrev = rec.TradeDate, true
	if l.capped && rec.TradeDate.After(l.maxDate) {
		return nil
	}
	heap.Push(&l.heads, head{rec: rec, stream: s})
	return nil
}

// PeekNextDate returns the date of the next BarSet.
func (l *Lazy) PeekNextDate() (time.Time, bool) {
	l.start()
	if l.err != nil || len(l.heads) == 0 {
		return time.Time{}, false
	}
	return l.heads[0].rec.TradeDate, true
}

// Advance emits the next BarSet.
func (l *Lazy) Advance() (model.BarSet, error) {
	l.start()
	if l.err != nil {
		return model.BarSet{}, l.err
	}
	if len(l.heads) == 0 {
		return model.BarSet{}, ErrExhausted
	}
	date := l.heads[0].rec.TradeDate
	bs := model.NewBarSet(date)
	for len(l.heads) > 0 && l.heads[0].rec.TradeDate.Equal(date) {
		h := heap.Pop(&l.heads).(head)
		bs.Records[h.rec.Instrument] = h.rec
		if err := l.pull(h.stream); err != nil {
			l.err = err
			return model.BarSet{}, err
		}
	}
	l.emitted = append(l.emitted, date)
	return bs, nil
}

// Truncate drops every buffered record after maxDate and stops reading
// past it.
func (l *Lazy) Truncate(maxDate time.Time) {
	l.maxDate, l.capped = model.Day(maxDate), true
	kept := l.heads[:0]
	for _, h := range l.heads {
		if !h.rec.TradeDate.After(l.maxDate) {
			kept = append(kept, h)
		}
	}
	l.heads = kept
	heap.Init(&l.heads)
}

// Restart resets every source and rewinds to the first date.
func (l *Lazy) Restart() error {
	for _, s := range l.streams {
		if err := s.src.Reset(); err != nil {
			return err
		}
		s.prev, s.hasPrev = time.Time{}, false
	}
	l.started, l.err, l.emitted = false, nil, nil
	l.heads = nil
	return nil
}

// Dates returns the dates emitted since the last restart. A lazy feed does
// not know its future dates without reading ahead.
func (l *Lazy) Dates() []time.Time {
	out := make([]time.Time, len(l.emitted))
	copy(out, l.emitted)
	return out
}
