package source

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// priceColumns resolves the daily-bar layout. instrument, trade_date and
// the OHLC columns are required; everything else defaults.
type priceColumns struct {
	instrument, date, open, high, low, close      column
	volume, amount, adj, suspended, limit         column
	amountMA, ext, name, st, listDate, delistDate column
}

func resolvePriceColumns(h header) (priceColumns, error) {
	var (
		pc  priceColumns
		err error
	)
	for _, req := range []struct {
		dst   *column
		names []string
	}{
		{&pc.instrument, []string{"instrument", "code", "sec_code"}},
		{&pc.date, []string{"trade_date", "date"}},
		{&pc.open, []string{"open"}},
		{&pc.high, []string{"high"}},
		{&pc.low, []string{"low"}},
		{&pc.close, []string{"close"}},
	} {
		if *req.dst, err = h.required(req.names...); err != nil {
			return pc, err
		}
	}
	pc.volume = h.optional("volume", "vol")
	pc.amount = h.optional("amount")
	pc.adj = h.optional("adj_factor", "adjfactor")
	pc.suspended = h.optional("suspended", "suspend_flag")
	pc.limit = h.optional("max_up_down", "limit")
	pc.amountMA = h.optional("amount_ma")
	pc.ext = h.optional("ext_status")
	pc.name = h.optional("sec_name", "name")
	pc.st = h.optional("st_flag", "st")
	pc.listDate = h.optional("list_date")
	pc.delistDate = h.optional("delist_date")
	return pc, nil
}

func (pc priceColumns) parse(r *row) (model.PriceRecord, error) {
	rec := model.PriceRecord{
		Instrument: r.str(pc.instrument),
		TradeDate:  r.date(pc.date),
		Open:       r.decimal(pc.open, decimal.Zero),
		High:       r.decimal(pc.high, decimal.Zero),
		Low:        r.decimal(pc.low, decimal.Zero),
		Close:      r.decimal(pc.close, decimal.Zero),
		Volume:     r.int(pc.volume),
		Amount:     r.decimal(pc.amount, decimal.Zero),
		AdjFactor:  r.decimal(pc.adj, one),
		Suspended:  r.bool(pc.suspended),
		AmountMA:   r.decimal(pc.amountMA, decimal.Zero),
		SecName:    r.str(pc.name),
		ST:         r.bool(pc.st),
		ListDate:   r.date(pc.listDate),
		DelistDate: r.date(pc.delistDate),
	}
	if rec.Instrument == "" {
		r.fail(pc.instrument, fmt.Errorf("empty instrument"))
	}
	if rec.TradeDate.IsZero() {
		r.fail(pc.date, fmt.Errorf("empty date"))
	}
	if lim := r.int(pc.limit); lim != 0 {
		flag, err := model.ParseLimitFlag(int(lim))
		if err != nil {
			r.fail(pc.limit, err)
		}
		rec.Limit = flag
	}
	if s := r.str(pc.ext); s != "" {
		ext, err := model.ParseExtStatus(s)
		if err != nil {
			r.fail(pc.ext, err)
		}
		rec.ExtStatus = ext
	}
	return rec, r.err
}

// ReadPrices parses a daily-bar CSV holding any number of instruments and
// groups the records by instrument in file order. Ordering and bar validity
// are left to the feed.
func ReadPrices(r io.Reader) (map[string][]model.PriceRecord, error) {
	cr, err := newReader(r)
	if err != nil {
		return nil, err
	}
	cols, err := resolvePriceColumns(cr.head)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.PriceRecord)
	for {
		rw, err := cr.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := cols.parse(rw)
		if err != nil {
			return nil, err
		}
		out[rec.Instrument] = append(out[rec.Instrument], rec)
	}
}

// LoadPrices reads a daily-bar CSV file.
func LoadPrices(path string) (map[string][]model.PriceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadPrices(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// AddStreams registers every instrument's records with f in instrument
// order.
func AddStreams(f feed.Feed, byInstrument map[string][]model.PriceRecord) error {
	ids := make([]string, 0, len(byInstrument))
	for id := range byInstrument {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := f.AddStream(id, byInstrument[id]); err != nil {
			return err
		}
	}
	return nil
}

// FileSource streams one instrument's daily bars from a CSV file, reading a
// row at a time. It implements feed.RecordSource.
type FileSource struct {
	path string
	file *os.File
	rd   *reader
	cols priceColumns
}

// OpenFile opens a single-instrument CSV for lazy reading.
func OpenFile(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Next returns the next record, or false at end of file.
func (s *FileSource) Next() (model.PriceRecord, bool, error) {
	rw, err := s.rd.next()
	if err == io.EOF {
		return model.PriceRecord{}, false, nil
	}
	if err != nil {
		return model.PriceRecord{}, false, fmt.Errorf("%s: %w", s.path, err)
	}
	rec, err := s.cols.parse(rw)
	if err != nil {
		return model.PriceRecord{}, false, fmt.Errorf("%s: %w", s.path, err)
	}
	return rec, true, nil
}

// Reset reopens the file at its first row.
func (s *FileSource) Reset() error {
	if s.file != nil {
		s.file.Close()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	rd, err := newReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	cols, err := resolvePriceColumns(rd.head)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.file, s.rd, s.cols = f, rd, cols
	return nil
}

// Close releases the file.
func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
