package source

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/driver"
	"github.com/atmx/backtest-engine/internal/model"
)

// ReadEvents parses corporate events: date, instrument, kind, and for code
// changes the optional new_instrument and ratio.
func ReadEvents(r io.Reader) ([]model.ExtendedStatusEvent, error) {
	cr, err := newReader(r)
	if err != nil {
		return nil, err
	}
	date, err := cr.head.required("date", "trade_date")
	if err != nil {
		return nil, err
	}
	id, err := cr.head.required("instrument", "code")
	if err != nil {
		return nil, err
	}
	kind, err := cr.head.required("kind", "ext_status", "event")
	if err != nil {
		return nil, err
	}
	newID := cr.head.optional("new_instrument", "new_code")
	ratio := cr.head.optional("ratio")

	var out []model.ExtendedStatusEvent
	for {
		rw, err := cr.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		e := model.ExtendedStatusEvent{
			Date:          rw.date(date),
			Instrument:    rw.str(id),
			NewInstrument: rw.str(newID),
			Ratio:         rw.decimal(ratio, decimal.Zero),
		}
		k, kerr := model.ParseEventKind(rw.str(kind))
		if kerr != nil {
			rw.fail(kind, kerr)
		}
		e.Kind = k
		if e.Instrument == "" {
			rw.fail(id, fmt.Errorf("empty instrument"))
		}
		if rw.err != nil {
			return nil, rw.err
		}
		out = append(out, e)
	}
}

// ReadMergers parses the merger table: old_instrument, change_date,
// new_instrument, ratio.
func ReadMergers(r io.Reader) ([]model.MergerRecord, error) {
	cr, err := newReader(r)
	if err != nil {
		return nil, err
	}
	oldID, err := cr.head.required("old_instrument", "old_code")
	if err != nil {
		return nil, err
	}
	date, err := cr.head.required("change_date", "date")
	if err != nil {
		return nil, err
	}
	newID, err := cr.head.required("new_instrument", "new_code")
	if err != nil {
		return nil, err
	}
	ratio, err := cr.head.required("ratio")
	if err != nil {
		return nil, err
	}

	var out []model.MergerRecord
	for {
		rw, err := cr.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		m := model.MergerRecord{
			OldInstrument: rw.str(oldID),
			ChangeDate:    rw.date(date),
			NewInstrument: rw.str(newID),
			Ratio:         rw.decimal(ratio, decimal.Zero),
		}
		if m.OldInstrument == "" || m.NewInstrument == "" {
			rw.fail(oldID, fmt.Errorf("empty instrument"))
		}
		if !m.Ratio.IsPositive() {
			rw.fail(ratio, fmt.Errorf("ratio must be positive, got %s", m.Ratio))
		}
		if rw.err != nil {
			return nil, rw.err
		}
		out = append(out, m)
	}
}

// ReadSignals parses strategy input rows: date, instrument, value. The
// value column may also be called weight or shares.
func ReadSignals(r io.Reader) ([]driver.Signal, error) {
	cr, err := newReader(r)
	if err != nil {
		return nil, err
	}
	date, err := cr.head.required("date", "trade_date")
	if err != nil {
		return nil, err
	}
	id, err := cr.head.required("instrument", "code")
	if err != nil {
		return nil, err
	}
	value, err := cr.head.required("value", "weight", "shares")
	if err != nil {
		return nil, err
	}

	var out []driver.Signal
	for {
		rw, err := cr.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		s := driver.Signal{
			Date:       rw.date(date),
			Instrument: rw.str(id),
			Value:      rw.decimal(value, decimal.Zero),
		}
		if rw.err != nil {
			return nil, rw.err
		}
		out = append(out, s)
	}
}

// LoadEvents reads a corporate event CSV file.
func LoadEvents(path string) ([]model.ExtendedStatusEvent, error) {
	return load(path, ReadEvents)
}

// LoadMergers reads a merger table CSV file.
func LoadMergers(path string) ([]model.MergerRecord, error) {
	return load(path, ReadMergers)
}

// LoadSignals reads a strategy signal CSV file.
func LoadSignals(path string) ([]driver.Signal, error) {
	return load(path, ReadSignals)
}

func load[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
