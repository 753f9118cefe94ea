package driver

import (
	"time"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/order"
	"github.com/atmx/backtest-engine/internal/risk"
)

// intradayStops liquidates positions whose bar range crossed an intraday
// threshold, at the threshold price.
func (d *Driver) intradayStops(bars model.BarSet) error {
	if !d.stops.Enabled() {
		return nil
	}
	for _, pos := range d.ledger.Positions() {
		rec, ok := bars.Get(pos.Instrument)
		if !ok {
			continue
		}
		trig, ok := d.stops.CheckIntraday(pos, rec)
		if !ok {
			continue
		}
		if err := d.liquidate(pos, trig); err != nil {
			return err
		}
	}
	return nil
}

// closeStops sells leftovers of earlier stop liquidations, then evaluates
// the close-of-day thresholds once per instrument.
func (d *Driver) closeStops(date time.Time, bars model.BarSet) error {
	if !d.stops.Enabled() {
		return nil
	}
	d.ledger.RefreshPositionCost()
	for _, pos := range d.ledger.Positions() {
		rec, ok := bars.Get(pos.Instrument)
		if !ok {
			continue
		}
		if d.stops.Pending(pos) {
			if pos.Sellable > 0 {
				if _, err := d.ledger.ExecuteAt(pos.Instrument, order.Sell, pos.Sellable, rec.Close, "stop remainder"); err != nil {
					return err
				}
			}
			continue
		}
		trig, ok := d.stops.CheckClose(date, pos, rec.Close)
		if !ok {
			continue
		}
		if err := d.liquidate(pos, trig); err != nil {
			return err
		}
	}
	return nil
}

// liquidate sells every sellable share of pos at the trigger price. The
// position is marked only once something was sold; otherwise it is
// evaluated again on a later day.
func (d *Driver) liquidate(pos model.PositionRecord, trig risk.Trigger) error {
	if pos.Sellable == 0 {
		return nil
	}
	sold, err := d.ledger.ExecuteAt(pos.Instrument, order.Sell, pos.Sellable, trig.Price, trig.Note())
	if err != nil {
		return err
	}
	if sold == 0 {
		return nil
	}
	d.stops.MarkTriggered(pos)
	d.log.Info("stop triggered",
		"date", model.DateString(d.ledger.Date()),
		"instrument", pos.Instrument,
		"kind", trig.Kind.String(),
		"intraday", trig.Intraday,
		"price", trig.Price.String(),
		"return", trig.Return.StringFixed(4),
		"sold", sold,
		"held", pos.Quantity,
	)
	return nil
}
