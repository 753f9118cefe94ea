package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/model"
)

// TriggerKind distinguishes stop-profit from stop-loss.
type TriggerKind uint8

const (
	StopLoss TriggerKind = iota + 1
	StopProfit
)

func (k TriggerKind) String() string {
	switch k {
	case StopLoss:
		return "STOP_LOSS"
	case StopProfit:
		return "STOP_PROFIT"
	default:
		return fmt.Sprintf("TriggerKind(%d)", k)
	}
}

// Trigger is a stop rule firing for one position.
type Trigger struct {
	Instrument string
	Kind       TriggerKind
	Intraday   bool
	// Price is the liquidation price: the threshold price for intraday
	// stops (or the open when the bar gapped through it), the close for
	// close-of-day stops.
	Price  decimal.Decimal
	Return decimal.Decimal
}

// Note renders the trigger for transaction records.
func (t Trigger) Note() string {
	if t.Intraday {
		return "intraday " + t.Kind.String()
	}
	return t.Kind.String()
}

// StopManager evaluates stop-profit / stop-loss thresholds against cost.
//
// Exclusions are only changed by Exclude and Include. Once a position has
// been liquidated by a stop it is not evaluated again until a new position
// is opened; shares that could not be sold on the trigger day are reported
// by Pending until they are gone.
type StopManager struct {
	stops    config.Stops
	excluded map[string]bool
	// triggered maps instrument → OpenedAt of the position that fired.
	triggered map[string]time.Time
	// checked maps instrument → last date a close-of-day check ran.
	checked map[string]time.Time
}

// NewStopManager creates a manager for the configured thresholds.
func NewStopManager(stops config.Stops) *StopManager {
	return &StopManager{
		stops:     stops,
		excluded:  make(map[string]bool),
		triggered: make(map[string]time.Time),
		checked:   make(map[string]time.Time),
	}
}

// Enabled reports whether any threshold is configured.
func (m *StopManager) Enabled() bool { return m.stops.Enabled() }

// Exclude removes instruments from stop evaluation.
func (m *StopManager) Exclude(ids ...string) {
	for _, id := range ids {
		m.excluded[id] = true
	}
}

// Include puts excluded instruments back under stop evaluation.
func (m *StopManager) Include(ids ...string) {
	for _, id := range ids {
		delete(m.excluded, id)
	}
}

// Excluded reports whether id is exempt from stops.
func (m *StopManager) Excluded(id string) bool { return m.excluded[id] }

// Pending reports whether pos is the remainder of a position a stop already
// liquidated. A position opened after the trigger clears the mark.
func (m *StopManager) Pending(pos model.PositionRecord) bool {
	opened, ok := m.triggered[pos.Instrument]
	if !ok {
		return false
	}
	if pos.Quantity > 0 && opened.Equal(pos.OpenedAt) {
		return true
	}
	delete(m.triggered, pos.Instrument)
	return false
}

// MarkTriggered records that a stop fired for pos.
func (m *StopManager) MarkTriggered(pos model.PositionRecord) {
	m.triggered[pos.Instrument] = pos.OpenedAt
}

func (m *StopManager) eligible(pos model.PositionRecord) bool {
	return pos.Quantity > 0 && pos.CostPrice.IsPositive() && !m.excluded[pos.Instrument] && !m.Pending(pos)
}

// CheckIntraday tests the intraday thresholds against the bar's range.
// When both thresholds were touched the loss is assumed to have come first.
func (m *StopManager) CheckIntraday(pos model.PositionRecord, rec model.PriceRecord) (Trigger, bool) {
	if !m.stops.Intraday() || !m.eligible(pos) {
		return Trigger{}, false
	}
	one := decimal.NewFromInt(1)
	cost := pos.CostPrice
	if m.stops.IntradayStopLoss.IsPositive() {
		stop := cost.Mul(one.Sub(m.stops.IntradayStopLoss))
		if rec.Low.LessThanOrEqual(stop) {
			px := decimal.Min(rec.Open, stop)
			return Trigger{Instrument: pos.Instrument, Kind: StopLoss, Intraday: true, Price: px, Return: px.Div(cost).Sub(one)}, true
		}
	}
	if m.stops.IntradayStopProfit.IsPositive() {
		target := cost.Mul(one.Add(m.stops.IntradayStopProfit))
		if rec.High.GreaterThanOrEqual(target) {
			px := decimal.Max(rec.Open, target)
			return Trigger{Instrument: pos.Instrument, Kind: StopProfit, Intraday: true, Price: px, Return: px.Div(cost).Sub(one)}, true
		}
	}
	return Trigger{}, false
}

// CheckClose tests the close-of-day thresholds. Each instrument is
// evaluated at most once per date.
func (m *StopManager) CheckClose(date time.Time, pos model.PositionRecord, px decimal.Decimal) (Trigger, bool) {
	if !m.stops.Overall() || !m.eligible(pos) || !px.IsPositive() {
		return Trigger{}, false
	}
	if last, ok := m.checked[pos.Instrument]; ok && last.Equal(date) {
		return Trigger{}, false
	}
	m.checked[pos.Instrument] = date

	ret := px.Div(pos.CostPrice).Sub(decimal.NewFromInt(1))
	switch {
	case m.stops.StopLoss.IsPositive() && ret.LessThanOrEqual(m.stops.StopLoss.Neg()):
		return Trigger{Instrument: pos.Instrument, Kind: StopLoss, Price: px, Return: ret}, true
	case m.stops.StopProfit.IsPositive() && ret.GreaterThanOrEqual(m.stops.StopProfit):
		return Trigger{Instrument: pos.Instrument, Kind: StopProfit, Price: px, Return: ret}, true
	}
	return Trigger{}, false
}
