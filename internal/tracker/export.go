package tracker

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// WriteTransactions writes the transaction log as CSV.
func WriteTransactions(w io.Writer, txns []model.TransactionRecord) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"id", "order_id", "date", "instrument", "name", "direction",
		"price", "volume", "commission", "tax", "cash_flow", "note",
	})
	for _, t := range txns {
		_ = cw.Write([]string{
			t.ID, strconv.FormatUint(t.OrderID, 10), model.DateString(t.Date),
			t.Instrument, t.Name, string(t.Direction),
			t.Price.String(), strconv.FormatInt(t.Volume, 10),
			t.Commission.String(), t.Tax.String(), t.CashFlow.String(), t.Note,
		})
	}
	cw.Flush()
	return cw.Error()
}

// WriteDailyPositions writes the total-position records as CSV. The future
// columns are only written when any day was hedged.
func WriteDailyPositions(w io.Writer, days []model.DailyPosition) error {
	hedged := false
	for _, d := range days {
		hedged = hedged || d.Hedged
	}
	cw := csv.NewWriter(w)
	head := []string{"date", "equity", "market_value", "cash", "position_ratio"}
	if hedged {
		head = append(head, "future_notional", "future_margin", "future_pnl", "hedge_ratio")
	}
	_ = cw.Write(head)
	for _, d := range days {
		rec := []string{
			model.DateString(d.Date), fixed(d.Equity), fixed(d.MarketValue),
			fixed(d.Cash), d.PositionRatio.StringFixed(6),
		}
		if hedged {
			rec = append(rec, fixed(d.FutureNotional), fixed(d.FutureMargin), fixed(d.FuturePnL), d.HedgeRatio.StringFixed(6))
		}
		_ = cw.Write(rec)
	}
	cw.Flush()
	return cw.Error()
}

// WriteDetails writes detailed position rows as CSV.
func WriteDetails(w io.Writer, rows []model.PositionDetail) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"date", "instrument", "name", "quantity", "sellable", "cost_price",
		"close", "market_value", "unrealized_pnl", "weight",
	})
	for _, r := range rows {
		_ = cw.Write([]string{
			model.DateString(r.Date), r.Instrument, r.Name,
			strconv.FormatInt(r.Quantity, 10), strconv.FormatInt(r.Sellable, 10),
			r.CostPrice.StringFixed(4), r.Close.String(), fixed(r.MarketValue),
			fixed(r.UnrealizedPnL), r.Weight.StringFixed(6),
		})
	}
	cw.Flush()
	return cw.Error()
}

func fixed(v decimal.Decimal) string { return v.StringFixed(2) }
