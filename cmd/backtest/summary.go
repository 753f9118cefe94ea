package main

import (
	"fmt"
	"io"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/runner"
)

func printSummary(w io.Writer, out runner.Outcome) {
	run, st := out.Run, out.Stats
	fmt.Fprintf(w, "Backtest %s  run=%s  status=%s\n", run.Name, run.ID, run.Status)
	if st.Days > 0 {
		fmt.Fprintf(w, "Period        %s -> %s (%d days)\n",
			model.DateString(st.Start), model.DateString(st.End), st.Days)
	}
	fmt.Fprintf(w, "Equity        %s -> %s\n", st.StartEquity.StringFixed(2), st.EndEquity.StringFixed(2))
	fmt.Fprintf(w, "Total return  %s%%\n", st.TotalReturn.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "Annualized    %.2f%%\n", st.AnnualReturn*100)
	fmt.Fprintf(w, "Max drawdown  %s%%\n", st.MaxDrawdown.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "Volatility    %.4f\n", st.Volatility)
	fmt.Fprintf(w, "Sharpe        %.4f\n", st.Sharpe)
	fmt.Fprintf(w, "Trades        %d (rejected %d)\n", st.Trades, st.Rejections)
	if len(out.Result.Final) > 0 {
		fmt.Fprintln(w, "Final positions:")
		for _, p := range out.Result.Final {
			fmt.Fprintf(w, "  %-12s %10d  value %s\n", p.Instrument, p.Quantity, p.MarketValue.StringFixed(2))
		}
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error         %s\n", run.Error)
	}
}
