package main

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const barsCSV = `instrument,trade_date,open,high,low,close,volume
600000.SH,2024-03-04,10,10.5,9.5,10,1000000
600000.SH,2024-03-05,10,10.5,9.5,10,1000000
600000.SH,2024-03-06,10,10.5,9.5,10,1000000
`

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRun_WritesOutputs(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	opts := options{
		name:    "cli",
		prices:  writeInput(t, dir, "prices.csv", barsCSV),
		signals: writeInput(t, dir, "signals.csv", "date,instrument,weight\n2024-03-04,600000.SH,0.5\n"),
		mode:    "weight",
		out:     out,
	}

	require.NoError(t, run(context.Background(), opts, slog.Default()))

	txns := readCSV(t, filepath.Join(out, "transactions.csv"))
	require.Len(t, txns, 2)
	days := readCSV(t, filepath.Join(out, "positions.csv"))
	require.Len(t, days, 4)
	// Detail rows default to trade days only.
	details := readCSV(t, filepath.Join(out, "details.csv"))
	require.Len(t, details, 2)
	require.Equal(t, "600000.SH", details[1][1])
}

func TestLoadInputs_PricesDir(t *testing.T) {
	dir := t.TempDir()
	bars := filepath.Join(dir, "bars")
	require.NoError(t, os.Mkdir(bars, 0o755))
	writeInput(t, bars, "600000.SH.csv", barsCSV)
	opts := options{
		pricesDir: bars,
		signals:   writeInput(t, dir, "signals.csv", "date,instrument,shares\n2024-03-04,600000.SH,1000\n"),
		mode:      "shares",
		end:       "2024-03-05",
	}

	in, closeAll, err := loadInputs(context.Background(), opts, nil)
	require.NoError(t, err)
	defer closeAll()
	require.Contains(t, in.Sources, "600000.SH")
	require.Nil(t, in.Prices)
	require.Equal(t, "2024-03-05", in.End.Format("2006-01-02"))
}

func TestLoadInputs_Errors(t *testing.T) {
	dir := t.TempDir()
	signals := writeInput(t, dir, "signals.csv", "date,instrument,weight\n")
	prices := writeInput(t, dir, "prices.csv", barsCSV)

	tests := []struct {
		name string
		opts options
	}{
		{"no signals", options{prices: prices}},
		{"no prices", options{signals: signals}},
		{"bad mode", options{prices: prices, signals: signals, mode: "lots"}},
		{"db without pool", options{dbPrices: true, signals: signals}},
		{"empty dir", options{pricesDir: t.TempDir(), signals: signals}},
		{"missing config", options{prices: prices, signals: signals, config: filepath.Join(dir, "absent.json")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := loadInputs(context.Background(), tt.opts, nil)
			require.Error(t, err)
		})
	}
}
