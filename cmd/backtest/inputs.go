package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/driver"
	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/runner"
	"github.com/atmx/backtest-engine/internal/source"
	"github.com/atmx/backtest-engine/internal/tracker"
)

type options struct {
	name        string
	config      string
	prices      string
	pricesDir   string
	dbPrices    bool
	instruments string
	start       string
	events      string
	mergers     string
	signals     string
	mode        string
	end         string
	out         string
}

// loadInputs reads every input named by opts. The returned func closes any
// lazily read price files.
func loadInputs(ctx context.Context, opts options, pool *pgxpool.Pool) (runner.Inputs, func(), error) {
	noop := func() {}
	in := runner.Inputs{Name: opts.name, Config: config.Default()}

	var err error
	if opts.config != "" {
		if in.Config, err = config.Load(opts.config); err != nil {
			return in, noop, fmt.Errorf("%s: %w", opts.config, err)
		}
	}
	if in.Mode, err = driver.ParseMode(opts.mode); err != nil {
		return in, noop, err
	}
	if opts.end != "" {
		if in.End, err = model.ParseDate(opts.end); err != nil {
			return in, noop, fmt.Errorf("bad -end: %w", err)
		}
	}
	if opts.signals == "" {
		return in, noop, errors.New("-signals is required")
	}
	if in.Signals, err = source.LoadSignals(opts.signals); err != nil {
		return in, noop, err
	}
	if opts.events != "" {
		if in.Events, err = source.LoadEvents(opts.events); err != nil {
			return in, noop, err
		}
	}
	if opts.mergers != "" {
		if in.Mergers, err = source.LoadMergers(opts.mergers); err != nil {
			return in, noop, err
		}
	}

	closeAll := noop
	switch {
	case opts.prices != "":
		in.Prices, err = source.LoadPrices(opts.prices)
	case opts.pricesDir != "":
		in.Sources, closeAll, err = openDir(opts.pricesDir)
	case opts.dbPrices:
		in.Prices, err = loadDB(ctx, opts, pool)
	default:
		err = errors.New("one of -prices, -prices-dir or -db-prices is required")
	}
	if err != nil {
		return in, noop, err
	}
	return in, closeAll, nil
}

// openDir opens every *.csv in dir as one instrument's lazy source, keyed
// by the file name without extension.
func openDir(dir string) (map[string]feed.RecordSource, func(), error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("%s: no csv files", dir)
	}
	var files []*source.FileSource
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	sources := make(map[string]feed.RecordSource, len(paths))
	for _, p := range paths {
		f, err := source.OpenFile(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, f)
		sources[strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))] = f
	}
	return sources, closeAll, nil
}

func loadDB(ctx context.Context, opts options, pool *pgxpool.Pool) (map[string][]model.PriceRecord, error) {
	if pool == nil {
		return nil, errors.New("-db-prices needs DATABASE_URL")
	}
	var (
		ids        []string
		start, end time.Time
		err        error
	)
	if opts.instruments != "" {
		for _, id := range strings.Split(opts.instruments, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if opts.start != "" {
		if start, err = model.ParseDate(opts.start); err != nil {
			return nil, fmt.Errorf("bad -start: %w", err)
		}
	}
	if opts.end != "" {
		if end, err = model.ParseDate(opts.end); err != nil {
			return nil, fmt.Errorf("bad -end: %w", err)
		}
	}
	return source.NewPostgresSource(pool).LoadPrices(ctx, ids, start, end)
}

// writeOutputs creates dir and writes transactions.csv, positions.csv and,
// when details were recorded, details.csv.
func writeOutputs(dir string, out runner.Outcome) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "transactions.csv"), func(f *os.File) error {
		return tracker.WriteTransactions(f, out.Result.Transactions)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "positions.csv"), func(f *os.File) error {
		return tracker.WriteDailyPositions(f, out.Result.Days)
	}); err != nil {
		return err
	}
	if len(out.Details) == 0 {
		return nil
	}
	return writeFile(filepath.Join(dir, "details.csv"), func(f *os.File) error {
		return tracker.WriteDetails(f, out.Details)
	})
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
