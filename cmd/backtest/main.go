// Command backtest runs one daily backtest from CSV (or PostgreSQL) inputs
// and writes the transaction log and position records as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/backtest-engine/internal/runner"
	"github.com/atmx/backtest-engine/internal/store"
)

func main() {
	var opts options
	flag.StringVar(&opts.name, "name", "backtest", "run name")
	flag.StringVar(&opts.config, "config", "", "JSON config file (defaults when empty)")
	flag.StringVar(&opts.prices, "prices", "", "daily-bar CSV holding all instruments")
	flag.StringVar(&opts.pricesDir, "prices-dir", "", "directory of per-instrument daily-bar CSVs, read lazily")
	flag.BoolVar(&opts.dbPrices, "db-prices", false, "load daily bars from the price_records table")
	flag.StringVar(&opts.instruments, "instruments", "", "comma-separated instruments for -db-prices (all when empty)")
	flag.StringVar(&opts.start, "start", "", "first date for -db-prices (YYYY-MM-DD)")
	flag.StringVar(&opts.events, "events", "", "corporate event CSV (derived from dummy bars when empty)")
	flag.StringVar(&opts.mergers, "mergers", "", "merger table CSV")
	flag.StringVar(&opts.signals, "signals", "", "strategy signal CSV (date, instrument, value)")
	flag.StringVar(&opts.mode, "mode", "weight", "signal mode: weight | shares")
	flag.StringVar(&opts.end, "end", "", "optional last date (YYYY-MM-DD)")
	flag.StringVar(&opts.out, "out", "", "optional: directory for CSV output")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "backtest error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	var (
		st   store.Store
		pool *pgxpool.Pool
	)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		if pool, err = pgxpool.New(ctx, dbURL); err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
		st = pg
		logger.Info("recording run in PostgreSQL")
	} else {
		st = store.NewMemoryStore()
	}

	in, closeInputs, err := loadInputs(ctx, opts, pool)
	if err != nil {
		return err
	}
	defer closeInputs()

	out, runErr := runner.New(st, runner.WithLogger(logger)).Run(ctx, in)
	if out.Run == nil {
		return runErr
	}

	if opts.out != "" {
		if err := writeOutputs(opts.out, out); err != nil {
			return err
		}
		fmt.Println("Wrote results to:", opts.out)
	}
	printSummary(os.Stdout, out)
	return runErr
}
