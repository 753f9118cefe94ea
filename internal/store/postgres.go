package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	status := r.Status
	if status == "" {
		status = model.RunRunning
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backtest_runs (id, name, status, created_at, initial_cash)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
		r.ID, r.Name, string(status), r.CreatedAt, r.InitialCash.String(),
	)
	return err
}

const runColumns = `id, name, status, created_at, finished_at,
		start_date, end_date,
		initial_cash::TEXT, final_equity::TEXT, total_return::TEXT, max_drawdown::TEXT,
		sharpe, days, trades, error`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM backtest_runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, sum model.RunSummary) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backtest_runs
		 SET status = $2, finished_at = $3, start_date = $4, end_date = $5,
		     final_equity = $6::NUMERIC, total_return = $7::NUMERIC, max_drawdown = $8::NUMERIC,
		     sharpe = $9, days = $10, trades = $11, error = $12
		 WHERE id = $1`,
		id, string(sum.Status), time.Now().UTC(), nullDate(sum.Start), nullDate(sum.End),
		sum.FinalEquity.String(), sum.TotalReturn.String(), sum.MaxDrawdown.String(),
		sum.Sharpe, sum.Days, sum.Trades, sum.Error,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertTransactions(ctx context.Context, runID string, txns []model.TransactionRecord) error {
	if len(txns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range txns {
		batch.Queue(
			`INSERT INTO backtest_transactions
			   (run_id, id, order_id, trade_date, instrument, name, price, volume, commission, tax, cash_flow, direction, note)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
			runID, t.ID, int64(t.OrderID), t.Date, t.Instrument, t.Name,
			t.Price.String(), t.Volume, t.Commission.String(), t.Tax.String(), t.CashFlow.String(),
			string(t.Direction), t.Note,
		)
	}
	return s.sendBatch(ctx, batch)
}

func (s *PostgresStore) GetTransactions(ctx context.Context, runID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, trade_date, instrument, name,
		        price::TEXT, volume, commission::TEXT, tax::TEXT, cash_flow::TEXT,
		        direction, note
		 FROM backtest_transactions WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.TransactionRecord
	for rows.Next() {
		var t model.TransactionRecord
		var orderID int64
		var priceS, commS, taxS, flowS, dir string
		if err := rows.Scan(&t.ID, &orderID, &t.Date, &t.Instrument, &t.Name,
			&priceS, &t.Volume, &commS, &taxS, &flowS,
			&dir, &t.Note); err != nil {
			return nil, err
		}
		t.OrderID = uint64(orderID)
		t.Direction = model.Direction(dir)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Commission, _ = decimal.NewFromString(commS)
		t.Tax, _ = decimal.NewFromString(taxS)
		t.CashFlow, _ = decimal.NewFromString(flowS)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) InsertDailyPositions(ctx context.Context, runID string, days []model.DailyPosition) error {
	if len(days) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range days {
		batch.Queue(
			`INSERT INTO backtest_daily_positions
			   (run_id, trade_date, equity, market_value, cash, position_ratio, hedged, future_notional, future_margin, future_pnl, hedge_ratio)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC)`,
			runID, d.Date, d.Equity.String(), d.MarketValue.String(), d.Cash.String(),
			d.PositionRatio.String(), d.Hedged,
			d.FutureNotional.String(), d.FutureMargin.String(), d.FuturePnL.String(), d.HedgeRatio.String(),
		)
	}
	return s.sendBatch(ctx, batch)
}

func (s *PostgresStore) GetDailyPositions(ctx context.Context, runID string) ([]model.DailyPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_date, equity::TEXT, market_value::TEXT, cash::TEXT, position_ratio::TEXT,
		        hedged, future_notional::TEXT, future_margin::TEXT, future_pnl::TEXT, hedge_ratio::TEXT
		 FROM backtest_daily_positions WHERE run_id = $1 ORDER BY trade_date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []model.DailyPosition
	for rows.Next() {
		var d model.DailyPosition
		var eqS, mvS, cashS, ratioS, notionalS, marginS, pnlS, hedgeS string
		if err := rows.Scan(&d.Date, &eqS, &mvS, &cashS, &ratioS,
			&d.Hedged, &notionalS, &marginS, &pnlS, &hedgeS); err != nil {
			return nil, err
		}
		d.Equity, _ = decimal.NewFromString(eqS)
		d.MarketValue, _ = decimal.NewFromString(mvS)
		d.Cash, _ = decimal.NewFromString(cashS)
		d.PositionRatio, _ = decimal.NewFromString(ratioS)
		d.FutureNotional, _ = decimal.NewFromString(notionalS)
		d.FutureMargin, _ = decimal.NewFromString(marginS)
		d.FuturePnL, _ = decimal.NewFromString(pnlS)
		d.HedgeRatio, _ = decimal.NewFromString(hedgeS)
		days = append(days, d)
	}
	return days, rows.Err()
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	br := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch insert %d: %w", i, err)
		}
	}
	return br.Close()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var r model.Run
	var status, cashS, eqS, retS, ddS string
	var start, end *time.Time
	if err := row.Scan(&r.ID, &r.Name, &status, &r.CreatedAt, &r.FinishedAt,
		&start, &end,
		&cashS, &eqS, &retS, &ddS,
		&r.Sharpe, &r.Days, &r.Trades, &r.Error); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if start != nil {
		r.Start = *start
	}
	if end != nil {
		r.End = *end
	}
	r.InitialCash, _ = decimal.NewFromString(cashS)
	r.FinalEquity, _ = decimal.NewFromString(eqS)
	r.TotalReturn, _ = decimal.NewFromString(retS)
	r.MaxDrawdown, _ = decimal.NewFromString(ddS)
	return r, nil
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
