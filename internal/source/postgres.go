package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// PostgresSource loads daily bars from the price_records table. NUMERIC
// columns are read as text so no precision is lost.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a loader over pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// LoadPrices returns the records dated within [start, end], grouped by
// instrument in date order. An empty instruments list loads every
// instrument; a zero start or end leaves that side open.
func (s *PostgresSource) LoadPrices(ctx context.Context, instruments []string, start, end time.Time) (map[string][]model.PriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument, trade_date,
		        open::TEXT, high::TEXT, low::TEXT, close::TEXT,
		        volume, amount::TEXT, adj_factor::TEXT,
		        suspended, max_up_down, amount_ma::TEXT,
		        ext_status, sec_name, st_flag
		 FROM price_records
		 WHERE ($1::DATE IS NULL OR trade_date >= $1)
		   AND ($2::DATE IS NULL OR trade_date <= $2)
		   AND (COALESCE(cardinality($3::TEXT[]), 0) = 0 OR instrument = ANY($3))
		 ORDER BY instrument, trade_date`,
		nullDate(start), nullDate(end), instruments)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.PriceRecord)
	for rows.Next() {
		var (
			r                              model.PriceRecord
			openS, highS, lowS, closeS     string
			amountS, adjS, amountMAS, extS string
			limit                          int16
		)
		if err := rows.Scan(&r.Instrument, &r.TradeDate,
			&openS, &highS, &lowS, &closeS,
			&r.Volume, &amountS, &adjS,
			&r.Suspended, &limit, &amountMAS,
			&extS, &r.SecName, &r.ST); err != nil {
			return nil, err
		}
		r.TradeDate = model.Day(r.TradeDate)
		r.Open, _ = decimal.NewFromString(openS)
		r.High, _ = decimal.NewFromString(highS)
		r.Low, _ = decimal.NewFromString(lowS)
		r.Close, _ = decimal.NewFromString(closeS)
		r.Amount, _ = decimal.NewFromString(amountS)
		r.AdjFactor, _ = decimal.NewFromString(adjS)
		r.AmountMA, _ = decimal.NewFromString(amountMAS)
		if r.Limit, err = model.ParseLimitFlag(int(limit)); err != nil {
			return nil, fmt.Errorf("%s %s: %w", r.Instrument, model.DateString(r.TradeDate), err)
		}
		if r.ExtStatus, err = model.ParseExtStatus(extS); err != nil {
			return nil, fmt.Errorf("%s %s: %w", r.Instrument, model.DateString(r.TradeDate), err)
		}
		out[r.Instrument] = append(out[r.Instrument], r)
	}
	return out, rows.Err()
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
