package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a persisted backtest run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
)

// Run is the persisted header of one backtest. Result fields are filled in
// when the run finishes.
type Run struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Status      RunStatus       `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Start       time.Time       `json:"start" db:"start_date"`
	End         time.Time       `json:"end" db:"end_date"`
	InitialCash decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	FinalEquity decimal.Decimal `json:"final_equity" db:"final_equity"`
	TotalReturn decimal.Decimal `json:"total_return" db:"total_return"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown" db:"max_drawdown"`
	Sharpe      float64         `json:"sharpe" db:"sharpe"`
	Days        int             `json:"days" db:"days"`
	Trades      int             `json:"trades" db:"trades"`
	Error       string          `json:"error,omitempty" db:"error"`
}

// RunSummary is what a finished run reports back to its header.
type RunSummary struct {
	Status      RunStatus
	Start       time.Time
	End         time.Time
	FinalEquity decimal.Decimal
	TotalReturn decimal.Decimal
	MaxDrawdown decimal.Decimal
	Sharpe      float64
	Days        int
	Trades      int
	Error       string
}
