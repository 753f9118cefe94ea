// Package instrument handles windcode parsing and validation, and derives
// the trading attributes (kind, board, lot size) the kernel needs.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the asset class of an instrument.
type Kind uint8

const (
	KindStock Kind = iota + 1
	KindFund
	KindIndex
	KindFuture
	KindCash
)

func (k Kind) String() string {
	switch k {
	case KindStock:
		return "STOCK"
	case KindFund:
		return "FUND"
	case KindIndex:
		return "INDEX"
	case KindFuture:
		return "FUTURE"
	case KindCash:
		return "CASH"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Board is the listing board of an A-share stock.
type Board uint8

const (
	BoardNone Board = iota
	BoardMain
	BoardChiNext
	BoardSTAR
	BoardBeijing
)

func (b Board) String() string {
	switch b {
	case BoardMain:
		return "MAIN"
	case BoardChiNext:
		return "CHINEXT"
	case BoardSTAR:
		return "STAR"
	case BoardBeijing:
		return "BEIJING"
	default:
		return "NONE"
	}
}

// CashID is the placeholder instrument for uninvested cash in weight tables.
const CashID = "CASH"

// DefaultLotSize is the A-share board lot.
const DefaultLotSize = 100

// equityRegex matches: {6 digits}.{SH|SZ|BJ}
// Example: 600000.SH
var equityRegex = regexp.MustCompile(`^(\d{6})\.(SH|SZ|BJ)$`)

// futureRegex matches index futures: {IF|IH|IC|IM}[YYMM].CFE
// Example: IF2309.CFE, IF.CFE (continuous)
var futureRegex = regexp.MustCompile(`^(IF|IH|IC|IM)(\d{4})?\.CFE$`)

var (
	ErrInvalidCode = errors.New("instrument: invalid windcode")
)

// Instrument is a parsed windcode.
type Instrument struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Exchange string `json:"exchange"`
	Kind     Kind   `json:"kind"`
	Board    Board  `json:"board"`
	LotSize  int64  `json:"lot_size"`
	// Multiplier is the contract multiplier for futures, 1 otherwise.
	Multiplier int64 `json:"multiplier"`
}

// futureMultipliers are the CFFEX contract multipliers.
var futureMultipliers = map[string]int64{
	"IF": 300,
	"IH": 300,
	"IC": 200,
	"IM": 200,
}

// Parse parses and validates a windcode.
func Parse(id string) (*Instrument, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == CashID {
		return &Instrument{ID: id, Code: id, Kind: KindCash, LotSize: 1, Multiplier: 1}, nil
	}

	if m := futureRegex.FindStringSubmatch(id); m != nil {
		return &Instrument{
			ID:         id,
			Code:       m[1] + m[2],
			Exchange:   "CFE",
			Kind:       KindFuture,
			LotSize:    1,
			Multiplier: futureMultipliers[m[1]],
		}, nil
	}

	m := equityRegex.FindStringSubmatch(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %q (expected {6 digits}.SH|SZ|BJ or IF|IH|IC|IM[YYMM].CFE)",
			ErrInvalidCode, id)
	}
	code, exchange := m[1], m[2]
	inst := &Instrument{
		ID:         id,
		Code:       code,
		Exchange:   exchange,
		LotSize:    DefaultLotSize,
		Multiplier: 1,
	}
	inst.Kind, inst.Board = classify(code, exchange)
	return inst, nil
}

func classify(code, exchange string) (Kind, Board) {
	switch exchange {
	case "SH":
		switch {
		case strings.HasPrefix(code, "000"):
			return KindIndex, BoardNone
		case strings.HasPrefix(code, "688"), strings.HasPrefix(code, "689"):
			return KindStock, BoardSTAR
		case strings.HasPrefix(code, "5"):
			return KindFund, BoardNone
		default:
			return KindStock, BoardMain
		}
	case "SZ":
		switch {
		case strings.HasPrefix(code, "399"):
			return KindIndex, BoardNone
		case strings.HasPrefix(code, "300"), strings.HasPrefix(code, "301"):
			return KindStock, BoardChiNext
		case strings.HasPrefix(code, "15"), strings.HasPrefix(code, "16"), strings.HasPrefix(code, "18"):
			return KindFund, BoardNone
		default:
			return KindStock, BoardMain
		}
	default:
		return KindStock, BoardBeijing
	}
}

// Tradable reports whether orders for the instrument can be placed on the
// stock ledger. Indexes and the cash placeholder are valuation-only.
func (i *Instrument) Tradable() bool {
	return i.Kind == KindStock || i.Kind == KindFund
}

// LotSizeOf returns the board lot for id, falling back to DefaultLotSize
// for codes that do not parse.
func LotSizeOf(id string) int64 {
	inst, err := Parse(id)
	if err != nil {
		return DefaultLotSize
	}
	return inst.LotSize
}

// IsCash reports whether id is the cash placeholder.
func IsCash(id string) bool {
	return strings.EqualFold(strings.TrimSpace(id), CashID)
}
