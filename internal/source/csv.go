// Package source loads backtest inputs: daily price records, corporate
// events, merger tables and strategy signals, from CSV files or PostgreSQL.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrMissingColumn is returned when a required CSV column is absent.
var ErrMissingColumn = errors.New("source: missing column")

// RowError locates a malformed CSV row.
type RowError struct {
	Line   int
	Column string
	Err    error
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("source: line %d column %s: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("source: line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// column is a resolved header position; ok is false for absent optional
// columns.
type column struct {
	name string
	idx  int
	ok   bool
}

// header maps lower-cased column names to their index.
type header map[string]int

func newHeader(cols []string) header {
	h := make(header, len(cols))
	for i, c := range cols {
		c = strings.TrimPrefix(c, "\ufeff")
		h[strings.ToLower(strings.TrimSpace(c))] = i
	}
	return h
}

// optional resolves the first present alias.
func (h header) optional(names ...string) column {
	for _, n := range names {
		if i, ok := h[n]; ok {
			return column{name: names[0], idx: i, ok: true}
		}
	}
	return column{name: names[0]}
}

func (h header) required(names ...string) (column, error) {
	c := h.optional(names...)
	if !c.ok {
		return c, fmt.Errorf("%w: %s", ErrMissingColumn, names[0])
	}
	return c, nil
}

// row wraps one CSV record with typed accessors. The first parse error is
// kept and reported once the row is done.
type row struct {
	line   int
	fields []string
	err    error
}

func (r *row) fail(c column, err error) {
	if r.err == nil {
		r.err = &RowError{Line: r.line, Column: c.name, Err: err}
	}
}

func (r *row) str(c column) string {
	if !c.ok || c.idx >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[c.idx])
}

func (r *row) decimal(c column, def decimal.Decimal) decimal.Decimal {
	s := r.str(c)
	if s == "" {
		return def
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		r.fail(c, err)
		return def
	}
	return v
}

func (r *row) int(c column) int64 {
	s := r.str(c)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return v
	}
	// Volumes are sometimes exported as floats.
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil {
		r.fail(c, err)
		return 0
	}
	return int64(f)
}

func (r *row) bool(c column) bool {
	s := r.str(c)
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		r.fail(c, err)
	}
	return v
}

func (r *row) date(c column) time.Time {
	s := r.str(c)
	if s == "" {
		return time.Time{}
	}
	v, err := model.ParseDate(s)
	if err != nil {
		r.fail(c, err)
	}
	return v
}

// reader iterates a CSV document with a header line.
type reader struct {
	csv  *csv.Reader
	head header
}

func newReader(r io.Reader) (*reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cols, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("source: empty csv")
	}
	if err != nil {
		return nil, err
	}
	return &reader{csv: cr, head: newHeader(cols)}, nil
}

// next returns the next non-blank row, or io.EOF.
func (r *reader) next() (*row, error) {
	for {
		fields, err := r.csv.Read()
		if err != nil {
			return nil, err
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		line, _ := r.csv.FieldPos(0)
		return &row{line: line, fields: fields}, nil
	}
}
