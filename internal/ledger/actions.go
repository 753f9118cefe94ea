package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

func (l *Ledger) appendRecord(id string, dir model.Direction, price decimal.Decimal, qty int64, flow decimal.Decimal, note string) {
	l.txns = append(l.txns, model.TransactionRecord{
		ID:         uuid.New().String(),
		Date:       l.date,
		Instrument: id,
		Name:       l.nameOf(id),
		Price:      price,
		Volume:     qty,
		Commission: decimal.Zero,
		Tax:        decimal.Zero,
		CashFlow:   flow,
		Direction:  dir,
		Note:       note,
	})
	l.tradedToday[id] = true
}

// CleanPosition force-closes id at zero proceeds, as a delisting does: the
// whole cost is realized as a loss and a DELIST_SELL record is appended.
// Live orders for id are canceled. A flat position is a no-op.
func (l *Ledger) CleanPosition(id, note string) error {
	l.CancelInstrument(id)
	p, ok := l.positions[id]
	if !ok || p.Quantity == 0 {
		return nil
	}
	qty := p.Quantity
	p.RealizedPnL = p.RealizedPnL.Sub(p.CostAmount)
	p.CostAmount = decimal.Zero
	p.Quantity, p.Sellable = 0, 0
	p.LastSellDate = l.date
	l.appendRecord(id, model.DirDelistSell, decimal.Zero, qty, decimal.Zero, note)

	l.log.Info("position cleaned",
		"date", model.DateString(l.date),
		"instrument", id,
		"qty", qty,
		"note", note,
	)
	return l.verify()
}

// TransformShares converts the whole holding of oldID into newID at ratio
// new shares per old share, rounding down. Cost basis and the sellable
// share carry over; no cash moves. newPrice is recorded on the CONVERT_IN
// entry. Returns the new quantity credited.
func (l *Ledger) TransformShares(oldID, newID string, ratio, newPrice decimal.Decimal) (int64, error) {
	if !ratio.IsPositive() {
		return 0, fmt.Errorf("%w: conversion ratio %s for %s", ErrInvariant, ratio, oldID)
	}
	l.CancelInstrument(oldID)
	old, ok := l.positions[oldID]
	if !ok || old.Quantity == 0 {
		return 0, nil
	}
	qty, sellable := old.Quantity, old.Sellable
	newQty := ratio.Mul(decimal.NewFromInt(qty)).Floor().IntPart()
	newSellable := ratio.Mul(decimal.NewFromInt(sellable)).Floor().IntPart()
	if newSellable > newQty {
		newSellable = newQty
	}
	oldPrice, _ := l.PriceOf(oldID, l.cfg.ValuationPrice)
	note := fmt.Sprintf("%s -> %s ratio %s", oldID, newID, ratio.String())

	if newQty == 0 {
		// Nothing survives the rounding: the cost is lost, not carried.
		old.RealizedPnL = old.RealizedPnL.Sub(old.CostAmount)
		old.Quantity, old.Sellable = 0, 0
		old.CostAmount = decimal.Zero
		old.LastSellDate = l.date
		l.appendRecord(oldID, model.DirConvertOut, oldPrice, qty, decimal.Zero, note)
		l.log.Warn("conversion rounds to zero shares",
			"date", model.DateString(l.date),
			"from", oldID,
			"to", newID,
			"old_qty", qty,
			"ratio", ratio.String(),
		)
		return 0, l.verify()
	}

	p := l.position(newID)
	if p.Quantity == 0 {
		p.OpenedAt = old.OpenedAt
	}
	p.Quantity += newQty
	p.Sellable += newSellable
	p.CostAmount = p.CostAmount.Add(old.CostAmount)
	p.BoughtAmount = p.BoughtAmount.Add(old.BoughtAmount)
	p.SoldAmount = p.SoldAmount.Add(old.SoldAmount)
	if p.Quantity > 0 {
		p.CostPrice = p.CostAmount.Div(decimal.NewFromInt(p.Quantity))
	}

	old.Quantity, old.Sellable = 0, 0
	old.CostAmount = decimal.Zero
	old.LastSellDate = l.date

	l.appendRecord(oldID, model.DirConvertOut, oldPrice, qty, decimal.Zero, note)
	l.appendRecord(newID, model.DirConvertIn, newPrice, newQty, decimal.Zero, note)

	l.log.Info("shares transformed",
		"date", model.DateString(l.date),
		"from", oldID,
		"to", newID,
		"old_qty", qty,
		"new_qty", newQty,
		"ratio", ratio.String(),
	)
	return newQty, l.verify()
}

// TransformToCash liquidates the whole holding of id into cash at price,
// free of commission and tax. A zero price falls back to the last close.
func (l *Ledger) TransformToCash(id string, price decimal.Decimal) error {
	l.CancelInstrument(id)
	p, ok := l.positions[id]
	if !ok || p.Quantity == 0 {
		return nil
	}
	if !price.IsPositive() {
		px, err := l.PriceOf(id, l.cfg.ValuationPrice)
		if err != nil {
			return fmt.Errorf("%w for %s", err, id)
		}
		price = px
	}
	qty := p.Quantity
	proceeds := price.Mul(decimal.NewFromInt(qty))
	p.RealizedPnL = p.RealizedPnL.Add(proceeds.Sub(p.CostAmount))
	p.SoldAmount = p.SoldAmount.Add(proceeds)
	p.CostAmount = decimal.Zero
	p.Quantity, p.Sellable = 0, 0
	p.LastSellDate = l.date
	l.cash = l.cash.Add(proceeds)
	l.appendRecord(id, model.DirToCash, price, qty, proceeds, "")

	l.log.Info("position converted to cash",
		"date", model.DateString(l.date),
		"instrument", id,
		"qty", qty,
		"price", price.String(),
	)
	return l.verify()
}
