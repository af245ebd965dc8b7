package domain

import "github.com/shopspring/decimal"

// Position holds both directions of inventory for one symbol. The strategy
// keeps long and short open at the same time, so the two sizes are never netted.
type Position struct {
	Symbol    string          `json:"symbol"`
	LongSize  decimal.Decimal `json:"long_size"`
	ShortSize decimal.Decimal `json:"short_size"`
}

func (p Position) Size(pt PositionType) decimal.Decimal {
	if pt == PositionLong {
		return p.LongSize
	}
	return p.ShortSize
}

// ApplyFill updates the side the order belongs to. Closing fills never push a
// side below zero.
func (p *Position) ApplyFill(side Side, pt PositionType, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	switch {
	case side == SideBuy && pt == PositionLong:
		p.LongSize = p.LongSize.Add(qty)
	case side == SideSell && pt == PositionLong:
		p.LongSize = floorZero(p.LongSize.Sub(qty))
	case side == SideSell && pt == PositionShort:
		p.ShortSize = p.ShortSize.Add(qty)
	case side == SideBuy && pt == PositionShort:
		p.ShortSize = floorZero(p.ShortSize.Sub(qty))
	}
}

// Reduce lowers one side by qty, floored at zero.
func (p *Position) Reduce(pt PositionType, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	if pt == PositionLong {
		p.LongSize = floorZero(p.LongSize.Sub(qty))
		return
	}
	p.ShortSize = floorZero(p.ShortSize.Sub(qty))
}

func (p Position) Equal(o Position) bool {
	return p.LongSize.Equal(o.LongSize) && p.ShortSize.Equal(o.ShortSize)
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
