package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentConstraints are the exchange trading rules for one symbol.
// TickSize and QtyStep are optional; when set, prices and quantities are
// rounded to multiples of them rather than to a number of decimals.
type InstrumentConstraints struct {
	Symbol         string          `json:"symbol"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	MinBaseAmount  decimal.Decimal `json:"min_base_amount"`
	PricePrecision int32           `json:"price_precision"`
	SizePrecision  int32           `json:"size_precision"`
	TickSize       decimal.Decimal `json:"tick_size"`
	QtyStep        decimal.Decimal `json:"qty_step"`
}

// StepSize is the smallest quantity increment.
func (c InstrumentConstraints) StepSize() decimal.Decimal {
	if c.QtyStep.IsPositive() {
		return c.QtyStep
	}
	return decimal.New(1, -c.SizePrecision)
}

// QuantizePrice rounds to the nearest tick.
func (c InstrumentConstraints) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	if c.TickSize.IsPositive() {
		return price.Div(c.TickSize).Round(0).Mul(c.TickSize).Round(c.PricePrecision)
	}
	return price.Round(c.PricePrecision)
}

// FloorQuantity rounds a quantity down to the lot step.
func (c InstrumentConstraints) FloorQuantity(qty decimal.Decimal) decimal.Decimal {
	if c.QtyStep.IsPositive() {
		return qty.Abs().Div(c.QtyStep).Floor().Mul(c.QtyStep).Round(c.SizePrecision)
	}
	return qty.Abs().RoundFloor(c.SizePrecision)
}

func (c InstrumentConstraints) ceilQuantity(qty decimal.Decimal) decimal.Decimal {
	if c.QtyStep.IsPositive() {
		return qty.Div(c.QtyStep).Ceil().Mul(c.QtyStep).Round(c.SizePrecision)
	}
	return qty.RoundCeil(c.SizePrecision)
}

// NormalizeQuantity floors qty to the lot step and raises it to the smallest
// quantity that satisfies both the minimum base amount and the minimum
// notional at price. adjusted is set when the result differs from the floored
// input. A non-positive price cannot be satisfied and returns ErrInvalidPrice.
func (c InstrumentConstraints) NormalizeQuantity(price, qty decimal.Decimal) (decimal.Decimal, bool, error) {
	if !price.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	floored := c.FloorQuantity(qty)
	q := floored

	if q.LessThan(c.StepSize()) {
		q = c.StepSize()
	}
	if q.LessThan(c.MinBaseAmount) {
		q = c.ceilQuantity(c.MinBaseAmount)
	}
	if c.MinNotional.IsPositive() && q.Mul(price).LessThan(c.MinNotional) {
		q = c.ceilQuantity(c.MinNotional.Div(price))
	}

	return q, !q.Equal(floored), nil
}

func (c InstrumentConstraints) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrSymbolNotFound)
	}
	if c.PricePrecision < 0 || c.SizePrecision < 0 {
		return fmt.Errorf("invalid precision for %s: price=%d size=%d", c.Symbol, c.PricePrecision, c.SizePrecision)
	}
	if c.TickSize.IsNegative() || c.QtyStep.IsNegative() {
		return fmt.Errorf("invalid steps for %s: tick=%s qty=%s", c.Symbol, c.TickSize, c.QtyStep)
	}
	if c.MinNotional.IsNegative() || c.MinBaseAmount.IsNegative() {
		return fmt.Errorf("invalid minimums for %s", c.Symbol)
	}
	return nil
}
