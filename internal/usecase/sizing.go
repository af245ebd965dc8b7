package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

// BaseQuantity converts a USD notional into an order quantity at price,
// floored to the lot step and raised to the exchange minimums.
func BaseQuantity(notional, price decimal.Decimal, c domain.InstrumentConstraints) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: notional %s", domain.ErrInvalidQuantity, notional)
	}
	qty, _, err := c.NormalizeQuantity(price, notional.Div(price))
	return qty, err
}

// NormalizeOrder quantizes an order before submission. Quantities under the
// exchange minimums are raised to the smallest valid size; a non-positive
// price cannot be fixed and is returned as ErrInvalidPrice.
func NormalizeOrder(price, qty decimal.Decimal, c domain.InstrumentConstraints) (decimal.Decimal, decimal.Decimal, bool, error) {
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	p := c.QuantizePrice(price)
	if !p.IsPositive() {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("%w: %s rounds to zero", domain.ErrInvalidPrice, price)
	}
	q, adjusted, err := c.NormalizeQuantity(p, qty)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	return p, q, adjusted, nil
}
