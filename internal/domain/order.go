package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
)

func (p PositionType) Opposite() PositionType {
	if p == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// EntrySide is the order side that opens exposure for the position type.
func (p PositionType) EntrySide() Side {
	if p == PositionLong {
		return SideBuy
	}
	return SideSell
}

// ExitSide is the order side that closes exposure for the position type.
func (p PositionType) ExitSide() Side {
	return p.EntrySide().Opposite()
}

type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is an open order this process placed (or adopted at startup).
type Order struct {
	ID                string          `json:"order_id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	PositionType      PositionType    `json:"position_type"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// IsEntry reports whether the order opens exposure for its position type.
func (o Order) IsEntry() bool {
	return o.Side == o.PositionType.EntrySide()
}

// FilledQuantity is the part of the order already credited to the position.
func (o Order) FilledQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.RemainingQuantity)
}

func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty order id", ErrInvalidOrder)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if o.PositionType != PositionLong && o.PositionType != PositionShort {
		return fmt.Errorf("%w: position type %q", ErrInvalidOrder, o.PositionType)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidPrice, o.Price)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ErrInvalidQuantity, o.Quantity)
	}
	if o.RemainingQuantity.IsNegative() || o.RemainingQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: remaining %s of %s", ErrInvalidQuantity, o.RemainingQuantity, o.Quantity)
	}
	return nil
}

// InferPositionType classifies an order the exchange does not label.
// A buy opens a long unless a short is held, in which case it closes the short;
// a sell opens a short unless a long is held, in which case it closes the long.
func InferPositionType(side Side, pos Position) PositionType {
	if side == SideBuy {
		if pos.ShortSize.IsPositive() {
			return PositionShort
		}
		return PositionLong
	}
	if pos.LongSize.IsPositive() {
		return PositionLong
	}
	return PositionShort
}

// ExchangeOrder is one entry of the exchange-reported active order list.
type ExchangeOrder struct {
	OrderID         string          `json:"order_id"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          string          `json:"status"`
}

var activeStatuses = map[string]bool{
	"active":  true,
	"open":    true,
	"pending": true,
	"live":    true,
}

// IsActive reports whether the exchange still treats the order as resting.
func (o ExchangeOrder) IsActive() bool {
	return activeStatuses[strings.ToLower(o.Status)] && o.RemainingAmount.IsPositive()
}

type OrderEventType string

const (
	EventFill        OrderEventType = "fill"
	EventPartialFill OrderEventType = "partial_fill"
	EventCancel      OrderEventType = "cancel"
)

// OrderEvent is an explicit lifecycle notification pushed by the exchange.
// CumulativeFilled is the total executed quantity of the order so far.
type OrderEvent struct {
	OrderID          string          `json:"order_id"`
	Type             OrderEventType  `json:"type"`
	CumulativeFilled decimal.Decimal `json:"cumulative_filled"`
	Price            decimal.Decimal `json:"price"`
}

// AccountOrdersUpdate is a single message of the account order feed.
// Snapshot is only meaningful when HasSnapshot is set; feeds that push
// incremental changes leave it empty and carry Events instead.
type AccountOrdersUpdate struct {
	Snapshot    []ExchangeOrder
	HasSnapshot bool
	Events      []OrderEvent
	At          time.Time
}

type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForcePostOnly TimeInForce = "PostOnly"
)

type LimitOrderRequest struct {
	Symbol       string
	Side         Side
	PositionType PositionType
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	TimeInForce  TimeInForce
	ReduceOnly   bool
}

type MarketOrderRequest struct {
	Symbol       string
	Side         Side
	PositionType PositionType
	Quantity     decimal.Decimal
	ReduceOnly   bool
}

// Fill is a position-changing execution applied by the bot.
type Fill struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	PositionType PositionType    `json:"position_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Source       string          `json:"source"` // "event", "vanished", "risk"
	CreatedAt    time.Time       `json:"created_at"`
}
