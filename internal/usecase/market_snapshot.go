package usecase

import "github.com/shopspring/decimal"

// MarketSnapshot holds the latest top of book. Zero values mean no price yet.
type MarketSnapshot struct {
	MidPrice decimal.Decimal `json:"mid_price"`
	BestBid  decimal.Decimal `json:"best_bid"`
	BestAsk  decimal.Decimal `json:"best_ask"`

	lastEvaluated decimal.Decimal
}

var two = decimal.NewFromInt(2)

// Update stores a new bid/ask pair. Crossed or non-positive quotes are ignored.
func (s *MarketSnapshot) Update(bid, ask decimal.Decimal) bool {
	if !bid.IsPositive() || !ask.IsPositive() || bid.GreaterThan(ask) {
		return false
	}
	s.BestBid = bid
	s.BestAsk = ask
	s.MidPrice = bid.Add(ask).Div(two)
	return true
}

func (s *MarketSnapshot) HasPrice() bool {
	return s.MidPrice.IsPositive()
}

// MovedSinceEvaluation reports whether the mid has moved by at least threshold
// (relative) since the last MarkEvaluated call. The first observed price
// always counts as a move.
func (s *MarketSnapshot) MovedSinceEvaluation(threshold decimal.Decimal) bool {
	if !s.HasPrice() {
		return false
	}
	if !s.lastEvaluated.IsPositive() {
		return true
	}
	change := s.MidPrice.Sub(s.lastEvaluated).Abs().Div(s.lastEvaluated)
	return change.GreaterThanOrEqual(threshold)
}

func (s *MarketSnapshot) MarkEvaluated() {
	s.lastEvaluated = s.MidPrice
}

func (s *MarketSnapshot) LastEvaluated() decimal.Decimal {
	return s.lastEvaluated
}
