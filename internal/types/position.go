package types

import "math"

// Position represents the current net holdings for one instrument. It is
// derived from filled orders, recomputed on every fill or flatten event.
// Single-writer (the order lifecycle manager), multi-reader.
type Position struct {
	Symbol        string  `yaml:"symbol" json:"symbol"`
	NetQuantity   float64 `yaml:"net_quantity" json:"net_quantity"`
	AvgEntryPrice float64 `yaml:"avg_entry_price" json:"avg_entry_price"`
}

// IsFlat reports whether the position holds no exposure.
func (p Position) IsFlat() bool {
	return p.NetQuantity == 0
}

// ApplyFill folds one filled order into the position. Buys increase net
// quantity, sells decrease it. Entries in the direction of the position
// recompute the volume-weighted average entry price; fills that reduce or
// flip the position keep the entry price of the remaining exposure, and a
// flat position resets it.
func (p Position) ApplyFill(side OrderSide, quantity, price float64) Position {
	signed := quantity
	if side == OrderSideSell {
		signed = -quantity
	}

	next := Position{
		Symbol:        p.Symbol,
		NetQuantity:   p.NetQuantity + signed,
		AvgEntryPrice: p.AvgEntryPrice,
	}

	switch {
	case next.NetQuantity == 0:
		next.AvgEntryPrice = 0
	case p.NetQuantity == 0:
		next.AvgEntryPrice = price
	case sameSign(p.NetQuantity, signed):
		// Adding in the direction of the position.
		prevAbs := math.Abs(p.NetQuantity)
		addAbs := math.Abs(signed)
		next.AvgEntryPrice = (p.AvgEntryPrice*prevAbs + price*addAbs) / (prevAbs + addAbs)
	case !sameSign(p.NetQuantity, next.NetQuantity):
		// Position flipped; the remainder was entered at this fill's price.
		next.AvgEntryPrice = price
	}

	return next
}

// UnrealizedPnL returns the open profit or loss at the given price.
func (p Position) UnrealizedPnL(currentPrice float64) float64 {
	if p.IsFlat() {
		return 0
	}

	return (currentPrice - p.AvgEntryPrice) * p.NetQuantity
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
