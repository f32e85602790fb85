package types

import (
	"time"

	"github.com/moznion/go-optional"
)

// Bar is a single OHLCV candle for one instrument. Bars are immutable once
// produced; the decision engine owns the only rolling window they land in.
type Bar struct {
	Symbol string    `yaml:"symbol" json:"symbol" validate:"required"`
	Time   time.Time `yaml:"time" json:"time" validate:"required"`
	Open   float64   `yaml:"open" json:"open" validate:"gt=0"`
	High   float64   `yaml:"high" json:"high" validate:"gt=0"`
	Low    float64   `yaml:"low" json:"low" validate:"gt=0"`
	Close  float64   `yaml:"close" json:"close" validate:"gt=0"`
	Volume float64   `yaml:"volume" json:"volume" validate:"gte=0"`
}

// Tick is a real-time quote update used by the order monitor while orders
// are outstanding.
type Tick struct {
	Symbol string    `yaml:"symbol" json:"symbol"`
	Time   time.Time `yaml:"time" json:"time"`
	Bid    float64   `yaml:"bid" json:"bid"`
	Ask    float64   `yaml:"ask" json:"ask"`
	Last   float64   `yaml:"last" json:"last"`
}

// BestPrice returns the best available price estimate for the tick:
// last trade first, then bid/ask midpoint, then whichever side is present.
// None is returned when the tick carries no usable price.
func (t Tick) BestPrice() optional.Option[float64] {
	if t.Last > 0 {
		return optional.Some(t.Last)
	}

	if t.Bid > 0 && t.Ask > 0 {
		return optional.Some((t.Bid + t.Ask) / 2)
	}

	if t.Bid > 0 {
		return optional.Some(t.Bid)
	}

	if t.Ask > 0 {
		return optional.Some(t.Ask)
	}

	return optional.None[float64]()
}
