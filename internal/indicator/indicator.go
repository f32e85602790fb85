// Package indicator provides rolling technical indicator calculations over
// chronological bar windows. All functions operate on the trailing end of the
// slice so callers can pass the full window without trimming it first.
package indicator

import (
	"math"

	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// SMA returns the simple moving average of the closing prices of the last
// period bars.
func SMA(bars []types.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidParameter, "period must be positive, got %d", period)
	}

	if len(bars) < period {
		return 0, errors.NewInsufficientDataErrorf(period, len(bars), symbolOf(bars), "need %d bars, have %d", period, len(bars))
	}

	sum := 0.0
	for _, bar := range bars[len(bars)-period:] {
		sum += bar.Close
	}

	return sum / float64(period), nil
}

// EMA returns the exponential moving average of the closing prices, seeded
// with an SMA over the first period bars and smoothed across the remainder
// of the window.
func EMA(bars []types.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidParameter, "period must be positive, got %d", period)
	}

	if len(bars) < period {
		return 0, errors.NewInsufficientDataErrorf(period, len(bars), symbolOf(bars), "need %d bars, have %d", period, len(bars))
	}

	seed := 0.0
	for _, bar := range bars[:period] {
		seed += bar.Close
	}

	ema := seed / float64(period)
	multiplier := 2.0 / (float64(period) + 1.0)

	for _, bar := range bars[period:] {
		ema = (bar.Close-ema)*multiplier + ema
	}

	return ema, nil
}

// TypicalPriceStdDev returns the mean and population standard deviation of
// the typical price (high+low+close)/3 over the last period bars.
func TypicalPriceStdDev(bars []types.Bar, period int) (mean float64, stdDev float64, err error) {
	if period <= 0 {
		return 0, 0, errors.Newf(errors.ErrCodeInvalidParameter, "period must be positive, got %d", period)
	}

	if len(bars) < period {
		return 0, 0, errors.NewInsufficientDataErrorf(period, len(bars), symbolOf(bars), "need %d bars, have %d", period, len(bars))
	}

	window := bars[len(bars)-period:]

	sum := 0.0
	for _, bar := range window {
		sum += typicalPrice(bar)
	}

	mean = sum / float64(period)

	variance := 0.0
	for _, bar := range window {
		d := typicalPrice(bar) - mean
		variance += d * d
	}

	return mean, math.Sqrt(variance / float64(period)), nil
}

// ATR returns the average true range over the last period bars. The true
// range of the first bar of the window falls back to high-low when no prior
// close is available.
func ATR(bars []types.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidParameter, "period must be positive, got %d", period)
	}

	if len(bars) < period {
		return 0, errors.NewInsufficientDataErrorf(period, len(bars), symbolOf(bars), "need %d bars, have %d", period, len(bars))
	}

	start := len(bars) - period
	sum := 0.0

	for i := start; i < len(bars); i++ {
		tr := bars[i].High - bars[i].Low
		if i > 0 {
			prevClose := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(bars[i].High-prevClose), math.Abs(bars[i].Low-prevClose)))
		}

		sum += tr
	}

	return sum / float64(period), nil
}

// BollingerBands holds a single Bollinger band sample computed from the
// typical price of the window.
type BollingerBands struct {
	Middle float64
	Upper  float64
	Lower  float64
	Width  float64
}

// Bollinger returns the Bollinger bands over the last period bars with the
// given standard deviation multiplier.
func Bollinger(bars []types.Bar, period int, stdDevMult float64) (BollingerBands, error) {
	mean, stdDev, err := TypicalPriceStdDev(bars, period)
	if err != nil {
		return BollingerBands{}, err
	}

	upper := mean + stdDevMult*stdDev
	lower := mean - stdDevMult*stdDev

	return BollingerBands{
		Middle: mean,
		Upper:  upper,
		Lower:  lower,
		Width:  upper - lower,
	}, nil
}

func symbolOf(bars []types.Bar) string {
	if len(bars) == 0 {
		return ""
	}

	return bars[0].Symbol
}

func typicalPrice(bar types.Bar) float64 {
	return (bar.High + bar.Low + bar.Close) / 3.0
}
