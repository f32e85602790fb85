package strategy

import (
	"github.com/moznion/go-optional"

	"github.com/quantfold/tradebot/internal/indicator"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// MACrossoverName is the registry name of the moving average crossover
// strategy.
const MACrossoverName = "ma_crossover"

// MACrossover opens in the direction of a fast/slow EMA crossover, closing an
// opposite-direction market view when the cross flips back. Brackets are
// ATR-based: 3 ATR stop, 4 ATR take profit.
type MACrossover struct {
	fastPeriod int
	slowPeriod int
	atrPeriod  int
	lookback   int
}

// NewMACrossover builds the strategy from config parameters. Accepted keys:
// fast_period, slow_period, atr_period, lookback.
func NewMACrossover(params map[string]any) (Strategy, error) {
	fast, err := intParam(params, "fast_period", 10)
	if err != nil {
		return nil, err
	}

	slow, err := intParam(params, "slow_period", 80)
	if err != nil {
		return nil, err
	}

	atrPeriod, err := intParam(params, "atr_period", 14)
	if err != nil {
		return nil, err
	}

	lookback, err := intParam(params, "lookback", 200)
	if err != nil {
		return nil, err
	}

	if fast <= 0 || slow <= fast {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "slow period %d must exceed fast period %d", slow, fast)
	}

	if lookback < slow+1 || lookback < atrPeriod {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "lookback %d shorter than indicator periods", lookback)
	}

	return &MACrossover{
		fastPeriod: fast,
		slowPeriod: slow,
		atrPeriod:  atrPeriod,
		lookback:   lookback,
	}, nil
}

func (s *MACrossover) Name() string { return MACrossoverName }

func (s *MACrossover) Lookback() int { return s.lookback }

// MinBars needs one bar beyond the slow period so the previous cross state
// can be computed.
func (s *MACrossover) MinBars() int {
	min := s.slowPeriod + 1
	if s.atrPeriod+1 > min {
		min = s.atrPeriod + 1
	}

	return min
}

// Evaluate annotates the latest bar of the window.
func (s *MACrossover) Evaluate(window []types.Bar) ([]Annotation, error) {
	fast, err := indicator.EMA(window, s.fastPeriod)
	if err != nil {
		return nil, err
	}

	slow, err := indicator.EMA(window, s.slowPeriod)
	if err != nil {
		return nil, err
	}

	prev := window[:len(window)-1]

	prevFast, err := indicator.EMA(prev, s.fastPeriod)
	if err != nil {
		return nil, err
	}

	prevSlow, err := indicator.EMA(prev, s.slowPeriod)
	if err != nil {
		return nil, err
	}

	atr, err := indicator.ATR(window, s.atrPeriod)
	if err != nil {
		return nil, err
	}

	last := window[len(window)-1]
	indicators := map[string]float64{
		"ema_fast": fast,
		"ema_slow": slow,
		"atr":      atr,
	}

	signal := types.NoSignal()
	signal.Indicators = indicators

	crossedUp := prevFast <= prevSlow && fast > slow
	crossedDown := prevFast >= prevSlow && fast < slow

	switch {
	case crossedUp:
		signal.Action = types.SignalOpenLong
		signal.EntryPrice = last.Close
		signal.StopLoss = optional.Some(last.Close - 3.0*atr)
		signal.TakeProfit = optional.Some(last.Close + 4.0*atr)
		signal.Confidence = crossConfidence(fast-slow, atr)
	case crossedDown:
		signal.Action = types.SignalOpenShort
		signal.EntryPrice = last.Close
		signal.StopLoss = optional.Some(last.Close + 3.0*atr)
		signal.TakeProfit = optional.Some(last.Close - 4.0*atr)
		signal.Confidence = crossConfidence(slow-fast, atr)
	}

	return []Annotation{{Signal: signal}}, nil
}

// crossConfidence scales the EMA separation against ATR into [0, 1].
func crossConfidence(separation, atr float64) float64 {
	if atr <= 0 {
		return 1
	}

	c := 0.5 + separation/(2*atr)
	if c > 1 {
		return 1
	}

	if c < 0 {
		return 0
	}

	return c
}

var _ Strategy = (*MACrossover)(nil)
