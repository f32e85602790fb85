package strategy

import (
	"github.com/moznion/go-optional"

	"github.com/quantfold/tradebot/internal/indicator"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// BollingerReversionName is the registry name of the Bollinger band
// mean-reversion strategy.
const BollingerReversionName = "bollinger_reversion"

// BollingerReversion goes long when the close breaks below the lower band and
// short when it breaks above the upper band. Stops are placed 1.5 ATR from
// entry with a 2:1 reward-to-risk take profit.
type BollingerReversion struct {
	period     int
	stdDevMult float64
	atrPeriod  int
	lookback   int
	riskMult   float64
	rewardMult float64
}

// NewBollingerReversion builds the strategy from config parameters. Accepted
// keys: period, std_dev, atr_period, lookback.
func NewBollingerReversion(params map[string]any) (Strategy, error) {
	period, err := intParam(params, "period", 20)
	if err != nil {
		return nil, err
	}

	stdDevMult, err := floatParam(params, "std_dev", 1)
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

	if period <= 1 || atrPeriod <= 0 || stdDevMult <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidParameter, "bollinger periods and std_dev must be positive")
	}

	if lookback < period || lookback < atrPeriod {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "lookback %d shorter than indicator periods", lookback)
	}

	return &BollingerReversion{
		period:     period,
		stdDevMult: stdDevMult,
		atrPeriod:  atrPeriod,
		lookback:   lookback,
		riskMult:   1.5,
		rewardMult: 2.0,
	}, nil
}

func (s *BollingerReversion) Name() string { return BollingerReversionName }

func (s *BollingerReversion) Lookback() int { return s.lookback }

func (s *BollingerReversion) MinBars() int {
	if s.period > s.atrPeriod {
		return s.period
	}

	return s.atrPeriod
}

// Evaluate annotates the latest bar of the window.
func (s *BollingerReversion) Evaluate(window []types.Bar) ([]Annotation, error) {
	bands, err := indicator.Bollinger(window, s.period, s.stdDevMult)
	if err != nil {
		return nil, err
	}

	atr, err := indicator.ATR(window, s.atrPeriod)
	if err != nil {
		return nil, err
	}

	last := window[len(window)-1]
	indicators := map[string]float64{
		"bb_middle": bands.Middle,
		"bb_upper":  bands.Upper,
		"bb_lower":  bands.Lower,
		"bb_width":  bands.Width,
		"atr":       atr,
	}

	signal := types.NoSignal()
	signal.Indicators = indicators

	risk := s.riskMult * atr

	switch {
	case last.Close < bands.Lower:
		signal.Action = types.SignalOpenLong
		signal.EntryPrice = last.Close
		signal.StopLoss = optional.Some(last.Close - risk)
		signal.TakeProfit = optional.Some(last.Close + s.rewardMult*risk)
		signal.Confidence = reversionConfidence(bands.Lower-last.Close, bands.Width)
	case last.Close > bands.Upper:
		signal.Action = types.SignalOpenShort
		signal.EntryPrice = last.Close
		signal.StopLoss = optional.Some(last.Close + risk)
		signal.TakeProfit = optional.Some(last.Close - s.rewardMult*risk)
		signal.Confidence = reversionConfidence(last.Close-bands.Upper, bands.Width)
	}

	return []Annotation{{Signal: signal}}, nil
}

// reversionConfidence scales band penetration depth against band width into
// [0, 1]. A touch scores low; a close a full band-width outside scores 1.
func reversionConfidence(penetration, width float64) float64 {
	if width <= 0 {
		return 1
	}

	c := 0.5 + penetration/width
	if c > 1 {
		return 1
	}

	if c < 0 {
		return 0
	}

	return c
}

var _ Strategy = (*BollingerReversion)(nil)
