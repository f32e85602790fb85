package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/quantfold/tradebot/pkg/errors"
)

// SignalAction is the normalized trade action emitted by the decision engine.
type SignalAction string

const (
	// SignalOpenLong opens a new long bracket.
	SignalOpenLong SignalAction = "OPEN_LONG"
	// SignalOpenShort opens a new short bracket.
	SignalOpenShort SignalAction = "OPEN_SHORT"
	// SignalClosePosition closes the current position with an offsetting order.
	SignalClosePosition SignalAction = "CLOSE_POSITION"
	// SignalNone means no trade action for this bar.
	SignalNone SignalAction = "NONE"
)

// IsOpen reports whether the action opens a new bracket.
func (a SignalAction) IsOpen() bool {
	return a == SignalOpenLong || a == SignalOpenShort
}

// TradeSignal is produced fresh for each bar and never mutated after emission.
type TradeSignal struct {
	Action     SignalAction `yaml:"action" json:"action" validate:"required,oneof=OPEN_LONG OPEN_SHORT CLOSE_POSITION NONE"`
	EntryPrice float64      `yaml:"entry_price" json:"entry_price" validate:"gte=0"`
	// TakeProfit is the take profit price. None if the strategy did not set one.
	TakeProfit optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
	// StopLoss is the stop loss price. None if the strategy did not set one.
	StopLoss optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	// Confidence is the strategy's confidence in the signal, in [0, 1].
	Confidence float64 `yaml:"confidence" json:"confidence" validate:"gte=0,lte=1"`
	// Indicators is a snapshot of indicator values at signal time, for logging.
	Indicators map[string]float64 `yaml:"indicators" json:"indicators"`
}

// NoSignal returns the inert signal emitted when a strategy has nothing to say
// or its evaluation failed.
func NoSignal() TradeSignal {
	return TradeSignal{
		Action:     SignalNone,
		EntryPrice: 0,
		TakeProfit: optional.None[float64](),
		StopLoss:   optional.None[float64](),
		Confidence: 0,
		Indicators: nil,
	}
}

// Validate validates the TradeSignal struct.
func (s *TradeSignal) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidSignal, "invalid trade signal", err)
	}

	if s.Action.IsOpen() && s.EntryPrice <= 0 {
		return errors.Newf(errors.ErrCodeInvalidSignal, "open signal %s requires a positive entry price", s.Action)
	}

	if s.TakeProfit.IsSome() && s.TakeProfit.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeInvalidTakeProfit, "take profit price must be positive")
	}

	if s.StopLoss.IsSome() && s.StopLoss.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeInvalidStopLoss, "stop loss price must be positive")
	}

	return nil
}

// CandleResult is the decision engine's output envelope for one processed bar.
// Read-only after creation.
type CandleResult struct {
	Symbol        string             `yaml:"symbol" json:"symbol"`
	BarTime       time.Time          `yaml:"bar_time" json:"bar_time"`
	CurrentPrice  float64            `yaml:"current_price" json:"current_price"`
	Signal        TradeSignal        `yaml:"signal" json:"signal"`
	SignalChanged bool               `yaml:"signal_changed" json:"signal_changed"`
	Indicators    map[string]float64 `yaml:"indicators" json:"indicators"`
}
