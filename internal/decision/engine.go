// Package decision hosts the engine that turns a stream of bars into trade
// signals. The engine owns the rolling window and calls the strategy; it
// never touches the broker.
package decision

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/strategy"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// Engine feeds accepted bars into a rolling window and evaluates the strategy
// once per bar. It is deterministic: identical bar sequences produce identical
// results. Not safe for concurrent use; each bot owns its engine.
type Engine struct {
	strat      strategy.Strategy
	log        *logger.Logger
	sink       telemetry.Sink
	window     []types.Bar
	lastAction types.SignalAction
}

// NewEngine creates a decision engine for one strategy instance.
func NewEngine(strat strategy.Strategy, log *logger.Logger, sink telemetry.Sink) *Engine {
	return &Engine{
		strat:      strat,
		log:        log.Named("decision"),
		sink:       sink,
		window:     make([]types.Bar, 0, strat.Lookback()),
		lastAction: types.SignalNone,
	}
}

// WindowSize returns the number of bars currently held.
func (e *Engine) WindowSize() int {
	return len(e.window)
}

// ProcessBar validates and appends one bar, then evaluates the strategy over
// the updated window. Out-of-order and duplicate bars are rejected with the
// window left untouched. A strategy evaluation failure is logged and degrades
// to a no-action result; the window is kept so later bars still evaluate.
func (e *Engine) ProcessBar(bar types.Bar) (types.CandleResult, error) {
	if err := e.acceptBar(bar); err != nil {
		return types.CandleResult{}, err
	}

	e.sink.Publish(telemetry.Event{
		Time:     bar.Time,
		Type:     telemetry.EventNewBar,
		Symbol:   bar.Symbol,
		Strategy: e.strat.Name(),
		Message:  "bar accepted",
		Fields: map[string]string{
			"close":  strconv.FormatFloat(bar.Close, 'f', -1, 64),
			"window": strconv.Itoa(len(e.window)),
		},
	})

	signal := e.evaluate(bar)

	changed := signal.Action != e.lastAction
	e.lastAction = signal.Action

	result := types.CandleResult{
		Symbol:        bar.Symbol,
		BarTime:       bar.Time,
		CurrentPrice:  bar.Close,
		Signal:        signal,
		SignalChanged: changed,
		Indicators:    signal.Indicators,
	}

	e.sink.Publish(telemetry.Event{
		Time:     bar.Time,
		Type:     telemetry.EventDecision,
		Symbol:   bar.Symbol,
		Strategy: e.strat.Name(),
		Message:  fmt.Sprintf("decision %s", signal.Action),
		Fields: map[string]string{
			"changed":    strconv.FormatBool(changed),
			"confidence": strconv.FormatFloat(signal.Confidence, 'f', 4, 64),
		},
	})

	return result, nil
}

// acceptBar validates chronology and appends the bar, evicting the oldest
// once the window is at capacity.
func (e *Engine) acceptBar(bar types.Bar) error {
	if len(e.window) > 0 {
		last := e.window[len(e.window)-1]

		if bar.Time.Equal(last.Time) {
			return errors.Newf(errors.ErrCodeDuplicateBar,
				"duplicate bar for %s at %s", bar.Symbol, bar.Time.Format("2006-01-02T15:04:05Z07:00"))
		}

		if bar.Time.Before(last.Time) {
			return errors.Newf(errors.ErrCodeOutOfOrderBar,
				"out of order bar for %s: %s before window head %s",
				bar.Symbol, bar.Time.Format("2006-01-02T15:04:05Z07:00"), last.Time.Format("2006-01-02T15:04:05Z07:00"))
		}
	}

	if len(e.window) == e.strat.Lookback() {
		// Shift in place to keep the backing array stable.
		copy(e.window, e.window[1:])
		e.window[len(e.window)-1] = bar

		return nil
	}

	e.window = append(e.window, bar)

	return nil
}

// evaluate runs the strategy over the window, degrading every failure mode to
// a no-action signal.
func (e *Engine) evaluate(bar types.Bar) types.TradeSignal {
	if len(e.window) < e.strat.MinBars() {
		e.log.Debug("window below strategy minimum",
			zap.String("symbol", bar.Symbol),
			zap.Int("have", len(e.window)),
			zap.Int("need", e.strat.MinBars()),
		)

		return types.NoSignal()
	}

	annotations, err := e.strat.Evaluate(e.window)
	if err != nil {
		e.log.Error("strategy evaluation failed",
			zap.String("symbol", bar.Symbol),
			zap.String("strategy", e.strat.Name()),
			zap.Time("bar_time", bar.Time),
			zap.Error(err),
		)

		return types.NoSignal()
	}

	if len(annotations) == 0 {
		e.log.Warn("strategy returned no annotations",
			zap.String("symbol", bar.Symbol),
			zap.String("strategy", e.strat.Name()),
		)

		return types.NoSignal()
	}

	signal := annotations[len(annotations)-1].Signal
	if err := signal.Validate(); err != nil {
		e.log.Error("strategy produced invalid signal",
			zap.String("symbol", bar.Symbol),
			zap.String("strategy", e.strat.Name()),
			zap.Error(err),
		)

		return types.NoSignal()
	}

	return signal
}
