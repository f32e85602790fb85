// Package strategy defines the pure decision functions the engine runs over
// its rolling bar window, plus the registries that resolve strategies and
// cancellation policies by name at bot construction time.
package strategy

import (
	"time"

	"github.com/quantfold/tradebot/internal/types"
)

// Strategy is a pure function over a chronological bar window. Implementations
// must not hold broker handles or mutate the window; the engine calls Evaluate
// once per accepted bar and reads the last annotation.
type Strategy interface {
	// Name returns the registered strategy name.
	Name() string
	// Lookback returns the maximum number of bars the rolling window retains.
	Lookback() int
	// MinBars returns the minimum bars required before Evaluate produces
	// actionable annotations.
	MinBars() int
	// Evaluate annotates the window with trade decisions. The engine acts on
	// the last annotation only; earlier entries are informational.
	Evaluate(window []types.Bar) ([]Annotation, error)
}

// Annotation is one evaluated row of the window: the action the strategy
// wants taken at that bar plus its bracket prices and indicator snapshot.
type Annotation struct {
	Signal types.TradeSignal
}

// CancellationPolicy decides whether an outstanding order should be cancelled
// given a live quote and the order's age. Policies are pure; they never call
// the broker themselves.
type CancellationPolicy interface {
	// Name returns the registered policy name.
	Name() string
	// ShouldCancel reports whether the order should be cancelled now.
	ShouldCancel(tick types.Tick, order types.OrderInfo, now time.Time) bool
}
