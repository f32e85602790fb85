package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quantfold/tradebot/pkg/errors"
)

// Default order management rules, applied when a bot config leaves them unset.
const (
	DefaultCancelIfPriceMovesTicks = 5
	DefaultOrderTimeout            = 5 * time.Minute
	DefaultMaxSlippageTicks        = 2
	DefaultQuantity                = 1.0
	DefaultTickSize                = 0.01
	DefaultFlattenDivergence       = 1.0
)

// OrderRules is the per-bot order management configuration. It is immutable
// for the bot's lifetime.
type OrderRules struct {
	// CancelIfPriceMovesTicks cancels an unfilled order once the market moves
	// this many ticks away from its limit price.
	CancelIfPriceMovesTicks int `yaml:"cancel_if_price_moves_ticks" json:"cancel_if_price_moves_ticks" jsonschema:"description=Cancel unfilled orders after this many ticks of adverse movement" validate:"gt=0"`
	// OrderTimeout cancels an order left unfilled this long after submission.
	OrderTimeout time.Duration `yaml:"order_timeout" json:"order_timeout" jsonschema:"description=Cancel unfilled orders after this duration" validate:"gt=0"`
	// MaxSlippageTicks bounds accepted slippage between the expected and the
	// reported fill price before the fill is flagged.
	MaxSlippageTicks int `yaml:"max_slippage_ticks" json:"max_slippage_ticks" jsonschema:"description=Maximum accepted fill slippage in ticks" validate:"gte=0"`
	// DefaultQuantity sizes each new bracket.
	DefaultQuantity float64 `yaml:"default_quantity" json:"default_quantity" jsonschema:"description=Quantity for each new bracket order" validate:"gt=0"`
	// TickSize is the instrument's minimum price increment.
	TickSize float64 `yaml:"tick_size" json:"tick_size" jsonschema:"description=Minimum price increment for the instrument" validate:"gt=0"`
	// FlattenDivergenceQty triggers an emergency flatten when the broker's
	// reported position diverges from the locally tracked one by at least
	// this quantity.
	FlattenDivergenceQty float64 `yaml:"flatten_divergence_qty" json:"flatten_divergence_qty" jsonschema:"description=Position divergence quantity that triggers an emergency flatten" validate:"gt=0"`
}

// DefaultOrderRules returns rules with every field at its default.
func DefaultOrderRules() OrderRules {
	return OrderRules{
		CancelIfPriceMovesTicks: DefaultCancelIfPriceMovesTicks,
		OrderTimeout:            DefaultOrderTimeout,
		MaxSlippageTicks:        DefaultMaxSlippageTicks,
		DefaultQuantity:         DefaultQuantity,
		TickSize:                DefaultTickSize,
		FlattenDivergenceQty:    DefaultFlattenDivergence,
	}
}

// Normalize fills unset fields with defaults, returning the completed rules.
func (r OrderRules) Normalize() OrderRules {
	if r.CancelIfPriceMovesTicks == 0 {
		r.CancelIfPriceMovesTicks = DefaultCancelIfPriceMovesTicks
	}

	if r.OrderTimeout == 0 {
		r.OrderTimeout = DefaultOrderTimeout
	}

	if r.DefaultQuantity == 0 {
		r.DefaultQuantity = DefaultQuantity
	}

	if r.TickSize == 0 {
		r.TickSize = DefaultTickSize
	}

	if r.FlattenDivergenceQty == 0 {
		r.FlattenDivergenceQty = DefaultFlattenDivergence
	}

	return r
}

// Validate validates the OrderRules struct.
func (r *OrderRules) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRules, "invalid order rules", err)
	}

	return nil
}
