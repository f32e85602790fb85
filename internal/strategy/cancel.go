package strategy

import (
	"time"

	"github.com/quantfold/tradebot/internal/types"
)

// StalePendingPolicyName is the registry name of the built-in stale order
// cancellation policy.
const StalePendingPolicyName = "stale_pending"

// defaultStaleAge is how long an unfilled order may sit before the policy
// asks for cancellation.
const defaultStaleAge = 5 * time.Minute

// StalePendingPolicy cancels orders that are still unfilled after a fixed
// age, regardless of where the market has moved.
type StalePendingPolicy struct {
	maxAge time.Duration
}

// NewStalePendingPolicy creates the policy with the default five minute age.
func NewStalePendingPolicy() *StalePendingPolicy {
	return &StalePendingPolicy{maxAge: defaultStaleAge}
}

// NewStalePendingPolicyWithAge creates the policy with a custom age.
func NewStalePendingPolicyWithAge(maxAge time.Duration) *StalePendingPolicy {
	return &StalePendingPolicy{maxAge: maxAge}
}

func (p *StalePendingPolicy) Name() string { return StalePendingPolicyName }

// ShouldCancel reports true once the order has been outstanding and unfilled
// for longer than the configured age.
func (p *StalePendingPolicy) ShouldCancel(_ types.Tick, order types.OrderInfo, now time.Time) bool {
	if now.Sub(order.SubmitTime) < p.maxAge {
		return false
	}

	return order.IsOutstanding() && order.FilledQuantity < order.Quantity
}

var _ CancellationPolicy = (*StalePendingPolicy)(nil)
