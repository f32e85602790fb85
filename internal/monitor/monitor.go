// Package monitor tracks outstanding orders against the live quote stream.
// The monitor owns the tick subscription window: subscribed exactly while at
// least one order is outstanding, unsubscribed the moment none are.
package monitor

import (
	"context"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/strategy"
	"github.com/quantfold/tradebot/internal/types"
)

// Monitor manages the tick subscription and evaluates the optional
// cancellation policy. It holds no goroutine of its own: the owning bot
// selects on Ticks and calls Evaluate, keeping all order state single
// threaded.
type Monitor struct {
	broker broker.Broker
	log    *logger.Logger
	symbol string
	policy optional.Option[strategy.CancellationPolicy]

	ticks <-chan types.Tick
}

// NewMonitor creates a monitor for one instrument. The cancellation policy is
// an optional capability: None means ticks are watched but nothing custom
// ever fires.
func NewMonitor(b broker.Broker, symbol string, policy optional.Option[strategy.CancellationPolicy], log *logger.Logger) *Monitor {
	return &Monitor{
		broker: b,
		log:    log.Named("monitor").With(zap.String("symbol", symbol)),
		symbol: symbol,
		policy: policy,
	}
}

// Active reports whether the tick subscription is currently open.
func (m *Monitor) Active() bool {
	return m.ticks != nil
}

// Ticks returns the live quote channel, or nil while inactive. A nil channel
// blocks forever in a select, so callers can include it unconditionally.
func (m *Monitor) Ticks() <-chan types.Tick {
	return m.ticks
}

// Sync aligns the subscription with the outstanding order count: subscribe on
// the first outstanding order, unsubscribe when none remain.
func (m *Monitor) Sync(ctx context.Context, outstanding int) error {
	switch {
	case outstanding >= 1 && m.ticks == nil:
		ticks, err := m.broker.SubscribeTicks(ctx, m.symbol)
		if err != nil {
			return err
		}

		m.ticks = ticks
		m.log.Debug("tick monitoring started", zap.Int("outstanding", outstanding))
	case outstanding == 0 && m.ticks != nil:
		if err := m.broker.UnsubscribeTicks(m.symbol); err != nil {
			return err
		}

		m.ticks = nil
		m.log.Debug("tick monitoring stopped")
	}

	return nil
}

// Reset drops a dead subscription without a broker round trip. The bot calls
// it when the venue closes the tick channel, so the next Sync re-subscribes
// instead of treating the closed channel as live.
func (m *Monitor) Reset() {
	if m.ticks == nil {
		return
	}

	m.ticks = nil
	m.log.Warn("tick stream ended, dropping subscription")
}

// Deactivate force-closes the subscription regardless of outstanding orders.
// The bot calls it on shutdown.
func (m *Monitor) Deactivate() {
	if m.ticks == nil {
		return
	}

	if err := m.broker.UnsubscribeTicks(m.symbol); err != nil {
		m.log.Error("failed to unsubscribe ticks", zap.Error(err))
	}

	m.ticks = nil
}

// Evaluate runs the cancellation policy against every outstanding order and
// returns the IDs to cancel. Without a policy nothing ever fires.
func (m *Monitor) Evaluate(tick types.Tick, outstanding []types.OrderInfo, now time.Time) []string {
	if m.policy.IsNone() {
		return nil
	}

	policy := m.policy.Unwrap()

	var cancels []string

	for _, order := range outstanding {
		if policy.ShouldCancel(tick, order, now) {
			m.log.Info("cancellation policy fired",
				zap.String("policy", policy.Name()),
				zap.String("order_id", order.OrderID),
				zap.Duration("age", order.Age(now)),
			)

			cancels = append(cancels, order.OrderID)
		}
	}

	return cancels
}
