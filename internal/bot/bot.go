// Package bot wires one strategy, one instrument and one rule set into a
// running trading loop, and runs fleets of such bots in isolation from each
// other.
package bot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/decision"
	"github.com/quantfold/tradebot/internal/lifecycle"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/monitor"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// Bot is one (strategy, instrument, rules) triple. Everything it owns runs on
// its Run goroutine: bars, broker events and monitor ticks are serialized
// through one select loop, so no component needs internal locking.
type Bot struct {
	name     string
	symbol   string
	interval time.Duration
	maxOpen  int

	engine  *decision.Engine
	manager *lifecycle.Manager
	monitor *monitor.Monitor
	broker  broker.Broker
	log     *logger.Logger
	sink    telemetry.Sink
}

// New assembles a bot from its components. maxConcurrentTrades bounds how
// many brackets may be open at once; with one lifecycle manager per
// instrument that is effectively zero or one.
func New(name, symbol string, interval time.Duration, maxConcurrentTrades int,
	engine *decision.Engine, manager *lifecycle.Manager, mon *monitor.Monitor,
	b broker.Broker, log *logger.Logger, sink telemetry.Sink,
) *Bot {
	return &Bot{
		name:     name,
		symbol:   symbol,
		interval: interval,
		maxOpen:  maxConcurrentTrades,
		engine:   engine,
		manager:  manager,
		monitor:  mon,
		broker:   b,
		log:      log.Named("bot").With(zap.String("bot", name), zap.String("symbol", symbol)),
		sink:     sink,
	}
}

// Name returns the bot's configured name.
func (b *Bot) Name() string {
	return b.name
}

// Manager exposes the lifecycle manager, mainly for inspection in tests.
func (b *Bot) Manager() *lifecycle.Manager {
	return b.manager
}

// Run drives the bot until the context is cancelled or the bar stream ends.
func (b *Bot) Run(ctx context.Context) error {
	bars, err := b.broker.SubscribeBars(ctx, b.symbol, b.interval)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeBotStartFailed, err, "bot %s failed to subscribe bars", b.name)
	}

	b.log.Info("bot started", zap.Duration("interval", b.interval))

	b.sink.Publish(telemetry.Event{
		Time:     time.Now(),
		Type:     telemetry.EventConnection,
		Symbol:   b.symbol,
		Strategy: b.name,
		Message:  "bot started",
	})

	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case bar, ok := <-bars:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return errors.Newf(errors.ErrCodeStreamClosed, "bar stream for %s ended", b.symbol)
			}

			b.onBar(ctx, bar)
		case event, ok := <-b.broker.Events():
			if !ok {
				return errors.Newf(errors.ErrCodeStreamClosed, "event stream for %s ended", b.symbol)
			}

			b.manager.Reconcile(ctx, event)
			b.syncMonitor(ctx)
		case tick, ok := <-b.monitor.Ticks():
			if !ok {
				// The venue closed the stream. Drop the dead subscription
				// first so Sync can re-arm while orders are outstanding.
				b.monitor.Reset()
				b.syncMonitor(ctx)

				continue
			}

			b.onTick(ctx, tick)
		}
	}
}

// onBar runs the per-bar pipeline: decide, maybe place, always analyze.
func (b *Bot) onBar(ctx context.Context, bar types.Bar) {
	result, err := b.engine.ProcessBar(bar)
	if err != nil {
		// Out-of-order and duplicate bars are dropped, the loop continues.
		b.log.Warn("bar rejected",
			zap.Time("bar_time", bar.Time),
			zap.Error(err),
		)

		return
	}

	b.maybePlace(ctx, result)

	report := b.manager.AnalyzeCurrentOrders(ctx, bar.Close)
	if len(report.PriceMoveCancels) > 0 || len(report.TimedOut) > 0 || report.Flattened {
		b.log.Info("analysis pass acted",
			zap.Int("price_move_cancels", len(report.PriceMoveCancels)),
			zap.Int("timed_out", len(report.TimedOut)),
			zap.Bool("flattened", report.Flattened),
		)
	}

	b.syncMonitor(ctx)
}

// maybePlace forwards tradeable decisions to the lifecycle manager, gated by
// the concurrent trade limit.
func (b *Bot) maybePlace(ctx context.Context, result types.CandleResult) {
	action := result.Signal.Action

	switch {
	case action.IsOpen():
		if !result.SignalChanged {
			return
		}

		if !b.canTrade() {
			b.log.Debug("signal gated by max concurrent trades",
				zap.String("action", string(action)))

			return
		}
	case action == types.SignalClosePosition:
	default:
		return
	}

	if _, err := b.manager.PlaceOrder(ctx, result); err != nil {
		b.log.Error("order placement failed",
			zap.String("action", string(action)),
			zap.Float64("price", result.CurrentPrice),
			zap.Error(err),
		)
	}
}

// canTrade reports whether a new bracket may open.
func (b *Bot) canTrade() bool {
	open := 0
	if b.manager.HasOpenBracket() {
		open = 1
	}

	return open < b.maxOpen
}

// onTick feeds the cancellation policy and routes any hits through the
// lifecycle manager's cancel path.
func (b *Bot) onTick(ctx context.Context, tick types.Tick) {
	cancels := b.monitor.Evaluate(tick, b.manager.OutstandingOrders(), time.Now())

	for _, orderID := range cancels {
		if err := b.manager.CancelOrder(ctx, orderID, "cancellation policy"); err != nil {
			b.log.Error("policy cancel failed",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
	}

	if len(cancels) > 0 {
		b.syncMonitor(ctx)
	}
}

// syncMonitor aligns the tick subscription with the outstanding order count.
func (b *Bot) syncMonitor(ctx context.Context) {
	if err := b.monitor.Sync(ctx, b.manager.OpenOrderCount()); err != nil {
		b.log.Error("monitor sync failed", zap.Error(err))
	}
}

func (b *Bot) shutdown() {
	b.monitor.Deactivate()
	b.log.Info("bot stopped")

	b.sink.Publish(telemetry.Event{
		Time:     time.Now(),
		Type:     telemetry.EventConnection,
		Symbol:   b.symbol,
		Strategy: b.name,
		Message:  "bot stopped",
	})
}
