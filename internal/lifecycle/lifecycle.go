// Package lifecycle owns every order from submission to its terminal state:
// bracket construction, OCO reconciliation, rule-based cancellation and the
// emergency flatten path. One manager instance serves one instrument and is
// the only component that mutates its orders.
package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

const submitMaxRetries = 3

// quantityEpsilon treats venue-reported quantities below it as flat.
const quantityEpsilon = 1e-9

// BracketOrder is an entry order with its OCO exit legs. The exit legs are
// built up front but only submitted once the entry fills.
type BracketOrder struct {
	BracketID  string
	Entry      types.OrderInfo
	TakeProfit optional.Option[types.OrderInfo]
	StopLoss   optional.Option[types.OrderInfo]
}

// AnalysisReport summarizes one AnalyzeCurrentOrders pass.
type AnalysisReport struct {
	// PriceMoveCancels lists order IDs cancelled for adverse price movement.
	PriceMoveCancels []string
	// TimedOut lists order IDs marked timed out this pass.
	TimedOut []string
	// Flattened is true when an emergency flatten order was submitted.
	Flattened bool
}

// Manager tracks the orders of one instrument. Not safe for concurrent use;
// the owning bot serializes calls.
type Manager struct {
	broker   broker.Broker
	log      *logger.Logger
	sink     telemetry.Sink
	rules    types.OrderRules
	symbol   string
	strategy string

	orders  map[string]*types.OrderInfo
	bracket *BracketOrder
	// exitsSubmitted guards against double-submitting the OCO legs.
	exitsSubmitted bool
	position       types.Position
	// flattenPending forces the divergence check on the next analysis pass
	// after a submit retry exhaustion.
	flattenPending bool
	// cancelRequested marks orders with an in-flight cancel so later rules
	// skip them.
	cancelRequested map[string]string

	now        func() time.Time
	newBackoff func() backoff.BackOff
}

// NewManager creates a lifecycle manager for one instrument.
func NewManager(b broker.Broker, rules types.OrderRules, symbol, strategyName string, log *logger.Logger, sink telemetry.Sink) *Manager {
	return &Manager{
		broker:          b,
		log:             log.Named("lifecycle").With(zap.String("symbol", symbol)),
		sink:            sink,
		rules:           rules.Normalize(),
		symbol:          symbol,
		strategy:        strategyName,
		orders:          make(map[string]*types.OrderInfo),
		cancelRequested: make(map[string]string),
		now:             time.Now,
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// SetNowFunc overrides the clock. Tests use it to drive timeouts.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.now = now
}

// SetBackoffFunc overrides the retry backoff. Tests use an instant backoff.
func (m *Manager) SetBackoffFunc(newBackoff func() backoff.BackOff) {
	m.newBackoff = newBackoff
}

// Position returns the locally tracked position.
func (m *Manager) Position() types.Position {
	return m.position
}

// OpenOrderCount returns how many tracked orders are still outstanding.
func (m *Manager) OpenOrderCount() int {
	count := 0

	for _, order := range m.orders {
		if order.IsOutstanding() {
			count++
		}
	}

	return count
}

// OutstandingOrders returns copies of all outstanding orders.
func (m *Manager) OutstandingOrders() []types.OrderInfo {
	orders := make([]types.OrderInfo, 0, len(m.orders))

	for _, order := range m.orders {
		if order.IsOutstanding() {
			orders = append(orders, *order)
		}
	}

	return orders
}

// HasOpenBracket reports whether a bracket currently blocks new entries.
func (m *Manager) HasOpenBracket() bool {
	return m.bracket != nil
}

// PlaceOrder turns a decision into orders. Open signals build a bracket and
// submit its entry; a close signal submits an offsetting market order. A
// no-action signal returns None.
func (m *Manager) PlaceOrder(ctx context.Context, result types.CandleResult) (optional.Option[BracketOrder], error) {
	switch result.Signal.Action {
	case types.SignalNone:
		return optional.None[BracketOrder](), nil
	case types.SignalClosePosition:
		return optional.None[BracketOrder](), m.closePosition(ctx)
	case types.SignalOpenLong, types.SignalOpenShort:
		bracket, err := m.openBracket(ctx, result)
		if err != nil {
			return optional.None[BracketOrder](), err
		}

		return optional.Some(bracket), nil
	}

	return optional.None[BracketOrder](), errors.Newf(errors.ErrCodeInvalidSignal, "unknown signal action %s", result.Signal.Action)
}

// openBracket builds the bracket and submits its entry order.
func (m *Manager) openBracket(ctx context.Context, result types.CandleResult) (BracketOrder, error) {
	if m.bracket != nil {
		return BracketOrder{}, errors.Newf(errors.ErrCodeBracketExists,
			"bracket %s still open for %s", m.bracket.BracketID, m.symbol)
	}

	side := types.OrderSideBuy
	exitSide := types.OrderSideSell

	if result.Signal.Action == types.SignalOpenShort {
		side = types.OrderSideSell
		exitSide = types.OrderSideBuy
	}

	bracketID := uuid.NewString()
	limit := entryLimitPrice(result.CurrentPrice, side, m.rules.TickSize)
	submitTime := m.now()

	entry := types.OrderInfo{
		OrderID:      uuid.NewString(),
		Symbol:       m.symbol,
		Side:         side,
		Role:         types.OrderRoleEntry,
		Quantity:     m.rules.DefaultQuantity,
		LimitPrice:   limit,
		TakeProfit:   result.Signal.TakeProfit,
		StopLoss:     result.Signal.StopLoss,
		BracketID:    bracketID,
		SubmitTime:   submitTime,
		Status:       types.OrderStatusPendingSubmit,
		StrategyName: m.strategy,
	}

	if err := entry.Validate(); err != nil {
		return BracketOrder{}, err
	}

	bracket := BracketOrder{
		BracketID:  bracketID,
		Entry:      entry,
		TakeProfit: optional.None[types.OrderInfo](),
		StopLoss:   optional.None[types.OrderInfo](),
	}

	if result.Signal.TakeProfit.IsSome() {
		bracket.TakeProfit = optional.Some(types.OrderInfo{
			OrderID:      uuid.NewString(),
			Symbol:       m.symbol,
			Side:         exitSide,
			Role:         types.OrderRoleTakeProfit,
			Quantity:     entry.Quantity,
			LimitPrice:   result.Signal.TakeProfit.Unwrap(),
			BracketID:    bracketID,
			Status:       types.OrderStatusPendingSubmit,
			StrategyName: m.strategy,
		})
	}

	if result.Signal.StopLoss.IsSome() {
		bracket.StopLoss = optional.Some(types.OrderInfo{
			OrderID:      uuid.NewString(),
			Symbol:       m.symbol,
			Side:         exitSide,
			Role:         types.OrderRoleStopLoss,
			Quantity:     entry.Quantity,
			LimitPrice:   result.Signal.StopLoss.Unwrap(),
			BracketID:    bracketID,
			Status:       types.OrderStatusPendingSubmit,
			StrategyName: m.strategy,
		})
	}

	m.bracket = &bracket
	m.exitsSubmitted = false
	m.track(entry)

	if err := m.submitWithRetry(ctx, entry); err != nil {
		m.rejectLocally(entry.OrderID, err)
		m.bracket = nil
		m.flattenPending = true

		return BracketOrder{}, err
	}

	m.transition(entry.OrderID, types.OrderStatusSubmitted)
	m.log.Info("entry order submitted",
		zap.String("order_id", entry.OrderID),
		zap.String("bracket_id", bracketID),
		zap.String("side", string(side)),
		zap.Float64("limit", limit),
	)

	return bracket, nil
}

// closePosition submits a market order that offsets the tracked position.
func (m *Manager) closePosition(ctx context.Context) error {
	if m.position.IsFlat() {
		m.log.Debug("close signal with no position, nothing to do")

		return nil
	}

	side := types.OrderSideSell
	if m.position.NetQuantity < 0 {
		side = types.OrderSideBuy
	}

	order := types.OrderInfo{
		OrderID:      uuid.NewString(),
		Symbol:       m.symbol,
		Side:         side,
		Role:         types.OrderRoleFlatten,
		Quantity:     abs(m.position.NetQuantity),
		LimitPrice:   0,
		SubmitTime:   m.now(),
		Status:       types.OrderStatusPendingSubmit,
		StrategyName: m.strategy,
	}

	m.track(order)

	if err := m.submitWithRetry(ctx, order); err != nil {
		m.rejectLocally(order.OrderID, err)
		m.flattenPending = true

		return err
	}

	m.transition(order.OrderID, types.OrderStatusSubmitted)
	m.log.Info("close position order submitted",
		zap.String("order_id", order.OrderID),
		zap.Float64("quantity", order.Quantity),
	)

	return nil
}

// CancelOrder routes a cancellation request, recording the reason so analysis
// passes skip the order. The terminal transition lands via Reconcile.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason string) error {
	order, exists := m.orders[orderID]
	if !exists {
		return errors.Newf(errors.ErrCodeOrderNotFound, "unknown order %s", orderID)
	}

	if !order.IsOutstanding() {
		return nil
	}

	if _, requested := m.cancelRequested[orderID]; requested {
		return nil
	}

	if err := m.cancelWithRetry(ctx, orderID); err != nil {
		return err
	}

	m.cancelRequested[orderID] = reason
	m.log.Info("cancel requested",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
	)

	return nil
}

// Reconcile applies one broker event to the tracked state. Events for
// unknown or already-terminal orders are logged and dropped.
func (m *Manager) Reconcile(ctx context.Context, event broker.Event) {
	order, exists := m.orders[event.OrderID]
	if !exists {
		m.log.Debug("event for untracked order", zap.String("order_id", event.OrderID))

		return
	}

	if !order.IsOutstanding() {
		m.log.Debug("event for terminal order",
			zap.String("order_id", event.OrderID),
			zap.String("status", string(order.Status)),
		)

		return
	}

	switch event.Type {
	case broker.EventOrderAccepted:
		if order.Status == types.OrderStatusPendingSubmit {
			m.transition(order.OrderID, types.OrderStatusSubmitted)
		}
	case broker.EventOrderFilled:
		m.applyFill(ctx, order, event)
	case broker.EventOrderCancelled:
		m.transition(order.OrderID, types.OrderStatusCancelled)
		m.releaseIfDone(order)
	case broker.EventOrderRejected:
		m.transition(order.OrderID, types.OrderStatusRejected)
		m.log.Error("order rejected by broker",
			zap.String("order_id", order.OrderID),
			zap.String("reason", event.Reason),
		)
		m.releaseIfDone(order)
	}
}

// applyFill books a fill into the position and drives the OCO linkage.
func (m *Manager) applyFill(ctx context.Context, order *types.OrderInfo, event broker.Event) {
	m.transition(order.OrderID, types.OrderStatusFilled)
	order.FillPrice = event.FillPrice
	order.FilledQuantity = event.FilledQuantity

	m.position = m.position.ApplyFill(order.Side, event.FilledQuantity, event.FillPrice)
	m.checkSlippage(order, event.FillPrice)

	m.log.Info("order filled",
		zap.String("order_id", order.OrderID),
		zap.String("role", string(order.Role)),
		zap.Float64("fill_price", event.FillPrice),
		zap.Float64("quantity", event.FilledQuantity),
		zap.Float64("net_position", m.position.NetQuantity),
	)

	switch order.Role {
	case types.OrderRoleEntry:
		m.submitExitLegs(ctx, event.FilledQuantity)
	case types.OrderRoleTakeProfit:
		if m.bracket != nil {
			m.cancelSibling(ctx, m.bracket.StopLoss, "take profit filled")
		}
	case types.OrderRoleStopLoss:
		if m.bracket != nil {
			m.cancelSibling(ctx, m.bracket.TakeProfit, "stop loss hit")
		}
	case types.OrderRoleFlatten:
	}

	m.releaseIfDone(order)
}

// submitExitLegs submits the bracket's TP and SL once the entry fills. The
// legs are sized to the actual filled quantity.
func (m *Manager) submitExitLegs(ctx context.Context, filledQty float64) {
	if m.bracket == nil || m.exitsSubmitted {
		return
	}

	m.exitsSubmitted = true

	for _, leg := range []optional.Option[types.OrderInfo]{m.bracket.TakeProfit, m.bracket.StopLoss} {
		if leg.IsNone() {
			continue
		}

		order := leg.Unwrap()
		order.Quantity = filledQty
		order.SubmitTime = m.now()
		m.track(order)

		if err := m.submitWithRetry(ctx, order); err != nil {
			m.rejectLocally(order.OrderID, err)
			m.flattenPending = true

			continue
		}

		m.transition(order.OrderID, types.OrderStatusSubmitted)
		m.log.Info("exit leg submitted",
			zap.String("order_id", order.OrderID),
			zap.String("role", string(order.Role)),
			zap.Float64("limit", order.LimitPrice),
		)
	}
}

// cancelSibling cancels the other OCO leg after one exit fills.
func (m *Manager) cancelSibling(ctx context.Context, sibling optional.Option[types.OrderInfo], reason string) {
	if m.bracket == nil || sibling.IsNone() {
		return
	}

	siblingID := sibling.Unwrap().OrderID
	if err := m.CancelOrder(ctx, siblingID, reason); err != nil {
		m.log.Error("failed to cancel OCO sibling",
			zap.String("order_id", siblingID),
			zap.Error(err),
		)
		m.flattenPending = true
	}
}

// releaseIfDone frees the bracket once nothing in it is outstanding and the
// position is flat.
func (m *Manager) releaseIfDone(order *types.OrderInfo) {
	if m.bracket == nil || order.BracketID != m.bracket.BracketID {
		return
	}

	// An entry that died pre-fill frees the bracket immediately.
	if order.Role == types.OrderRoleEntry && order.Status != types.OrderStatusFilled {
		m.bracket = nil

		return
	}

	if !m.position.IsFlat() {
		return
	}

	for _, tracked := range m.orders {
		if tracked.BracketID == m.bracket.BracketID && tracked.IsOutstanding() {
			return
		}
	}

	m.log.Info("bracket closed", zap.String("bracket_id", m.bracket.BracketID))
	m.bracket = nil
}

// AnalyzeCurrentOrders runs the order management rules in fixed order for
// each outstanding order: price movement first, then timeout. Each order is
// acted on at most once per pass. The divergence check runs last, once.
func (m *Manager) AnalyzeCurrentOrders(ctx context.Context, currentPrice float64) AnalysisReport {
	report := AnalysisReport{}
	now := m.now()

	for _, order := range m.outstandingInOrder() {
		if _, requested := m.cancelRequested[order.OrderID]; requested {
			continue
		}

		if m.priceMovedAway(order, currentPrice) {
			if err := m.CancelOrder(ctx, order.OrderID, "price moved away"); err != nil {
				m.log.Error("price-move cancel failed", zap.String("order_id", order.OrderID), zap.Error(err))
			} else {
				report.PriceMoveCancels = append(report.PriceMoveCancels, order.OrderID)
			}

			continue
		}

		if order.Age(now) >= m.rules.OrderTimeout {
			m.transition(order.OrderID, types.OrderStatusTimedOut)
			report.TimedOut = append(report.TimedOut, order.OrderID)

			if err := m.cancelWithRetry(ctx, order.OrderID); err != nil {
				m.log.Error("timeout cancel failed at broker", zap.String("order_id", order.OrderID), zap.Error(err))
			}

			if tracked, ok := m.orders[order.OrderID]; ok {
				m.releaseIfDone(tracked)
			}

			continue
		}
	}

	if m.flattenOnDivergence(ctx) {
		report.Flattened = true
	}

	m.pruneTerminal()

	return report
}

// pruneTerminal drops terminal orders outside the open bracket, together with
// their cancel bookkeeping, so the maps stay bounded over a long run.
func (m *Manager) pruneTerminal() {
	for id, order := range m.orders {
		if order.IsOutstanding() {
			continue
		}

		if m.bracket != nil && order.BracketID == m.bracket.BracketID {
			continue
		}

		delete(m.orders, id)
		delete(m.cancelRequested, id)
	}
}

// TrackedOrderCount returns how many orders the manager currently retains,
// terminal ones included.
func (m *Manager) TrackedOrderCount() int {
	return len(m.orders)
}

// outstandingInOrder returns outstanding orders sorted by submit time so
// analysis passes are deterministic.
func (m *Manager) outstandingInOrder() []types.OrderInfo {
	orders := m.OutstandingOrders()

	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].SubmitTime.Before(orders[j-1].SubmitTime); j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}

	return orders
}

// priceMovedAway reports whether the market has moved too many ticks away
// from an unfilled entry's limit price.
func (m *Manager) priceMovedAway(order types.OrderInfo, currentPrice float64) bool {
	if order.Role != types.OrderRoleEntry || order.LimitPrice == 0 {
		return false
	}

	threshold := float64(m.rules.CancelIfPriceMovesTicks) * m.rules.TickSize
	distance := currentPrice - order.LimitPrice

	if order.Side == types.OrderSideBuy {
		// For a buy, adverse movement is the market running up.
		return distance >= threshold
	}

	return -distance >= threshold
}

// flattenOnDivergence compares the local position against the venue's and
// submits a market flatten order when they disagree beyond the threshold.
func (m *Manager) flattenOnDivergence(ctx context.Context) bool {
	if !m.flattenPending && m.bracket == nil && m.position.IsFlat() {
		return false
	}

	m.flattenPending = false

	reported, err := m.broker.ReportedPosition(ctx, m.symbol)
	if err != nil {
		m.log.Error("cannot read venue position for divergence check", zap.Error(err))

		return false
	}

	divergence := reported - m.position.NetQuantity
	if abs(divergence) < m.rules.FlattenDivergenceQty {
		return false
	}

	m.log.Error("position divergence detected, flattening",
		zap.Float64("local", m.position.NetQuantity),
		zap.Float64("reported", reported),
		zap.Error(errors.Newf(errors.ErrCodeStateDivergence,
			"local book disagrees with venue by %v for %s", divergence, m.symbol)),
	)

	m.sink.Publish(telemetry.Event{
		Time:     m.now(),
		Type:     telemetry.EventOrderTransition,
		Symbol:   m.symbol,
		Strategy: m.strategy,
		Message:  "emergency flatten",
	})

	if abs(reported) < quantityEpsilon {
		// The venue holds nothing; the stale local book is the whole
		// divergence. Adopt the venue's state instead of submitting a
		// zero-quantity order.
		m.position = types.Position{Symbol: m.symbol}

		return false
	}

	side := types.OrderSideSell
	if reported < 0 {
		side = types.OrderSideBuy
	}

	order := types.OrderInfo{
		OrderID:      uuid.NewString(),
		Symbol:       m.symbol,
		Side:         side,
		Role:         types.OrderRoleFlatten,
		Quantity:     abs(reported),
		LimitPrice:   0,
		SubmitTime:   m.now(),
		Status:       types.OrderStatusPendingSubmit,
		StrategyName: m.strategy,
	}

	m.track(order)

	if err := m.submitWithRetry(ctx, order); err != nil {
		m.rejectLocally(order.OrderID, err)
		// Leave flattenPending set so the next pass tries again.
		m.flattenPending = true

		return false
	}

	m.transition(order.OrderID, types.OrderStatusSubmitted)

	// From here the venue's count is the truth: adopt it as the local book so
	// the flatten fill settles both sides at zero instead of folding into the
	// stale count.
	m.position = types.Position{Symbol: m.symbol, NetQuantity: reported}

	return true
}

// checkSlippage flags fills whose price deviates from the limit by more than
// the allowed slippage.
func (m *Manager) checkSlippage(order *types.OrderInfo, fillPrice float64) {
	if order.LimitPrice == 0 {
		return
	}

	allowed := float64(m.rules.MaxSlippageTicks) * m.rules.TickSize
	if abs(fillPrice-order.LimitPrice) > allowed {
		m.log.Warn("fill slippage beyond limit",
			zap.String("order_id", order.OrderID),
			zap.Float64("limit", order.LimitPrice),
			zap.Float64("fill", fillPrice),
		)
	}
}

// submitWithRetry submits with bounded exponential backoff. Exhaustion is an
// ErrCodeBrokerRetriesExhausted error.
func (m *Manager) submitWithRetry(ctx context.Context, order types.OrderInfo) error {
	operation := func() error {
		return m.broker.SubmitOrder(ctx, order)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), submitMaxRetries), ctx))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeBrokerRetriesExhausted, err,
			"submit retries exhausted for order %s", order.OrderID)
	}

	return nil
}

// cancelWithRetry cancels with bounded exponential backoff.
func (m *Manager) cancelWithRetry(ctx context.Context, orderID string) error {
	operation := func() error {
		err := m.broker.CancelOrder(ctx, orderID)
		if errors.HasCode(err, errors.ErrCodeOrderNotFound) {
			// Nothing left to cancel at the venue; not worth retrying.
			return backoff.Permanent(err)
		}

		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), submitMaxRetries), ctx))
	if err != nil && !errors.HasCode(err, errors.ErrCodeOrderNotFound) {
		return errors.Wrapf(errors.ErrCodeBrokerRetriesExhausted, err,
			"cancel retries exhausted for order %s", orderID)
	}

	return nil
}

// track registers an order copy under the manager's ownership.
func (m *Manager) track(order types.OrderInfo) {
	tracked := order
	m.orders[order.OrderID] = &tracked
}

// transition applies a status change and publishes the telemetry event.
func (m *Manager) transition(orderID string, next types.OrderStatus) {
	order, exists := m.orders[orderID]
	if !exists {
		return
	}

	previous := order.Status
	if err := order.Transition(next); err != nil {
		m.log.Error("illegal order transition",
			zap.String("order_id", orderID),
			zap.String("from", string(previous)),
			zap.String("to", string(next)),
			zap.Error(err),
		)

		return
	}

	m.sink.Publish(telemetry.Event{
		Time:     m.now(),
		Type:     telemetry.EventOrderTransition,
		Symbol:   m.symbol,
		Strategy: m.strategy,
		Message:  string(previous) + " -> " + string(next),
		Fields:   map[string]string{"order_id": orderID},
	})
}

// rejectLocally marks an order rejected without a broker round trip.
func (m *Manager) rejectLocally(orderID string, cause error) {
	m.transition(orderID, types.OrderStatusRejected)
	m.log.Error("order rejected locally",
		zap.String("order_id", orderID),
		zap.Error(cause),
	)
}

// entryLimitPrice prices the entry one tick better than the market, snapped
// to the tick grid: below market for buys, above for sells.
func entryLimitPrice(currentPrice float64, side types.OrderSide, tickSize float64) float64 {
	price := decimal.NewFromFloat(currentPrice)
	tick := decimal.NewFromFloat(tickSize)

	if side == types.OrderSideBuy {
		price = price.Sub(tick)
	} else {
		price = price.Add(tick)
	}

	snapped, _ := price.Div(tick).Round(0).Mul(tick).Float64()

	return snapped
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}

	return v
}
