package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

const (
	paperEventBuffer  = 128
	paperStreamBuffer = 64
)

// PaperBroker is an in-memory venue. Tests and dry runs push bars and ticks
// into it; working orders fill when the pushed price crosses their limit.
// Stop-loss orders use stop semantics: they trigger on adverse price movement
// through the stop price.
type PaperBroker struct {
	log *logger.Logger

	mu        sync.Mutex
	working   map[string]types.OrderInfo
	positions map[string]float64
	lastPrice map[string]float64
	barSubs   map[string]chan types.Bar
	tickSubs  map[string]chan types.Tick
	events    chan Event
	closed    bool

	// failure injection
	submitErr   error
	cancelErr   error
	failSubmits int

	reportedOverride map[string]float64
}

// NewPaperBroker creates an empty paper broker.
func NewPaperBroker(log *logger.Logger) *PaperBroker {
	return &PaperBroker{
		log:              log.Named("paper_broker"),
		working:          make(map[string]types.OrderInfo),
		positions:        make(map[string]float64),
		lastPrice:        make(map[string]float64),
		barSubs:          make(map[string]chan types.Bar),
		tickSubs:         make(map[string]chan types.Tick),
		events:           make(chan Event, paperEventBuffer),
		reportedOverride: make(map[string]float64),
	}
}

// SubscribeBars returns a channel fed by PushBar. The interval is ignored;
// the pusher controls cadence.
func (b *PaperBroker) SubscribeBars(ctx context.Context, symbol string, _ time.Duration) (<-chan types.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New(errors.ErrCodeBrokerDisconnected, "paper broker is closed")
	}

	if _, exists := b.barSubs[symbol]; exists {
		return nil, errors.Newf(errors.ErrCodeBrokerSubscribeFailed, "bar stream for %s already subscribed", symbol)
	}

	ch := make(chan types.Bar, paperStreamBuffer)
	b.barSubs[symbol] = ch

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		if existing, ok := b.barSubs[symbol]; ok && existing == ch {
			delete(b.barSubs, symbol)
			close(ch)
		}
	}()

	return ch, nil
}

// SubscribeTicks returns a channel fed by PushTick.
func (b *PaperBroker) SubscribeTicks(ctx context.Context, symbol string) (<-chan types.Tick, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New(errors.ErrCodeBrokerDisconnected, "paper broker is closed")
	}

	if _, exists := b.tickSubs[symbol]; exists {
		return nil, errors.Newf(errors.ErrCodeBrokerSubscribeFailed, "tick stream for %s already subscribed", symbol)
	}

	ch := make(chan types.Tick, paperStreamBuffer)
	b.tickSubs[symbol] = ch

	go func() {
		<-ctx.Done()
		// UnsubscribeTicks may already have removed the stream.
		_ = b.UnsubscribeTicks(symbol)
	}()

	return ch, nil
}

// UnsubscribeTicks closes the tick stream for the symbol. Unsubscribing a
// symbol without a stream is a no-op.
func (b *PaperBroker) UnsubscribeTicks(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.tickSubs[symbol]; ok {
		delete(b.tickSubs, symbol)
		close(ch)
	}

	return nil
}

// SubmitOrder accepts the order for working. Market orders fill immediately
// at the last pushed price; limit and stop orders rest until a push crosses
// them.
func (b *PaperBroker) SubmitOrder(_ context.Context, order types.OrderInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.ErrCodeBrokerDisconnected, "paper broker is closed")
	}

	if b.failSubmits > 0 {
		b.failSubmits--

		return errors.New(errors.ErrCodeBrokerSubmitFailed, "injected submit failure")
	}

	if b.submitErr != nil {
		return errors.Wrap(errors.ErrCodeBrokerSubmitFailed, "submit failed", b.submitErr)
	}

	if _, exists := b.working[order.OrderID]; exists {
		return errors.Newf(errors.ErrCodeBrokerSubmitFailed, "order %s already working", order.OrderID)
	}

	b.emit(Event{
		Type:    EventOrderAccepted,
		OrderID: order.OrderID,
		Symbol:  order.Symbol,
		Time:    order.SubmitTime,
	})

	if order.LimitPrice == 0 {
		price, ok := b.lastPrice[order.Symbol]
		if !ok {
			b.emit(Event{
				Type:    EventOrderRejected,
				OrderID: order.OrderID,
				Symbol:  order.Symbol,
				Time:    order.SubmitTime,
				Reason:  "no market price for market order",
			})

			return nil
		}

		b.fill(order, price, order.SubmitTime)

		return nil
	}

	b.working[order.OrderID] = order

	return nil
}

// CancelOrder removes a working order and confirms with a cancelled event.
func (b *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelErr != nil {
		return errors.Wrap(errors.ErrCodeBrokerCancelFailed, "cancel failed", b.cancelErr)
	}

	order, exists := b.working[orderID]
	if !exists {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order %s is not working", orderID)
	}

	delete(b.working, orderID)
	b.emit(Event{
		Type:    EventOrderCancelled,
		OrderID: orderID,
		Symbol:  order.Symbol,
		Time:    time.Now(),
	})

	return nil
}

// Events returns the order event stream.
func (b *PaperBroker) Events() <-chan Event {
	return b.events
}

// ReportedPosition returns the venue-side net position. A test override, when
// set, wins over the tracked value.
func (b *PaperBroker) ReportedPosition(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if qty, ok := b.reportedOverride[symbol]; ok {
		return qty, nil
	}

	return b.positions[symbol], nil
}

// Close closes every stream and the event channel.
func (b *PaperBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for symbol, ch := range b.barSubs {
		delete(b.barSubs, symbol)
		close(ch)
	}

	for symbol, ch := range b.tickSubs {
		delete(b.tickSubs, symbol)
		close(ch)
	}

	close(b.events)

	return nil
}

// PushBar delivers a bar to its subscriber and matches working orders against
// the bar's full range.
func (b *PaperBroker) PushBar(bar types.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.lastPrice[bar.Symbol] = bar.Close

	if ch, ok := b.barSubs[bar.Symbol]; ok {
		select {
		case ch <- bar:
		default:
			b.log.Warn("bar subscriber full, dropping bar",
				zap.String("symbol", bar.Symbol), zap.Time("bar_time", bar.Time))
		}
	}

	b.match(bar.Symbol, bar.Low, bar.High, bar.Time)
}

// PushTick delivers a tick to its subscriber and matches working orders
// against the tick's best price.
func (b *PaperBroker) PushTick(tick types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	best := tick.BestPrice()
	if best.IsSome() {
		b.lastPrice[tick.Symbol] = best.Unwrap()
	}

	if ch, subscribed := b.tickSubs[tick.Symbol]; subscribed {
		select {
		case ch <- tick:
		default:
			b.log.Warn("tick subscriber full, dropping tick", zap.String("symbol", tick.Symbol))
		}
	}

	if best.IsSome() {
		price := best.Unwrap()
		b.match(tick.Symbol, price, price, tick.Time)
	}
}

// SetReportedPosition overrides the venue-side position for divergence tests.
func (b *PaperBroker) SetReportedPosition(symbol string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reportedOverride[symbol] = qty
}

// FailNextSubmits makes the next n submissions fail.
func (b *PaperBroker) FailNextSubmits(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failSubmits = n
}

// SetSubmitError makes every submission fail until cleared with nil.
func (b *PaperBroker) SetSubmitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.submitErr = err
}

// SetCancelError makes every cancellation fail until cleared with nil.
func (b *PaperBroker) SetCancelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelErr = err
}

// WorkingOrderCount returns how many orders are resting.
func (b *PaperBroker) WorkingOrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.working)
}

// match fills every working order on the symbol whose trigger price falls in
// [low, high]. Callers hold b.mu.
func (b *PaperBroker) match(symbol string, low, high float64, at time.Time) {
	for id, order := range b.working {
		if order.Symbol != symbol {
			continue
		}

		if !crosses(order, low, high) {
			continue
		}

		delete(b.working, id)
		b.fill(order, order.LimitPrice, at)
	}
}

// crosses reports whether the price range triggers the order. Limit orders
// fill on favorable prices; stop-loss orders trigger on adverse ones.
func crosses(order types.OrderInfo, low, high float64) bool {
	if order.Role == types.OrderRoleStopLoss {
		if order.Side == types.OrderSideSell {
			return low <= order.LimitPrice
		}

		return high >= order.LimitPrice
	}

	if order.Side == types.OrderSideBuy {
		return low <= order.LimitPrice
	}

	return high >= order.LimitPrice
}

// fill books the fill and emits the event. Callers hold b.mu.
func (b *PaperBroker) fill(order types.OrderInfo, price float64, at time.Time) {
	signed := order.Quantity
	if order.Side == types.OrderSideSell {
		signed = -signed
	}

	b.positions[order.Symbol] += signed

	b.emit(Event{
		Type:           EventOrderFilled,
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		Time:           at,
		FillPrice:      price,
		FilledQuantity: order.Quantity,
	})
}

// emit delivers an event, dropping with a log line when the consumer lags
// beyond the buffer. Callers hold b.mu.
func (b *PaperBroker) emit(event Event) {
	select {
	case b.events <- event:
	default:
		b.log.Error("event buffer full, dropping order event",
			zap.String("order_id", event.OrderID), zap.String("type", string(event.Type)))
	}
}

var _ Broker = (*PaperBroker)(nil)
