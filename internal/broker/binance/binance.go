// Package binance adapts the Binance spot API to the broker interface. Bars
// come from the kline websocket stream, ticks from the book ticker stream,
// and order updates from the user data stream.
package binance

import (
	"context"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// DecimalPrecision is the quantity precision used when formatting orders.
// 8 decimals covers satoshi-level sizing; symbol-specific filters from
// exchange info would tighten this further.
const DecimalPrecision = 8

const eventBuffer = 128

// Config holds the Binance connection settings.
type Config struct {
	APIKey    string `yaml:"api_key" json:"api_key" validate:"required"`
	SecretKey string `yaml:"secret_key" json:"secret_key" validate:"required"`
	// UseTestnet routes to the Binance spot testnet.
	UseTestnet bool `yaml:"use_testnet" json:"use_testnet"`
	// BaseURL overrides the REST endpoint. Takes precedence over UseTestnet.
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// Validate validates the Config struct.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid binance config", err)
	}

	return nil
}

// LiveBroker is the Binance-backed broker. One instance serves one bot; the
// user data stream is started lazily on the first order submission.
type LiveBroker struct {
	client *binance.Client
	log    *logger.Logger
	events chan broker.Event

	tickStops   map[string]chan struct{}
	orderRoutes map[string]orderRoute
	userStream  bool
	done        chan struct{}
}

// orderRoute maps a local order ID to what Binance needs for cancellation.
type orderRoute struct {
	symbol    string
	binanceID int64
}

// NewLiveBroker connects a broker to Binance with the given config.
func NewLiveBroker(config Config, log *logger.Logger) (*LiveBroker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.UseTestnet {
		binance.UseTestnet = true
	}

	client := binance.NewClient(config.APIKey, config.SecretKey)
	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return &LiveBroker{
		client:      client,
		log:         log.Named("binance"),
		events:      make(chan broker.Event, eventBuffer),
		tickStops:   make(map[string]chan struct{}),
		orderRoutes: make(map[string]orderRoute),
		done:        make(chan struct{}),
	}, nil
}

// SubscribeBars streams closed klines as bars. Unclosed kline updates are
// dropped; only final bars reach the channel.
func (b *LiveBroker) SubscribeBars(ctx context.Context, symbol string, interval time.Duration) (<-chan types.Bar, error) {
	binanceInterval, err := intervalString(interval)
	if err != nil {
		return nil, err
	}

	bars := make(chan types.Bar, 16)

	handler := func(event *binance.WsKlineEvent) {
		if !event.Kline.IsFinal {
			return
		}

		bar, parseErr := barFromKline(event.Kline)
		if parseErr != nil {
			b.log.Error("dropping unparseable kline",
				zap.String("symbol", symbol), zap.Error(parseErr))

			return
		}

		select {
		case bars <- bar:
		case <-ctx.Done():
		}
	}

	errHandler := func(err error) {
		b.log.Error("kline stream error", zap.String("symbol", symbol), zap.Error(err))
	}

	doneC, stopC, err := binance.WsKlineServe(symbol, binanceInterval, handler, errHandler)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBrokerSubscribeFailed, "failed to open kline stream", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			close(stopC)
		case <-doneC:
		case <-b.done:
			close(stopC)
		}

		close(bars)
	}()

	return bars, nil
}

// SubscribeTicks streams best bid/ask quotes. The tick carries no last trade
// price; consumers fall back to the bid/ask midpoint.
func (b *LiveBroker) SubscribeTicks(ctx context.Context, symbol string) (<-chan types.Tick, error) {
	if _, exists := b.tickStops[symbol]; exists {
		return nil, errors.Newf(errors.ErrCodeBrokerSubscribeFailed, "tick stream for %s already subscribed", symbol)
	}

	ticks := make(chan types.Tick, 64)

	handler := func(event *binance.WsBookTickerEvent) {
		bid, bidErr := strconv.ParseFloat(event.BestBidPrice, 64)
		ask, askErr := strconv.ParseFloat(event.BestAskPrice, 64)

		if bidErr != nil || askErr != nil {
			return
		}

		tick := types.Tick{
			Symbol: symbol,
			Time:   time.Now(),
			Bid:    bid,
			Ask:    ask,
		}

		select {
		case ticks <- tick:
		default:
			// quote streams are lossy by nature; keep the newest
		}
	}

	errHandler := func(err error) {
		b.log.Error("book ticker stream error", zap.String("symbol", symbol), zap.Error(err))
	}

	doneC, stopC, err := binance.WsBookTickerServe(symbol, handler, errHandler)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBrokerSubscribeFailed, "failed to open book ticker stream", err)
	}

	unsub := make(chan struct{})
	b.tickStops[symbol] = unsub

	go func() {
		select {
		case <-ctx.Done():
			close(stopC)
		case <-unsub:
			close(stopC)
		case <-doneC:
		case <-b.done:
			close(stopC)
		}

		close(ticks)
	}()

	return ticks, nil
}

// UnsubscribeTicks stops the book ticker stream for the symbol.
func (b *LiveBroker) UnsubscribeTicks(symbol string) error {
	stop, exists := b.tickStops[symbol]
	if !exists {
		return nil
	}

	delete(b.tickStops, symbol)
	close(stop)

	return nil
}

// SubmitOrder sends the order to Binance. The local order ID rides along as
// the client order ID so user data stream updates can be routed back.
func (b *LiveBroker) SubmitOrder(ctx context.Context, order types.OrderInfo) error {
	if err := b.ensureUserStream(ctx); err != nil {
		return err
	}

	var side binance.SideType

	switch order.Side {
	case types.OrderSideBuy:
		side = binance.SideTypeBuy
	case types.OrderSideSell:
		side = binance.SideTypeSell
	default:
		return errors.Newf(errors.ErrCodeInvalidOrder, "unsupported order side: %s", order.Side)
	}

	if order.Quantity <= 0 {
		return errors.New(errors.ErrCodeInvalidOrder, "order quantity must be greater than zero")
	}

	service := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		NewClientOrderID(order.OrderID).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', DecimalPrecision, 64))

	switch {
	case order.LimitPrice == 0:
		service = service.Type(binance.OrderTypeMarket)
	case order.Role == types.OrderRoleStopLoss:
		service = service.Type(binance.OrderTypeStopLossLimit).
			StopPrice(strconv.FormatFloat(order.LimitPrice, 'f', -1, 64)).
			Price(strconv.FormatFloat(order.LimitPrice, 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	default:
		service = service.Type(binance.OrderTypeLimit).
			Price(strconv.FormatFloat(order.LimitPrice, 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	}

	response, err := service.Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBrokerSubmitFailed, "failed to place order on binance", err)
	}

	b.orderRoutes[order.OrderID] = orderRoute{symbol: order.Symbol, binanceID: response.OrderID}

	return nil
}

// CancelOrder cancels a working order by its local ID.
func (b *LiveBroker) CancelOrder(ctx context.Context, orderID string) error {
	route, exists := b.orderRoutes[orderID]
	if !exists {
		return errors.Newf(errors.ErrCodeOrderNotFound, "no binance order for %s", orderID)
	}

	_, err := b.client.NewCancelOrderService().
		Symbol(route.symbol).
		OrderID(route.binanceID).
		Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBrokerCancelFailed, "failed to cancel order on binance", err)
	}

	return nil
}

// Events returns the order update stream fed by the user data stream.
func (b *LiveBroker) Events() <-chan broker.Event {
	return b.events
}

// ReportedPosition derives the net position from account balances: the free
// plus locked amount of the symbol's base asset.
func (b *LiveBroker) ReportedPosition(ctx context.Context, symbol string) (float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeBrokerDisconnected, "failed to get account info from binance", err)
	}

	for _, balance := range account.Balances {
		if !isBaseAssetOf(balance.Asset, symbol) {
			continue
		}

		free, _ := strconv.ParseFloat(balance.Free, 64)
		locked, _ := strconv.ParseFloat(balance.Locked, 64)

		return free + locked, nil
	}

	return 0, nil
}

// Close stops every stream.
func (b *LiveBroker) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}

	close(b.done)

	for symbol, stop := range b.tickStops {
		delete(b.tickStops, symbol)
		close(stop)
	}

	close(b.events)

	return nil
}

// ensureUserStream lazily starts the user data stream that carries order
// execution reports.
func (b *LiveBroker) ensureUserStream(ctx context.Context) error {
	if b.userStream {
		return nil
	}

	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBrokerSubscribeFailed, "failed to start user data stream", err)
	}

	handler := func(event *binance.WsUserDataEvent) {
		if event.Event != binance.UserDataEventTypeExecutionReport {
			return
		}

		b.handleOrderUpdate(event.OrderUpdate)
	}

	errHandler := func(err error) {
		b.log.Error("user data stream error", zap.Error(err))
	}

	doneC, stopC, err := binance.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBrokerSubscribeFailed, "failed to open user data stream", err)
	}

	go func() {
		// Binance expires listen keys after 60 minutes without a keepalive.
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-b.done:
				close(stopC)

				return
			case <-doneC:
				return
			case <-ticker.C:
				if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(context.Background()); err != nil {
					b.log.Error("user data stream keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	b.userStream = true

	return nil
}

// handleOrderUpdate converts an execution report into a broker event.
func (b *LiveBroker) handleOrderUpdate(update binance.WsOrderUpdate) {
	event := broker.Event{
		OrderID: update.ClientOrderId,
		Symbol:  update.Symbol,
		Time:    time.UnixMilli(update.TransactionTime),
	}

	switch update.Status {
	case string(binance.OrderStatusTypeNew):
		event.Type = broker.EventOrderAccepted
	case string(binance.OrderStatusTypeFilled):
		event.Type = broker.EventOrderFilled
		event.FillPrice, _ = strconv.ParseFloat(update.LatestPrice, 64)
		event.FilledQuantity, _ = strconv.ParseFloat(update.FilledVolume, 64)
	case string(binance.OrderStatusTypeCanceled), string(binance.OrderStatusTypeExpired):
		event.Type = broker.EventOrderCancelled
		event.Reason = string(update.Status)
	case string(binance.OrderStatusTypeRejected):
		event.Type = broker.EventOrderRejected
		event.Reason = update.RejectReason
	default:
		// partial fills surface once the order completes
		return
	}

	select {
	case b.events <- event:
	default:
		b.log.Error("event buffer full, dropping order update",
			zap.String("order_id", event.OrderID), zap.String("type", string(event.Type)))
	}
}

// isBaseAssetOf reports whether asset is the base asset of the trading pair
// symbol, e.g. BTC for BTCUSDT.
func isBaseAssetOf(asset, symbol string) bool {
	return len(asset) < len(symbol) && symbol[:len(asset)] == asset
}

// intervalString converts a bar interval to the Binance kline interval code.
func intervalString(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "1m", nil
	case 3 * time.Minute:
		return "3m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	case 2 * time.Hour:
		return "2h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 24 * time.Hour:
		return "1d", nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidConfiguration, "unsupported bar interval %s", interval)
	}
}

// barFromKline parses a closed websocket kline into a bar.
func barFromKline(kline binance.WsKline) (types.Bar, error) {
	open, err := strconv.ParseFloat(kline.Open, 64)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeBarParseFailed, "bad open price", err)
	}

	high, err := strconv.ParseFloat(kline.High, 64)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeBarParseFailed, "bad high price", err)
	}

	low, err := strconv.ParseFloat(kline.Low, 64)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeBarParseFailed, "bad low price", err)
	}

	closePrice, err := strconv.ParseFloat(kline.Close, 64)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeBarParseFailed, "bad close price", err)
	}

	volume, err := strconv.ParseFloat(kline.Volume, 64)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeBarParseFailed, "bad volume", err)
	}

	return types.Bar{
		Symbol: kline.Symbol,
		Time:   time.UnixMilli(kline.EndTime),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePrice,
		Volume: volume,
	}, nil
}

var _ broker.Broker = (*LiveBroker)(nil)
