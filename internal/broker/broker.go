// Package broker defines the execution-side interface the lifecycle manager
// and monitor talk to, plus an in-memory paper broker for tests and dry runs.
// Live adapters live in subpackages.
package broker

import (
	"context"
	"time"

	"github.com/quantfold/tradebot/internal/types"
)

// EventType identifies an asynchronous order event from the broker.
type EventType string

const (
	// EventOrderAccepted means the broker acknowledged the order as working.
	EventOrderAccepted EventType = "ORDER_ACCEPTED"
	// EventOrderFilled means the order filled, fully.
	EventOrderFilled EventType = "ORDER_FILLED"
	// EventOrderCancelled means the broker confirmed a cancellation.
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	// EventOrderRejected means the broker refused the order.
	EventOrderRejected EventType = "ORDER_REJECTED"
)

// Event is one asynchronous order update. Events for one symbol are delivered
// in occurrence order.
type Event struct {
	Type           EventType
	OrderID        string
	Symbol         string
	Time           time.Time
	FillPrice      float64
	FilledQuantity float64
	// Reason is set on rejections and broker-initiated cancellations.
	Reason string
}

// Broker is the execution venue abstraction. Implementations must deliver
// order updates on the Events channel and never invoke callbacks into the
// caller.
type Broker interface {
	// SubscribeBars streams closed bars for the symbol at the given interval.
	// The channel closes when ctx is done or the stream fails.
	SubscribeBars(ctx context.Context, symbol string, interval time.Duration) (<-chan types.Bar, error)
	// SubscribeTicks streams live quotes for the symbol.
	SubscribeTicks(ctx context.Context, symbol string) (<-chan types.Tick, error)
	// UnsubscribeTicks stops the tick stream for the symbol and closes its
	// channel.
	UnsubscribeTicks(symbol string) error
	// SubmitOrder sends the order to the venue. A nil return means accepted
	// for working; the fill arrives later on Events.
	SubmitOrder(ctx context.Context, order types.OrderInfo) error
	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, orderID string) error
	// Events returns the stream of asynchronous order updates.
	Events() <-chan Event
	// ReportedPosition returns the venue's view of the net position, used to
	// detect divergence from the locally tracked position.
	ReportedPosition(ctx context.Context, symbol string) (float64, error)
	// Close releases all streams and resources.
	Close() error
}
