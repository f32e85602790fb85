// Package telemetry delivers structured bot events to a sink without ever
// blocking the decision or order path. Durability is the sink's concern, not
// the bot's: events that cannot be buffered are counted and dropped.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/logger"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	// EventNewBar is emitted for every bar accepted by a decision engine.
	EventNewBar EventType = "new_bar"
	// EventDecision is emitted for every trade decision, signal or not.
	EventDecision EventType = "decision"
	// EventOrderTransition is emitted on every order state transition.
	EventOrderTransition EventType = "order_transition"
	// EventConnection is emitted on broker connection state changes.
	EventConnection EventType = "connection"
)

// Event is a single telemetry event with bot context.
type Event struct {
	// Time is the event time (market time where applicable).
	Time time.Time
	// Type is the kind of event.
	Type EventType
	// Symbol is the instrument the event concerns.
	Symbol string
	// Strategy is the strategy name of the emitting bot.
	Strategy string
	// Message is a short human-readable description.
	Message string
	// Fields contains optional structured key-value data.
	Fields map[string]string
}

// Sink receives telemetry events. Publish must never block.
type Sink interface {
	// Publish delivers an event. Implementations drop rather than block.
	Publish(event Event)
	// Close flushes and stops the sink.
	Close()
}

const defaultBufferSize = 256

// LogSink writes events to the structured logger from a background goroutine.
// Publish enqueues onto a bounded channel and drops when the buffer is full.
type LogSink struct {
	log     *logger.Logger
	events  chan Event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// NewLogSink creates a LogSink and starts its delivery goroutine.
func NewLogSink(log *logger.Logger) *LogSink {
	s := &LogSink{
		log:    log,
		events: make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}

	go s.run()

	return s
}

// Publish implements Sink. It never blocks; events are dropped when the
// buffer is full and accounted for in Dropped.
func (s *LogSink) Publish(event Event) {
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *LogSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close implements Sink. Queued events are delivered before Close returns.
func (s *LogSink) Close() {
	s.once.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *LogSink) run() {
	defer close(s.done)

	for event := range s.events {
		fields := make([]zap.Field, 0, len(event.Fields)+4)
		fields = append(fields,
			zap.String("event", string(event.Type)),
			zap.String("symbol", event.Symbol),
			zap.String("strategy", event.Strategy),
			zap.Time("event_time", event.Time),
		)

		for k, v := range event.Fields {
			fields = append(fields, zap.String(k, v))
		}

		s.log.Info(event.Message, fields...)
	}
}

// NopSink discards every event. Useful in tests and when telemetry is disabled.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}

// Close implements Sink.
func (NopSink) Close() {}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = NopSink{}
)
