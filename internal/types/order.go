package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/quantfold/tradebot/pkg/errors"
)

type OrderSide string

type OrderRole string

type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	// OrderRoleEntry is the bracket's entry limit order.
	OrderRoleEntry OrderRole = "ENTRY"
	// OrderRoleTakeProfit is the bracket's take-profit exit leg.
	OrderRoleTakeProfit OrderRole = "TAKE_PROFIT"
	// OrderRoleStopLoss is the bracket's stop-loss exit leg.
	OrderRoleStopLoss OrderRole = "STOP_LOSS"
	// OrderRoleFlatten is an emergency market order that bypasses bracket logic.
	OrderRoleFlatten OrderRole = "FLATTEN"
)

const (
	OrderStatusPendingSubmit OrderStatus = "PENDING_SUBMIT"
	OrderStatusSubmitted     OrderStatus = "SUBMITTED"
	OrderStatusFilled        OrderStatus = "FILLED"
	OrderStatusCancelled     OrderStatus = "CANCELLED"
	OrderStatusTimedOut      OrderStatus = "TIMED_OUT"
	OrderStatusRejected      OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status ends the order's lifecycle.
// Terminal non-filled statuses free the instrument for a new bracket.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusTimedOut, OrderStatusRejected:
		return true
	case OrderStatusPendingSubmit, OrderStatusSubmitted:
		return false
	}

	return false
}

// CanTransitionTo reports whether the order state machine allows moving from
// s to next. Transitions are monotonic: PENDING_SUBMIT -> SUBMITTED ->
// {FILLED, CANCELLED, TIMED_OUT, REJECTED}, with rejection allowed straight
// from PENDING_SUBMIT when submission never reaches the broker.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPendingSubmit:
		return next == OrderStatusSubmitted || next == OrderStatusRejected
	case OrderStatusSubmitted:
		return next.IsTerminal()
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusTimedOut, OrderStatusRejected:
		return false
	}

	return false
}

// OrderInfo tracks one order through its lifecycle. It is owned exclusively by
// the order lifecycle manager for its instrument; no other component mutates it.
type OrderInfo struct {
	OrderID  string    `yaml:"order_id" json:"order_id" validate:"required,uuid"`
	Symbol   string    `yaml:"symbol" json:"symbol" validate:"required"`
	Side     OrderSide `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Role     OrderRole `yaml:"role" json:"role" validate:"required,oneof=ENTRY TAKE_PROFIT STOP_LOSS FLATTEN"`
	Quantity float64   `yaml:"quantity" json:"quantity" validate:"required,gt=0"`
	// LimitPrice is the limit price for the order. Zero means a market order.
	LimitPrice float64 `yaml:"limit_price" json:"limit_price" validate:"gte=0"`
	// TakeProfit is the linked take-profit price. Set on entry orders only.
	TakeProfit optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
	// StopLoss is the linked stop-loss price. Set on entry orders only.
	StopLoss optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	// BracketID groups the entry and its OCO exit legs.
	BracketID  string      `yaml:"bracket_id" json:"bracket_id"`
	SubmitTime time.Time   `yaml:"submit_time" json:"submit_time"`
	Status     OrderStatus `yaml:"status" json:"status"`
	// FillPrice and FilledQuantity are set when the order reaches FILLED.
	FillPrice      float64 `yaml:"fill_price" json:"fill_price"`
	FilledQuantity float64 `yaml:"filled_quantity" json:"filled_quantity"`
	// StrategyName identifies which strategy created the order.
	StrategyName string `yaml:"strategy_name" json:"strategy_name" validate:"required"`
}

// Validate validates the OrderInfo struct.
func (o *OrderInfo) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid order", err)
	}

	if o.TakeProfit.IsSome() && o.TakeProfit.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeInvalidTakeProfit, "take profit price must be positive")
	}

	if o.StopLoss.IsSome() && o.StopLoss.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeInvalidStopLoss, "stop loss price must be positive")
	}

	return nil
}

// Transition moves the order to the next status, enforcing the state machine.
func (o *OrderInfo) Transition(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return errors.Newf(errors.ErrCodeInvalidTransition,
			"order %s cannot transition from %s to %s", o.OrderID, o.Status, next)
	}

	o.Status = next

	return nil
}

// IsOutstanding reports whether the order is still live at the broker.
func (o *OrderInfo) IsOutstanding() bool {
	return !o.Status.IsTerminal()
}

// Age returns how long the order has been outstanding as of now.
func (o *OrderInfo) Age(now time.Time) time.Duration {
	return now.Sub(o.SubmitTime)
}
