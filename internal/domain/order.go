package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the offsetting side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntrySide maps a position side to the venue side that opens it.
func (s Side) EntrySide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide maps a position side to the venue side that reduces it.
func (s Side) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus tracks the order lifecycle at the venue.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the venue will never change the status again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is a new order to submit to the execution venue.
type OrderRequest struct {
	ClientID   string // idempotency key, chosen by the caller
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   int64
	LimitPrice float64 // limit orders only
	StopPrice  float64 // stop orders only
}

// VenueOrder is the venue's view of an order.
type VenueOrder struct {
	ID             string
	ClientID       string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Quantity       int64
	FilledQuantity int64
	LimitPrice     float64
	StopPrice      float64
	AvgFillPrice   float64
	Status         OrderStatus
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// FullyFilled reports whether every requested unit has been executed.
func (o VenueOrder) FullyFilled() bool {
	return o.Status == OrderStatusFilled && o.FilledQuantity >= o.Quantity
}
