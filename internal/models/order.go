package models

import "time"

// OrderSide distinguishes entry orders from exit orders.
type OrderSide string

const (
	// OrderSideEntry opens a spread.
	OrderSideEntry OrderSide = "ENTRY"
	// OrderSideExit closes a spread.
	OrderSideExit OrderSide = "EXIT"
)

// OrderStatus is the local view of a broker order's status.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPlaced    OrderStatus = "PLACED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the order status admits no further fills.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order is the local record of an outbound broker order. Every order is
// back-linked to its proposal and carries a unique client-generated id.
type Order struct {
	ID             string      `json:"id"`
	ProposalID     string      `json:"proposal_id"`
	TradeID        string      `json:"trade_id,omitempty"`
	ClientOrderID  string      `json:"client_order_id"`
	TradierOrderID string      `json:"tradier_order_id,omitempty"`
	Side           OrderSide   `json:"side"`
	Status         OrderStatus `json:"status"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	FilledQty      int         `json:"filled_qty"`
	RemainingQty   int         `json:"remaining_qty"`
	SnapshotID     string      `json:"snapshot_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
