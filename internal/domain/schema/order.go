package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	// OrderStatusPreSubmitted marks an order accepted but not yet working at the exchange.
	OrderStatusPreSubmitted OrderStatus = "PreSubmitted"
	// OrderStatusSubmitted marks a working order.
	OrderStatusSubmitted OrderStatus = "Submitted"
	// OrderStatusFilled marks a completely filled order.
	OrderStatusFilled OrderStatus = "Filled"
	// OrderStatusCancelled marks a cancelled order.
	OrderStatusCancelled OrderStatus = "Cancelled"
	// OrderStatusInactive marks an order rejected or parked by the broker.
	OrderStatusInactive OrderStatus = "Inactive"
)

// ParseOrderStatus folds the broker's status vocabulary onto the five tracked states.
// Pending states collapse onto their nearest working state.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "presubmitted", "pendingsubmit", "apipending":
		return OrderStatusPreSubmitted, true
	case "submitted", "pendingcancel":
		return OrderStatusSubmitted, true
	case "filled":
		return OrderStatusFilled, true
	case "cancelled", "canceled", "apicancelled", "apicanceled":
		return OrderStatusCancelled, true
	case "inactive":
		return OrderStatusInactive, true
	default:
		return "", false
	}
}

// Terminal reports whether the status removes an order from the open set.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusInactive:
		return true
	default:
		return false
	}
}

// OpenOrder is the last complete snapshot of a working order.
type OpenOrder struct {
	OrderID      int64           `json:"orderId"`
	PermID       int64           `json:"permId"`
	ClientID     int64           `json:"clientId"`
	Account      string          `json:"account"`
	Contract     Contract        `json:"contract"`
	Side         Side            `json:"side"`
	OrderType    string          `json:"orderType"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limitPrice"`
	AuxPrice     decimal.Decimal `json:"auxPrice"`
	TIF          string          `json:"tif,omitempty"`
	Status       OrderStatus     `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// HistoryEntry is the immutable record of an order at the moment it left the open set.
type HistoryEntry struct {
	Order          OpenOrder       `json:"order"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	ClosedAt       time.Time       `json:"closedAt"`
}

// OrderID is a convenience accessor for the embedded order id.
func (h HistoryEntry) OrderID() int64 {
	return h.Order.OrderID
}
