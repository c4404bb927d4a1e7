package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderPaid        = "ORDER_PAID"
	EventTypeOrderFailed      = "ORDER_FAILED"
	EventTypeOrderExpired     = "ORDER_EXPIRED"
	EventTypePaymentRequested = "PAYMENT_REQUESTED"
	EventTypePaymentCallback  = "PAYMENT_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published after a checkout commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID      int64           `json:"order_id"`
	UserID       int64           `json:"user_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Items        []OrderItemData `json:"items"`
	SkippedItems []SkippedItem   `json:"skipped_items,omitempty"`
}

// OrderPaidEvent published when a payment is verified
type OrderPaidEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	PaymentID int64           `json:"payment_id"`
	TrackID   string          `json:"track_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// OrderFailedEvent published when the gateway declines a payment
type OrderFailedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	UserID     int64  `json:"user_id"`
	PaymentID  int64  `json:"payment_id"`
	TrackID    string `json:"track_id"`
	ResultCode int    `json:"result_code"`
}

// OrderExpiredEvent published for each order expired by the sweep
type OrderExpiredEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}

// PaymentRequestedEvent published when the gateway accepts a payment request
type PaymentRequestedEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	PaymentID int64           `json:"payment_id"`
	TrackID   string          `json:"track_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentCallbackEvent carries a gateway callback delivered through the broker
type PaymentCallbackEvent struct {
	BaseEvent
	TrackID string `json:"track_id"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
