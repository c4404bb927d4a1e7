package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Product is the catalog view the checkout core depends on
type Product struct {
	ID              int64           `db:"id" json:"id"`
	Title           string          `db:"title" json:"title"`
	Price           decimal.Decimal `db:"price" json:"price"`
	Stock           int             `db:"stock" json:"stock"`
	DiscountPercent int             `db:"discount_percent" json:"discount_percent"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// DiscountedPrice returns the unit price after the active discount, rounded to cents
func (p *Product) DiscountedPrice() decimal.Decimal {
	pct := p.DiscountPercent
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return p.Price.Mul(hundred.Sub(decimal.NewFromInt(int64(pct)))).Div(hundred).Round(2)
}

// CartItem is one (user, product) row of a cart
type CartItem struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CartLine is a cart row joined with its product
type CartLine struct {
	CartItem
	Product Product `db:"product" json:"product"`
}

// Subtotal is the discounted price times the quantity
func (l *CartLine) Subtotal() decimal.Decimal {
	return l.Product.DiscountedPrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Order is a purchase record with a monetary snapshot
type Order struct {
	ID              int64           `db:"id" json:"id"`
	UserID          int64           `db:"user_id" json:"user_id"`
	Status          OrderStatus     `db:"status" json:"status"`
	ShippingAddress string          `db:"shipping_address" json:"shipping_address"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	PaidAt          *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
}

// OrderItem is an immutable receipt line
type OrderItem struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	ProductID       int64           `db:"product_id" json:"product_id"`
	Quantity        int             `db:"quantity" json:"quantity"`
	PriceAtPurchase decimal.Decimal `db:"price_at_purchase" json:"price_at_purchase"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// LineTotal is price_at_purchase times quantity
func (i *OrderItem) LineTotal() decimal.Decimal {
	return i.PriceAtPurchase.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderWithItems is an order and its receipt lines
type OrderWithItems struct {
	Order
	Items []OrderItem `json:"items"`
}

// Payment is one settlement attempt through the gateway
type Payment struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	Gateway     string          `db:"gateway" json:"gateway"`
	TrackID     string          `db:"track_id" json:"track_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Status      PaymentStatus   `db:"status" json:"status"`
	RawResponse types.JSONText  `db:"raw_response" json:"raw_response,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	PaidAt      *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
}

// PaymentWithOrder is a payment history row
type PaymentWithOrder struct {
	Payment
	Order Order `db:"order" json:"order"`
}

// SkippedItem is a cart line left out of an order
type SkippedItem struct {
	ProductID int64  `json:"product_id"`
	Title     string `json:"title"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}
