package store

import (
	"context"
	"time"

	"checkout-service/internal/models"
)

// Reader is the read side shared by the repository and its transactions.
// Single-row lookups that may legitimately miss return (nil, nil); GetProduct and
// GetOrder return apperr NotFound errors instead.
type Reader interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListCart(ctx context.Context, userID int64) ([]models.CartLine, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderIDs []int64) ([]models.OrderItem, error)
	GetLatestPendingOrder(ctx context.Context, userID int64) (*models.Order, error)
	GetPendingPayment(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByTrackID(ctx context.Context, trackID string) (*models.Payment, error)
	ListPayments(ctx context.Context, userID int64) ([]models.PaymentWithOrder, error)
}

// Queries is everything available inside a transaction. Lock* methods take row
// locks that are held until the transaction ends.
type Queries interface {
	Reader

	// cart
	LockUserCart(ctx context.Context, userID int64) error
	LockCartLines(ctx context.Context, userID int64) ([]models.CartLine, error)
	GetCartItemForUpdate(ctx context.Context, userID, productID int64) (*models.CartItem, error)
	UpsertCartItem(ctx context.Context, userID, productID int64, quantity int) error
	DeleteCartItems(ctx context.Context, userID int64, productIDs []int64) (int64, error)
	ClearCart(ctx context.Context, userID int64) (int64, error)

	// inventory
	DecrementStockIfAvailable(ctx context.Context, productID int64, quantity int) (bool, error)
	RestoreStock(ctx context.Context, productID int64, quantity int) error

	// orders
	LockPendingOrder(ctx context.Context, userID int64) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItems(ctx context.Context, items []models.OrderItem) error
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	TransitionOrder(ctx context.Context, orderID int64, from, to models.OrderStatus, paidAt *time.Time) (bool, error)
	LockExpiredPendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
	ExpireOrders(ctx context.Context, orderIDs []int64) ([]int64, error)

	// payments
	CreatePayment(ctx context.Context, payment *models.Payment) error
	LockPayment(ctx context.Context, paymentID int64) (*models.Payment, error)
	SettlePayment(ctx context.Context, paymentID int64, status models.PaymentStatus, raw []byte, paidAt *time.Time) (bool, error)
	ExpirePendingPayments(ctx context.Context, orderIDs []int64) (int64, error)
}

// Repository runs reads directly and mutations inside WithTx. Returning an error
// from fn rolls the whole transaction back.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}
