package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, status, shipping_address, total_amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, q.ext, order, query,
		order.UserID, order.Status, order.ShippingAddress, order.TotalAmount)
	if err != nil {
		return mapError(fmt.Errorf("failed to create order: %w", err))
	}
	return nil
}

// CreateOrderItems inserts all receipt lines of an order in one statement
func (q *queries) CreateOrderItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}

	rows, err := sqlx.NamedQueryContext(ctx, q.ext, `
		INSERT INTO order_items (order_id, product_id, quantity, price_at_purchase)
		VALUES (:order_id, :product_id, :quantity, :price_at_purchase)
		RETURNING id, created_at`, items)
	if err != nil {
		return fmt.Errorf("failed to create order items: %w", err)
	}
	defer rows.Close()

	for i := 0; rows.Next(); i++ {
		if i >= len(items) {
			return fmt.Errorf("unexpected extra order item row")
		}
		if err := rows.Scan(&items[i].ID, &items[i].CreatedAt); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetOrder retrieves an order by ID
func (q *queries) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrOrderNotFound.WithDetails(map[string]any{"order_id": orderID})
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders for a user, newest first
func (q *queries) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, q.ext, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return orders, err
}

// GetOrderItems retrieves the items of several orders
func (q *queries) GetOrderItems(ctx context.Context, orderIDs []int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	if len(orderIDs) == 0 {
		return items, nil
	}
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT * FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id",
		pq.Array(orderIDs))
	return items, err
}

// GetLatestPendingOrder returns the newest pending order of a user, or nil
func (q *queries) GetLatestPendingOrder(ctx context.Context, userID int64) (*models.Order, error) {
	return q.pendingOrder(ctx, userID, "")
}

// LockPendingOrder is GetLatestPendingOrder holding a row lock
func (q *queries) LockPendingOrder(ctx context.Context, userID int64) (*models.Order, error) {
	return q.pendingOrder(ctx, userID, " FOR UPDATE")
}

func (q *queries) pendingOrder(ctx context.Context, userID int64, lock string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT * FROM orders WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC LIMIT 1"+lock,
		userID, models.OrderStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder locks an order row
func (q *queries) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrOrderNotFound.WithDetails(map[string]any{"order_id": orderID})
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrder moves an order from one status to another only if it is still in
// the from status. It reports whether the row changed.
func (q *queries) TransitionOrder(ctx context.Context, orderID int64, from, to models.OrderStatus, paidAt *time.Time) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE orders SET status = $1, paid_at = COALESCE($2, paid_at), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		to, paidAt, orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LockExpiredPendingOrders locks up to limit pending orders created before the cutoff.
// Rows already locked by another transaction are skipped.
func (q *queries) LockExpiredPendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, q.ext, &orders, `
		SELECT * FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY id
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		models.OrderStatusPending, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired orders: %w", err)
	}
	return orders, nil
}

// ExpireOrders flips still-pending orders to EXPIRED and returns the ids it changed
func (q *queries) ExpireOrders(ctx context.Context, orderIDs []int64) ([]int64, error) {
	expired := []int64{}
	if len(orderIDs) == 0 {
		return expired, nil
	}
	err := sqlx.SelectContext(ctx, q.ext, &expired, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status = $3
		RETURNING id`,
		models.OrderStatusExpired, pq.Array(orderIDs), models.OrderStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to expire orders: %w", err)
	}
	return expired, nil
}
