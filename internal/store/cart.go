package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const cartLineColumns = `
	c.user_id, c.product_id, c.quantity, c.created_at, c.updated_at,
	p.id AS "product.id", p.title AS "product.title", p.price AS "product.price",
	p.stock AS "product.stock", p.discount_percent AS "product.discount_percent",
	p.created_at AS "product.created_at", p.updated_at AS "product.updated_at"`

// ListCart returns the user's cart lines, newest first
func (q *queries) ListCart(ctx context.Context, userID int64) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	err := sqlx.SelectContext(ctx, q.ext, &lines,
		`SELECT `+cartLineColumns+`
		FROM cart_items c JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.created_at DESC, c.product_id`, userID)
	return lines, err
}

// LockUserCart serialises cart mutations for one user, including the first insert
// of a row that does not exist yet. Released at transaction end.
func (q *queries) LockUserCart(ctx context.Context, userID int64) error {
	_, err := q.ext.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtextextended('cart:' || $1::text, 0))", userID)
	if err != nil {
		return fmt.Errorf("failed to lock cart: %w", err)
	}
	return nil
}

// LockCartLines locks the user's cart rows and their products. Products are locked
// in id order so concurrent checkouts sharing products cannot deadlock.
func (q *queries) LockCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	err := sqlx.SelectContext(ctx, q.ext, &lines,
		`SELECT `+cartLineColumns+`
		FROM cart_items c JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.product_id
		FOR UPDATE OF c, p`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock cart lines: %w", err)
	}
	return lines, nil
}

// GetCartItemForUpdate locks one cart row, returning nil when absent
func (q *queries) GetCartItemForUpdate(ctx context.Context, userID, productID int64) (*models.CartItem, error) {
	var item models.CartItem
	err := sqlx.GetContext(ctx, q.ext, &item,
		"SELECT * FROM cart_items WHERE user_id = $1 AND product_id = $2 FOR UPDATE",
		userID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpsertCartItem sets the quantity of a cart row, creating it if needed
func (q *queries) UpsertCartItem(ctx context.Context, userID, productID int64, quantity int) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		userID, productID, quantity)
	if err != nil {
		return fmt.Errorf("failed to upsert cart item: %w", err)
	}
	return nil
}

// DeleteCartItems removes the given products from the user's cart
func (q *queries) DeleteCartItems(ctx context.Context, userID int64, productIDs []int64) (int64, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	res, err := q.ext.ExecContext(ctx,
		"DELETE FROM cart_items WHERE user_id = $1 AND product_id = ANY($2)",
		userID, pq.Array(productIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete cart items: %w", err)
	}
	return res.RowsAffected()
}

// ClearCart removes every row of the user's cart
func (q *queries) ClearCart(ctx context.Context, userID int64) (int64, error) {
	res, err := q.ext.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cart: %w", err)
	}
	return res.RowsAffected()
}
