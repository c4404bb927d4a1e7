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

const uniqueViolation = "23505"

// queries holds the SQL shared by Store and Tx
type queries struct {
	ext sqlx.ExtContext
}

// Store is the PostgreSQL repository
type Store struct {
	queries
	db *sqlx.DB
}

// Tx is a repository bound to one database transaction
type Tx struct {
	queries
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: queries{ext: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a READ COMMITTED transaction, committing when fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{queries: queries{ext: tx}}); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// mapError turns constraint violations into classified conflicts
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "orders_one_pending_per_user":
		return apperr.ErrPendingOrderExists.Wrap(err)
	case "payments_one_pending_per_order", "payments_track_id_key":
		return apperr.ErrPaymentInProgress.Wrap(err)
	}
	return err
}

// GetProduct retrieves a product by ID
func (q *queries) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q.ext, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrProductNotFound.WithDetails(map[string]any{"product_id": id})
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// DecrementStockIfAvailable takes quantity units in one conditional statement
func (q *queries) DecrementStockIfAvailable(ctx context.Context, productID int64, quantity int) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1",
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RestoreStock returns quantity units to a product
func (q *queries) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	return nil
}

// UpsertProduct creates or replaces a catalog row
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (id, title, price, stock, discount_percent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, price = EXCLUDED.price, stock = EXCLUDED.stock,
		    discount_percent = EXCLUDED.discount_percent, updated_at = NOW()
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query, p.ID, p.Title, p.Price, p.Stock, p.DiscountPercent).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}
