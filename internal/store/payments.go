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

// CreatePayment creates a new payment record
func (q *queries) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, user_id, gateway, track_id, amount, status, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, q.ext, payment, query,
		payment.OrderID, payment.UserID, payment.Gateway, payment.TrackID,
		payment.Amount, payment.Status, rawJSON(payment.RawResponse))
	if err != nil {
		return mapError(fmt.Errorf("failed to create payment: %w", err))
	}
	return nil
}

// GetPendingPayment returns the newest pending payment of an order, or nil
func (q *queries) GetPendingPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment, `
		SELECT * FROM payments WHERE order_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		orderID, models.PaymentStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByTrackID returns the payment with a gateway track id, or nil
func (q *queries) GetPaymentByTrackID(ctx context.Context, trackID string) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment, "SELECT * FROM payments WHERE track_id = $1", trackID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// LockPayment locks a payment row
func (q *queries) LockPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// SettlePayment moves a pending payment to a final status. It reports false when
// the payment had already left PENDING.
func (q *queries) SettlePayment(ctx context.Context, paymentID int64, status models.PaymentStatus, raw []byte, paidAt *time.Time) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, raw_response = $2::jsonb, paid_at = COALESCE($3, paid_at), updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		status, rawJSON(raw), paidAt, paymentID, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to settle payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpirePendingPayments marks the pending payments of the given orders EXPIRED
func (q *queries) ExpirePendingPayments(ctx context.Context, orderIDs []int64) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	res, err := q.ext.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE order_id = ANY($2) AND status = $3`,
		models.PaymentStatusExpired, pq.Array(orderIDs), models.PaymentStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to expire payments: %w", err)
	}
	return res.RowsAffected()
}

// ListPayments returns a user's payments with their orders, newest first
func (q *queries) ListPayments(ctx context.Context, userID int64) ([]models.PaymentWithOrder, error) {
	payments := []models.PaymentWithOrder{}
	err := sqlx.SelectContext(ctx, q.ext, &payments, `
		SELECT p.*,
			o.id AS "order.id", o.user_id AS "order.user_id", o.status AS "order.status",
			o.shipping_address AS "order.shipping_address", o.total_amount AS "order.total_amount",
			o.created_at AS "order.created_at", o.updated_at AS "order.updated_at",
			o.paid_at AS "order.paid_at"
		FROM payments p JOIN orders o ON o.id = p.order_id
		WHERE p.user_id = $1
		ORDER BY p.created_at DESC, p.id DESC`, userID)
	return payments, err
}

func rawJSON(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
