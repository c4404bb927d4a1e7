package service

import (
	"context"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
)

// EventPublisher publishes domain events once their transaction has committed
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error
	PublishPaymentRequested(ctx context.Context, event *models.PaymentRequestedEvent) error
}

// Gateway is the external payment gateway
type Gateway interface {
	Name() string
	PaymentURL(trackID string) string
	Request(ctx context.Context, amount int64) (*gateway.RequestResult, error)
	Verify(ctx context.Context, trackID string) (*gateway.VerifyResult, error)
}

// Locker hands out expiring cross-instance locks
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// resultLabel turns an operation outcome into a metric label
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return "error"
}
