package service

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Expiry defaults
const (
	DefaultOrderExpiry    = 30 * time.Minute
	DefaultSweepBatchSize = 500
)

// ExpiryService expires abandoned pending orders and returns their stock
type ExpiryService struct {
	repo      store.Repository
	gate      InventoryGate
	publisher EventPublisher
	expiry    time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewExpiryService creates a new expiry service
func NewExpiryService(repo store.Repository, publisher EventPublisher, expiry time.Duration, batchSize int) *ExpiryService {
	if expiry <= 0 {
		expiry = DefaultOrderExpiry
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &ExpiryService{
		repo:      repo,
		publisher: publisher,
		expiry:    expiry,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// SweepResult describes one expired batch
type SweepResult struct {
	Expired         []int64 `json:"expired_order_ids"`
	RestoredUnits   int     `json:"restored_units"`
	PaymentsExpired int64   `json:"payments_expired"`
	More            bool    `json:"more"`
}

// ExpireStale expires one batch of orders pending since before now minus the expiry
// window. The status flip, the stock restoration and the payment expiry share one
// transaction, and only orders whose flip actually happened have stock restored,
// so re-running after a crash can never restore an order twice. More is set when
// the batch was full and another call may find work.
func (s *ExpiryService) ExpireStale(ctx context.Context, now time.Time) (*SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "ExpiryService.ExpireStale")
	defer span.End()

	cutoff := now.Add(-s.expiry)
	result := &SweepResult{Expired: []int64{}}
	owners := make(map[int64]int64)

	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		orders, err := q.LockExpiredPendingOrders(ctx, cutoff, s.batchSize)
		if err != nil {
			return err
		}
		result.More = len(orders) == s.batchSize
		if len(orders) == 0 {
			return nil
		}

		ids := make([]int64, len(orders))
		for i, o := range orders {
			ids[i] = o.ID
			owners[o.ID] = o.UserID
		}

		expired, err := q.ExpireOrders(ctx, ids)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		items, err := q.GetOrderItems(ctx, expired)
		if err != nil {
			return err
		}
		units, err := s.gate.Restore(ctx, q, sumQuantities(items))
		if err != nil {
			return err
		}

		payments, err := q.ExpirePendingPayments(ctx, expired)
		if err != nil {
			return err
		}

		result.Expired = expired
		result.RestoredUnits = units
		result.PaymentsExpired = payments
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		s.logger.Error("Expiry sweep failed", zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("expired", len(result.Expired)))
	if len(result.Expired) == 0 {
		return result, nil
	}

	util.OrdersExpiredTotal.Add(float64(len(result.Expired)))
	recordRestored(RestoreReasonExpired, result.RestoredUnits)
	s.logger.Info("Expired stale orders",
		zap.Int("orders", len(result.Expired)),
		zap.Int("restored_units", result.RestoredUnits),
		zap.Int64("payments_expired", result.PaymentsExpired),
		zap.Time("cutoff", cutoff))

	for _, id := range result.Expired {
		event := &models.OrderExpiredEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeOrderExpired),
			OrderID:   id,
			UserID:    owners[id],
		}
		if err := s.publisher.PublishOrderExpired(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderExpired event", zap.Int64("order_id", id), zap.Error(err))
		}
	}
	return result, nil
}
