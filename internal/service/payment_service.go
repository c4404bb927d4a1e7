package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultRequestLockTTL = 30 * time.Second

// PaymentService drives payments through the external gateway. Gateway calls are
// never made while a database transaction is open.
type PaymentService struct {
	repo      store.Repository
	gateway   Gateway
	locker    Locker
	publisher EventPublisher
	gate      InventoryGate
	lockTTL   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service. locker may be nil, in which case
// concurrent requests for one order are resolved by the database alone.
func NewPaymentService(repo store.Repository, gw Gateway, locker Locker, publisher EventPublisher, lockTTL time.Duration) *PaymentService {
	if lockTTL <= 0 {
		lockTTL = defaultRequestLockTTL
	}
	return &PaymentService{
		repo:      repo,
		gateway:   gw,
		locker:    locker,
		publisher: publisher,
		lockTTL:   lockTTL,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// PaymentRequestResult tells the customer where to pay
type PaymentRequestResult struct {
	OrderID          int64           `json:"order_id"`
	PaymentID        int64           `json:"payment_id"`
	TrackID          string          `json:"track_id"`
	PaymentURL       string          `json:"payment_url"`
	Amount           decimal.Decimal `json:"amount"`
	AlreadyInitiated bool            `json:"already_initiated"`
}

// VerifyResult is the outcome of a gateway callback
type VerifyResult struct {
	OrderID        int64                `json:"order_id"`
	PaymentID      int64                `json:"payment_id"`
	TrackID        string               `json:"track_id"`
	OrderStatus    models.OrderStatus   `json:"order_status"`
	PaymentStatus  models.PaymentStatus `json:"payment_status"`
	ResultCode     int                  `json:"result_code"`
	AlreadySettled bool                 `json:"already_settled"`
}

// RequestPayment opens a gateway payment for the user's pending order. A payment
// already pending for that order is returned unchanged instead of opening another.
func (s *PaymentService) RequestPayment(ctx context.Context, userID int64) (*PaymentRequestResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RequestPayment")
	defer span.End()

	result, err := s.requestPayment(ctx, userID)
	label := resultLabel(err)
	if err == nil && result.AlreadyInitiated {
		label = "already_initiated"
	}
	util.PaymentRequestsTotal.WithLabelValues(label).Inc()
	util.RecordError(span, err)
	return result, err
}

func (s *PaymentService) requestPayment(ctx context.Context, userID int64) (*PaymentRequestResult, error) {
	order, err := s.repo.GetLatestPendingOrder(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending order: %w", err)
	}
	if order == nil {
		return nil, apperr.ErrNoPendingOrder
	}

	if existing, err := s.existingPayment(ctx, order); existing != nil || err != nil {
		return existing, err
	}

	if s.locker != nil {
		lockName := fmt.Sprintf("payment-request:%d", order.ID)
		token, ok, err := s.locker.AcquireLock(ctx, lockName, s.lockTTL)
		switch {
		case err != nil:
			s.logger.Warn("Payment request lock unavailable, relying on database constraints",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		case !ok:
			if existing, err := s.existingPayment(ctx, order); existing != nil || err != nil {
				return existing, err
			}
			return nil, apperr.ErrPaymentInProgress.WithDetails(map[string]any{"order_id": order.ID})
		default:
			defer func() {
				if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lockName, token); err != nil {
					s.logger.Warn("Failed to release payment request lock", zap.Int64("order_id", order.ID), zap.Error(err))
				}
			}()
			if existing, err := s.existingPayment(ctx, order); existing != nil || err != nil {
				return existing, err
			}
		}
	}

	amount := order.TotalAmount.Round(0).IntPart()
	res, err := s.gateway.Request(ctx, amount)
	if err != nil {
		return nil, apperr.ErrGatewayUnavailable.Wrap(err).WithDetails(map[string]any{"order_id": order.ID})
	}
	if !res.Accepted() {
		s.logger.Warn("Gateway rejected payment request",
			zap.Int64("order_id", order.ID),
			zap.Int("result_code", res.ResultCode),
			zap.String("message", res.Message))
		return nil, apperr.ErrGatewayRejected.WithDetails(map[string]any{
			"order_id":    order.ID,
			"result_code": res.ResultCode,
			"message":     res.Message,
		})
	}

	payment := &models.Payment{
		OrderID:     order.ID,
		UserID:      userID,
		Gateway:     s.gateway.Name(),
		TrackID:     res.TrackID,
		Amount:      order.TotalAmount,
		Status:      models.PaymentStatusPending,
		RawResponse: []byte(res.Raw),
	}

	err = s.repo.WithTx(ctx, func(q store.Queries) error {
		locked, err := q.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.OrderStatusPending {
			return apperr.ErrNoPendingOrder.WithDetails(map[string]any{"order_id": order.ID, "status": locked.Status})
		}
		return q.CreatePayment(ctx, payment)
	})
	if errors.Is(err, apperr.ErrPaymentInProgress) {
		if existing, lookupErr := s.existingPayment(ctx, order); existing != nil || lookupErr != nil {
			return existing, lookupErr
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payment requested",
		zap.Int64("order_id", order.ID),
		zap.Int64("payment_id", payment.ID),
		zap.String("track_id", payment.TrackID),
		zap.Int64("amount", amount))

	event := &models.PaymentRequestedEvent{
		BaseEvent: broker.NewBaseEvent(models.EventTypePaymentRequested),
		OrderID:   order.ID,
		UserID:    userID,
		PaymentID: payment.ID,
		TrackID:   payment.TrackID,
		Amount:    payment.Amount,
	}
	if err := s.publisher.PublishPaymentRequested(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentRequested event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	return s.requestResult(payment, false), nil
}

// existingPayment returns the order's pending payment as an already-initiated result
func (s *PaymentService) existingPayment(ctx context.Context, order *models.Order) (*PaymentRequestResult, error) {
	payment, err := s.repo.GetPendingPayment(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending payment: %w", err)
	}
	if payment == nil {
		return nil, nil
	}
	return s.requestResult(payment, true), nil
}

func (s *PaymentService) requestResult(payment *models.Payment, already bool) *PaymentRequestResult {
	return &PaymentRequestResult{
		OrderID:          payment.OrderID,
		PaymentID:        payment.ID,
		TrackID:          payment.TrackID,
		PaymentURL:       s.gateway.PaymentURL(payment.TrackID),
		Amount:           payment.Amount,
		AlreadyInitiated: already,
	}
}

// VerifyCallback settles the payment behind a gateway track id. The gateway is
// asked first; the payment and its order are then locked and moved together. A
// payment that left PENDING in the meantime is reported as already settled and
// left untouched. A declined payment returns its order's stock.
func (s *PaymentService) VerifyCallback(ctx context.Context, trackID string) (*VerifyResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyCallback")
	defer span.End()

	result, err := s.verifyCallback(ctx, strings.TrimSpace(trackID))
	label := resultLabel(err)
	if err == nil {
		label = strings.ToLower(string(result.PaymentStatus))
		if result.AlreadySettled {
			label = "already_settled"
		}
	}
	util.PaymentVerificationsTotal.WithLabelValues(label).Inc()
	util.RecordError(span, err)
	return result, err
}

func (s *PaymentService) verifyCallback(ctx context.Context, trackID string) (*VerifyResult, error) {
	if trackID == "" {
		return nil, apperr.ErrMissingTrackID
	}

	payment, err := s.repo.GetPaymentByTrackID(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	if payment == nil || payment.Status != models.PaymentStatusPending {
		return nil, apperr.ErrPaymentNotFound.WithDetails(map[string]any{"track_id": trackID})
	}

	res, err := s.gateway.Verify(ctx, trackID)
	if err != nil {
		return nil, apperr.ErrGatewayUnavailable.Wrap(err).WithDetails(map[string]any{"track_id": trackID})
	}

	result := &VerifyResult{
		OrderID:    payment.OrderID,
		PaymentID:  payment.ID,
		TrackID:    trackID,
		ResultCode: res.ResultCode,
	}

	paid := res.Paid()
	var order *models.Order
	var restored int
	err = s.repo.WithTx(ctx, func(q store.Queries) error {
		order, err = q.LockOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		locked, err := q.LockPayment(ctx, payment.ID)
		if err != nil {
			return err
		}

		result.OrderStatus = order.Status
		result.PaymentStatus = locked.Status
		if locked.Status != models.PaymentStatusPending {
			result.AlreadySettled = true
			return nil
		}

		now := s.now().UTC()
		status, orderStatus, paidAt := models.PaymentStatusFailed, models.OrderStatusFailed, (*time.Time)(nil)
		if paid {
			status, orderStatus, paidAt = models.PaymentStatusSuccess, models.OrderStatusPaid, &now
		}

		settled, err := q.SettlePayment(ctx, locked.ID, status, res.Raw, paidAt)
		if err != nil {
			return err
		}
		if !settled {
			result.AlreadySettled = true
			return nil
		}
		result.PaymentStatus = status

		moved, err := transitionOrder(ctx, q, order, orderStatus, paidAt)
		if err != nil {
			return err
		}
		result.OrderStatus = order.Status
		if !moved {
			s.logger.Warn("Payment settled for an order that is no longer pending",
				zap.Int64("order_id", order.ID),
				zap.String("order_status", string(order.Status)),
				zap.String("payment_status", string(status)),
				zap.String("track_id", trackID))
			return nil
		}

		if !paid {
			items, err := q.GetOrderItems(ctx, []int64{order.ID})
			if err != nil {
				return err
			}
			restored, err = s.gate.Restore(ctx, q, sumQuantities(items))
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.AlreadySettled {
		s.logger.Info("Payment already settled", zap.String("track_id", trackID))
		return result, nil
	}

	s.logger.Info("Payment verified",
		zap.Int64("order_id", result.OrderID),
		zap.String("track_id", trackID),
		zap.Int("result_code", res.ResultCode),
		zap.String("payment_status", string(result.PaymentStatus)),
		zap.Int("restored_units", restored))

	recordRestored(RestoreReasonPaymentFailed, restored)
	s.publishOutcome(ctx, order, payment, result)
	return result, nil
}

func (s *PaymentService) publishOutcome(ctx context.Context, order *models.Order, payment *models.Payment, result *VerifyResult) {
	var err error
	switch result.OrderStatus {
	case models.OrderStatusPaid:
		util.OrdersPaidTotal.Inc()
		err = s.publisher.PublishOrderPaid(ctx, &models.OrderPaidEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeOrderPaid),
			OrderID:   order.ID,
			UserID:    order.UserID,
			PaymentID: payment.ID,
			TrackID:   payment.TrackID,
			Amount:    payment.Amount,
		})
	case models.OrderStatusFailed:
		util.OrdersFailedTotal.Inc()
		err = s.publisher.PublishOrderFailed(ctx, &models.OrderFailedEvent{
			BaseEvent:  broker.NewBaseEvent(models.EventTypeOrderFailed),
			OrderID:    order.ID,
			UserID:     order.UserID,
			PaymentID:  payment.ID,
			TrackID:    payment.TrackID,
			ResultCode: result.ResultCode,
		})
	default:
		return
	}
	if err != nil {
		s.logger.Error("Failed to publish payment outcome event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// ListHistory returns the user's payments with their orders, newest first
func (s *PaymentService) ListHistory(ctx context.Context, userID int64) ([]models.PaymentWithOrder, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListHistory")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID))

	payments, err := s.repo.ListPayments(ctx, userID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}
