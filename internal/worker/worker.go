package worker

import (
	"context"

	"checkout-service/internal/apperr"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// MessageConsumer is the Kafka side of the callback worker
type MessageConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// CallbackVerifier settles a payment from its gateway track id
type CallbackVerifier interface {
	VerifyCallback(ctx context.Context, trackID string) (*service.VerifyResult, error)
}

// CallbackWorker verifies gateway callbacks delivered through Kafka
type CallbackWorker struct {
	consumer     MessageConsumer
	eventHandler *broker.EventHandler
	verifier     CallbackVerifier
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer MessageConsumer, verifier CallbackVerifier) *CallbackWorker {
	w := &CallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		verifier:     verifier,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentCallback(w.handleCallback)
	return w
}

// Start starts the worker
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.consumer.Close()
}

// handleCallback commits the message only when the outcome is final. Gateway
// outages and unclassified failures such as a lost database connection return
// the error so the message is retried.
func (w *CallbackWorker) handleCallback(ctx context.Context, event *models.PaymentCallbackEvent) error {
	res, err := w.verifier.VerifyCallback(ctx, event.TrackID)
	if err != nil {
		if !terminal(err) {
			return err
		}
		w.logger.Warn("Dropping payment callback",
			zap.String("track_id", event.TrackID),
			zap.String("kind", apperr.KindOf(err).String()),
			zap.Error(err))
		return nil
	}

	w.logger.Info("Payment callback processed",
		zap.String("track_id", event.TrackID),
		zap.Int64("order_id", res.OrderID),
		zap.String("payment_status", string(res.PaymentStatus)),
		zap.Bool("already_settled", res.AlreadySettled))
	return nil
}

// terminal reports whether redelivering the callback cannot change its outcome
func terminal(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict,
		apperr.KindInsufficientStock, apperr.KindGatewayRejected:
		return true
	default:
		return false
	}
}
