package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CheckoutService turns a cart into a pending order
type CheckoutService struct {
	repo      store.Repository
	gate      InventoryGate
	publisher EventPublisher
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(repo store.Repository, publisher EventPublisher) *CheckoutService {
	return &CheckoutService{
		repo:      repo,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CheckoutResult is the created order with its receipt lines and the cart lines left out
type CheckoutResult struct {
	Order   *models.Order        `json:"order"`
	Items   []models.OrderItem   `json:"items"`
	Skipped []models.SkippedItem `json:"skipped_items"`
}

// Checkout creates a PENDING order from every cart line that stock can cover.
// The whole operation is one transaction: the pending order slot, cart lines and
// their products are locked, stock is decremented, the order and its items are
// written and the consumed cart lines are deleted together or not at all. Lines
// short of stock stay in the cart.
func (s *CheckoutService) Checkout(ctx context.Context, userID int64, address string) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	address = strings.TrimSpace(address)
	if address == "" {
		return nil, s.fail(span, apperr.ErrInvalidAddress)
	}

	var result *CheckoutResult
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockUserCart(ctx, userID); err != nil {
			return err
		}

		// Order rows are locked before product rows, as in settlement and expiry.
		pending, err := q.LockPendingOrder(ctx, userID)
		if err != nil {
			return err
		}

		lines, err := q.LockCartLines(ctx, userID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return apperr.ErrEmptyCart
		}
		if pending != nil {
			return apperr.ErrPendingOrderExists.WithDetails(map[string]any{
				"order_id": pending.ID,
				"status":   pending.Status,
			})
		}

		fulfillable, skipped := partitionCart(lines)
		if len(fulfillable) == 0 {
			return apperr.ErrNoStockAvailable.WithDetails(map[string]any{"skipped_items": skipped})
		}

		total := decimal.Zero
		for i := range fulfillable {
			total = total.Add(fulfillable[i].Subtotal())
		}

		order := &models.Order{
			UserID:          userID,
			Status:          models.OrderStatusPending,
			ShippingAddress: address,
			TotalAmount:     total,
		}
		if err := q.CreateOrder(ctx, order); err != nil {
			return err
		}

		items := make([]models.OrderItem, 0, len(fulfillable))
		processed := make([]int64, 0, len(fulfillable))
		for i := range fulfillable {
			line := &fulfillable[i]
			items = append(items, models.OrderItem{
				OrderID:         order.ID,
				ProductID:       line.ProductID,
				Quantity:        line.Quantity,
				PriceAtPurchase: line.Product.DiscountedPrice(),
			})
			processed = append(processed, line.ProductID)
		}
		if err := q.CreateOrderItems(ctx, items); err != nil {
			return err
		}

		for i := range items {
			if err := s.gate.Reserve(ctx, q, items[i].ProductID, items[i].Quantity); err != nil {
				return err
			}
		}

		if _, err := q.DeleteCartItems(ctx, userID, processed); err != nil {
			return err
		}

		result = &CheckoutResult{Order: order, Items: items, Skipped: skipped}
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	util.CheckoutsTotal.WithLabelValues("success").Inc()
	util.CheckoutSkippedItemsTotal.Add(float64(len(result.Skipped)))
	util.OrdersCreatedTotal.Inc()

	s.logger.Info("Order created",
		zap.Int64("order_id", result.Order.ID),
		zap.Int64("user_id", userID),
		zap.String("total", result.Order.TotalAmount.String()),
		zap.Int("items", len(result.Items)),
		zap.Int("skipped", len(result.Skipped)))

	s.publishCreated(ctx, result)
	return result, nil
}

func (s *CheckoutService) fail(span trace.Span, err error) error {
	util.CheckoutsTotal.WithLabelValues(resultLabel(err)).Inc()
	util.RecordError(span, err)
	return err
}

func (s *CheckoutService) publishCreated(ctx context.Context, result *CheckoutResult) {
	items := make([]models.OrderItemData, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.PriceAtPurchase,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:    broker.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:      result.Order.ID,
		UserID:       result.Order.UserID,
		TotalAmount:  result.Order.TotalAmount,
		Items:        items,
		SkippedItems: result.Skipped,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event",
			zap.Int64("order_id", result.Order.ID),
			zap.Error(err))
	}
}

// partitionCart splits locked cart lines into those stock can cover and skipped ones
func partitionCart(lines []models.CartLine) ([]models.CartLine, []models.SkippedItem) {
	fulfillable := make([]models.CartLine, 0, len(lines))
	skipped := []models.SkippedItem{}
	for _, line := range lines {
		if line.Quantity <= line.Product.Stock {
			fulfillable = append(fulfillable, line)
			continue
		}
		skipped = append(skipped, models.SkippedItem{
			ProductID: line.ProductID,
			Title:     line.Product.Title,
			Requested: line.Quantity,
			Available: line.Product.Stock,
			Reason:    skipReason(line),
		})
	}
	return fulfillable, skipped
}

func skipReason(line models.CartLine) string {
	if line.Product.Stock <= 0 {
		return fmt.Sprintf("%s is out of stock", line.Product.Title)
	}
	return fmt.Sprintf("only %d of %s in stock, %d requested", line.Product.Stock, line.Product.Title, line.Quantity)
}
