package service

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// OrderService handles order reads
type OrderService struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository) *OrderService {
	return &OrderService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// ListOrders returns the user's orders with their items, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID int64) ([]models.OrderWithItems, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	orders, err := s.repo.ListOrders(ctx, userID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := s.repo.GetOrderItems(ctx, ids)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	byOrder := make(map[int64][]models.OrderItem, len(orders))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}

	result := make([]models.OrderWithItems, 0, len(orders))
	for _, o := range orders {
		lines := byOrder[o.ID]
		if lines == nil {
			lines = []models.OrderItem{}
		}
		result = append(result, models.OrderWithItems{Order: o, Items: lines})
	}
	return result, nil
}

// GetOrder returns one of the user's orders. Orders of other users are reported as
// not found.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID int64) (*models.OrderWithItems, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.ErrOrderNotFound.WithDetails(map[string]any{"order_id": orderID})
	}

	items, err := s.repo.GetOrderItems(ctx, []int64{orderID})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &models.OrderWithItems{Order: *order, Items: items}, nil
}

// transitionOrder moves a locked order along the lifecycle. It reports false
// without error when the move is not legal from the order's current status.
func transitionOrder(ctx context.Context, q store.Queries, order *models.Order, to models.OrderStatus, paidAt *time.Time) (bool, error) {
	if !models.CanTransition(order.Status, to) {
		return false, nil
	}
	ok, err := q.TransitionOrder(ctx, order.ID, order.Status, to, paidAt)
	if err != nil || !ok {
		return false, err
	}
	order.Status = to
	if paidAt != nil {
		order.PaidAt = paidAt
	}
	return true, nil
}
