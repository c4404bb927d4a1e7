package service

import (
	"context"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultCartItemCap is the most units of one product a cart may hold
const DefaultCartItemCap = 5

// CartService handles the cart store
type CartService struct {
	repo    store.Repository
	itemCap int
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(repo store.Repository, itemCap int) *CartService {
	if itemCap <= 0 {
		itemCap = DefaultCartItemCap
	}
	return &CartService{
		repo:    repo,
		itemCap: itemCap,
		logger:  util.GetLogger(),
	}
}

// CartLineView is one cart line as shown to the customer
type CartLineView struct {
	ProductID       int64           `json:"product_id"`
	Title           string          `json:"title"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Available       int             `json:"available"`
	InStock         bool            `json:"in_stock"`
}

// CartView is the whole cart
type CartView struct {
	Items []CartLineView  `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// List returns the user's cart, newest lines first
func (s *CartService) List(ctx context.Context, userID int64) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.List")
	defer span.End()

	lines, err := s.repo.ListCart(ctx, userID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list cart: %w", err)
	}

	view := &CartView{Items: make([]CartLineView, 0, len(lines)), Total: decimal.Zero}
	for i := range lines {
		line := &lines[i]
		subtotal := line.Subtotal()
		view.Items = append(view.Items, CartLineView{
			ProductID:       line.ProductID,
			Title:           line.Product.Title,
			Quantity:        line.Quantity,
			UnitPrice:       line.Product.Price,
			DiscountedPrice: line.Product.DiscountedPrice(),
			Subtotal:        subtotal,
			Available:       line.Product.Stock,
			InStock:         line.Quantity <= line.Product.Stock,
		})
		view.Total = view.Total.Add(subtotal)
	}
	return view, nil
}

// AddOrIncrement adds qty units of a product, creating the line on first add. The
// resulting quantity may not exceed the per-item cap or the current stock.
func (s *CartService) AddOrIncrement(ctx context.Context, userID, productID int64, qty int) (*models.CartItem, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddOrIncrement")
	defer span.End()

	if qty < 1 {
		return nil, s.done(span, "add", apperr.ErrInvalidQuantity)
	}

	var result models.CartItem
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockUserCart(ctx, userID); err != nil {
			return err
		}

		product, err := q.GetProduct(ctx, productID)
		if err != nil {
			return err
		}

		current := 0
		item, err := q.GetCartItemForUpdate(ctx, userID, productID)
		if err != nil {
			return err
		}
		if item != nil {
			current = item.Quantity
		}

		next := current + qty
		if next > s.itemCap {
			return apperr.ErrCartLimitReached.
				WithMessage("at most %d units of a product per cart", s.itemCap).
				WithDetails(map[string]any{"product_id": productID, "in_cart": current, "cap": s.itemCap})
		}
		if next > product.Stock {
			return apperr.ErrQuantityExceedsStock.
				WithMessage("only %d units of %q in stock", product.Stock, product.Title).
				WithDetails(map[string]any{"product_id": productID, "in_cart": current, "available": product.Stock})
		}

		if err := q.UpsertCartItem(ctx, userID, productID, next); err != nil {
			return err
		}
		result = models.CartItem{UserID: userID, ProductID: productID, Quantity: next}
		return nil
	})
	if err != nil {
		return nil, s.done(span, "add", err)
	}

	s.done(span, "add", nil)
	s.logger.Debug("Cart item added",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", result.Quantity))
	return &result, nil
}

// RemoveOrDecrement removes qty units of a product and deletes the line at zero.
// It returns the quantity left in the cart.
func (s *CartService) RemoveOrDecrement(ctx context.Context, userID, productID int64, qty int) (int, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveOrDecrement")
	defer span.End()

	if qty < 1 {
		return 0, s.done(span, "remove", apperr.ErrInvalidQuantity)
	}

	remaining := 0
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockUserCart(ctx, userID); err != nil {
			return err
		}

		item, err := q.GetCartItemForUpdate(ctx, userID, productID)
		if err != nil {
			return err
		}
		if item == nil {
			return apperr.ErrCartItemNotFound.WithDetails(map[string]any{"product_id": productID})
		}
		if qty > item.Quantity {
			return apperr.ErrRemoveExceedsQuantity.
				WithDetails(map[string]any{"product_id": productID, "in_cart": item.Quantity})
		}

		remaining = item.Quantity - qty
		if remaining == 0 {
			_, err = q.DeleteCartItems(ctx, userID, []int64{productID})
			return err
		}
		return q.UpsertCartItem(ctx, userID, productID, remaining)
	})
	if err != nil {
		return 0, s.done(span, "remove", err)
	}

	s.done(span, "remove", nil)
	return remaining, nil
}

// Clear empties the user's cart and returns how many lines were deleted. An already
// empty cart is not an error.
func (s *CartService) Clear(ctx context.Context, userID int64) (int64, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Clear")
	defer span.End()

	var deleted int64
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockUserCart(ctx, userID); err != nil {
			return err
		}
		n, err := q.ClearCart(ctx, userID)
		deleted = n
		return err
	})
	if err != nil {
		return 0, s.done(span, "clear", err)
	}

	s.done(span, "clear", nil)
	return deleted, nil
}

func (s *CartService) done(span trace.Span, action string, err error) error {
	util.CartMutationsTotal.WithLabelValues(action, resultLabel(err)).Inc()
	util.RecordError(span, err)
	return err
}
