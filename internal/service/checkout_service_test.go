package service

import (
	"context"
	"sync"
	"testing"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutWholeCart(t *testing.T) {
	f := newFixture(t)
	f.product(1, "100.00", 5, 0)
	f.product(2, "30.00", 0, 0)
	f.add(t, 7, 1, 5)

	res, err := f.checkout.Checkout(context.Background(), 7, "1 Main St")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, res.Order.Status)
	require.Len(t, res.Items, 1)
	assert.Equal(t, int64(1), res.Items[0].ProductID)
	assert.Equal(t, 5, res.Items[0].Quantity)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 0, f.stock(t, 1))
	assert.Equal(t, 0, f.stock(t, 2))

	view, err := f.cart.List(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, view.Items)
	assert.Equal(t, 1, f.pub.count(models.EventTypeOrderCreated))
}

func TestCheckoutSkipsShortLines(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 5, 0)
	f.product(2, "20.00", 5, 0)
	f.add(t, 7, 1, 3)
	f.add(t, 7, 2, 2)

	// stock of product 1 falls below the cart quantity
	f.product(1, "10.00", 2, 0)

	res, err := f.checkout.Checkout(context.Background(), 7, "1 Main St")
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, int64(2), res.Items[0].ProductID)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, int64(1), res.Skipped[0].ProductID)
	assert.Equal(t, 3, res.Skipped[0].Requested)
	assert.Equal(t, 2, res.Skipped[0].Available)
	assert.NotEmpty(t, res.Skipped[0].Reason)

	assert.Equal(t, 2, f.stock(t, 1))
	assert.Equal(t, 3, f.stock(t, 2))

	view, err := f.cart.List(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, int64(1), view.Items[0].ProductID)
	assert.Equal(t, 3, view.Items[0].Quantity)
}

func TestCheckoutWithPendingOrderConflicts(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 10, 0)
	first := f.placeOrder(t, 7, map[int64]int{1: 2})
	f.add(t, 7, 1, 1)

	_, err := f.checkout.Checkout(context.Background(), 7, "1 Main St")
	require.ErrorIs(t, err, apperr.ErrPendingOrderExists)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	e, _ := apperr.As(err)
	assert.Equal(t, first.Order.ID, e.Details["order_id"])

	orders, err := f.orders.ListOrders(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, 8, f.stock(t, 1))
}

func TestCheckoutFailures(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 5, 0)
	ctx := context.Background()

	_, err := f.checkout.Checkout(ctx, 7, "   ")
	assert.ErrorIs(t, err, apperr.ErrInvalidAddress)

	_, err = f.checkout.Checkout(ctx, 7, "1 Main St")
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)

	f.add(t, 7, 1, 4)
	f.product(1, "10.00", 1, 0)

	_, err = f.checkout.Checkout(ctx, 7, "1 Main St")
	require.ErrorIs(t, err, apperr.ErrNoStockAvailable)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))

	e, _ := apperr.As(err)
	skipped, ok := e.Details["skipped_items"].([]models.SkippedItem)
	require.True(t, ok)
	require.Len(t, skipped, 1)
	assert.Equal(t, int64(1), skipped[0].ProductID)

	orders, err := f.orders.ListOrders(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 1, f.stock(t, 1))
}

func TestCheckoutTotalIsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.product(1, "19.99", 10, 15)
	f.product(2, "3.34", 10, 10)
	res := f.placeOrder(t, 7, map[int64]int{1: 3, 2: 2})

	sum := decimal.Zero
	for i := range res.Items {
		sum = sum.Add(res.Items[i].LineTotal())
	}
	assert.True(t, sum.Equal(res.Order.TotalAmount), "total %s != items %s", res.Order.TotalAmount, sum)
	// 16.99 * 3 + 3.01 * 2
	assert.True(t, decimal.RequireFromString("56.99").Equal(res.Order.TotalAmount))

	f.product(1, "99.00", 10, 0)

	got, err := f.orders.GetOrder(context.Background(), 7, res.Order.ID)
	require.NoError(t, err)
	assert.True(t, res.Order.TotalAmount.Equal(got.TotalAmount))
	stored := decimal.Zero
	for i := range got.Items {
		stored = stored.Add(got.Items[i].LineTotal())
	}
	assert.True(t, stored.Equal(got.TotalAmount))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newFixture(t)
	const stock = 5
	f.product(1, "10.00", stock, 0)

	users := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	for _, u := range users {
		f.add(t, u, 1, 2)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for _, u := range users {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			res, err := f.checkout.Checkout(context.Background(), userID, "addr")
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrNoStockAvailable)
				return
			}
			mu.Lock()
			sold += res.Items[0].Quantity
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	assert.LessOrEqual(t, sold, stock)
	assert.Equal(t, 4, sold)
	assert.Equal(t, stock-sold, f.stock(t, 1))
}

func TestPartitionCart(t *testing.T) {
	lines := []models.CartLine{
		{CartItem: models.CartItem{ProductID: 1, Quantity: 2}, Product: models.Product{ID: 1, Title: "a", Stock: 2}},
		{CartItem: models.CartItem{ProductID: 2, Quantity: 1}, Product: models.Product{ID: 2, Title: "b", Stock: 0}},
		{CartItem: models.CartItem{ProductID: 3, Quantity: 4}, Product: models.Product{ID: 3, Title: "c", Stock: 3}},
	}

	ok, skipped := partitionCart(lines)
	require.Len(t, ok, 1)
	assert.Equal(t, int64(1), ok[0].ProductID)
	require.Len(t, skipped, 2)
	assert.Equal(t, "b is out of stock", skipped[0].Reason)
	assert.Equal(t, "only 3 of c in stock, 4 requested", skipped[1].Reason)
}
