package service

import (
	"context"
	"testing"

	"checkout-service/internal/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOrIncrement(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 10, 0)
	ctx := context.Background()

	item, err := f.cart.AddOrIncrement(ctx, 7, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity)

	item, err = f.cart.AddOrIncrement(ctx, 7, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity)

	_, err = f.cart.AddOrIncrement(ctx, 7, 1, 1)
	assert.ErrorIs(t, err, apperr.ErrCartLimitReached)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	view, err := f.cart.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, 5, view.Items[0].Quantity)
}

func TestAddOrIncrementRejects(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 3, 0)
	ctx := context.Background()

	tests := []struct {
		name      string
		productID int64
		qty       int
		want      error
	}{
		{"zero quantity", 1, 0, apperr.ErrInvalidQuantity},
		{"negative quantity", 1, -2, apperr.ErrInvalidQuantity},
		{"above stock", 1, 4, apperr.ErrQuantityExceedsStock},
		{"above cap", 1, 6, apperr.ErrCartLimitReached},
		{"unknown product", 99, 1, apperr.ErrProductNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.cart.AddOrIncrement(ctx, 7, tt.productID, tt.qty)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	view, err := f.cart.List(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, view.Items)
}

func TestAddOrIncrementStockCeilingCountsCart(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 3, 0)
	f.add(t, 7, 1, 2)

	_, err := f.cart.AddOrIncrement(context.Background(), 7, 1, 2)
	require.ErrorIs(t, err, apperr.ErrQuantityExceedsStock)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, 3, e.Details["available"])
	assert.Equal(t, 2, e.Details["in_cart"])
}

func TestRemoveOrDecrement(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 10, 0)
	f.add(t, 7, 1, 4)
	ctx := context.Background()

	_, err := f.cart.RemoveOrDecrement(ctx, 7, 2, 1)
	assert.ErrorIs(t, err, apperr.ErrCartItemNotFound)

	_, err = f.cart.RemoveOrDecrement(ctx, 7, 1, 5)
	assert.ErrorIs(t, err, apperr.ErrRemoveExceedsQuantity)

	left, err := f.cart.RemoveOrDecrement(ctx, 7, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	left, err = f.cart.RemoveOrDecrement(ctx, 7, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	view, err := f.cart.List(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, view.Items)

	_, err = f.cart.RemoveOrDecrement(ctx, 7, 1, 1)
	assert.ErrorIs(t, err, apperr.ErrCartItemNotFound)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	f.product(1, "10.00", 10, 0)
	f.product(2, "5.00", 10, 0)
	ctx := context.Background()

	n, err := f.cart.Clear(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	f.add(t, 7, 1, 1)
	f.add(t, 7, 2, 2)
	f.add(t, 8, 1, 1)

	n, err = f.cart.Clear(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	other, err := f.cart.List(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, other.Items, 1)
}

func TestListCart(t *testing.T) {
	f := newFixture(t)
	f.product(1, "19.99", 10, 15)
	f.product(2, "5.00", 10, 0)
	f.add(t, 7, 1, 2)
	f.clock.Advance(1)
	f.add(t, 7, 2, 3)

	// stock drops below the cart quantity after the add
	f.product(2, "5.00", 1, 0)

	view, err := f.cart.List(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)

	newest := view.Items[0]
	assert.Equal(t, int64(2), newest.ProductID)
	assert.False(t, newest.InStock)
	assert.Equal(t, 1, newest.Available)

	discounted := view.Items[1]
	assert.True(t, discounted.InStock)
	assert.True(t, decimal.RequireFromString("16.99").Equal(discounted.DiscountedPrice))
	assert.True(t, decimal.RequireFromString("33.98").Equal(discounted.Subtotal))

	assert.True(t, decimal.RequireFromString("48.98").Equal(view.Total))
}
