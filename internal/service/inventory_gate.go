package service

import (
	"context"
	"sort"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
)

// Stock restore reasons
const (
	RestoreReasonExpired       = "expired"
	RestoreReasonPaymentFailed = "payment_failed"
)

// InventoryGate is the only code path that moves stock. Both directions run on the
// caller's transaction.
type InventoryGate struct{}

// Reserve takes qty units of a product with one conditional decrement
func (InventoryGate) Reserve(ctx context.Context, q store.Queries, productID int64, qty int) error {
	ok, err := q.DecrementStockIfAvailable(ctx, productID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrStockRace.WithDetails(map[string]any{"product_id": productID, "requested": qty})
	}
	return nil
}

// Restore returns the aggregated quantities to stock in product id order and
// reports how many units went back
func (InventoryGate) Restore(ctx context.Context, q store.Queries, quantities map[int64]int) (int, error) {
	ids := make([]int64, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	units := 0
	for _, id := range ids {
		qty := quantities[id]
		if qty <= 0 {
			continue
		}
		if err := q.RestoreStock(ctx, id, qty); err != nil {
			return units, err
		}
		units += qty
	}
	return units, nil
}

// recordRestored counts restored units once their transaction has committed
func recordRestored(reason string, units int) {
	if units > 0 {
		util.StockRestoredUnitsTotal.WithLabelValues(reason).Add(float64(units))
	}
}

// sumQuantities aggregates order item quantities per product
func sumQuantities(items []models.OrderItem) map[int64]int {
	totals := make(map[int64]int)
	for _, item := range items {
		totals[item.ProductID] += item.Quantity
	}
	return totals
}
