// Package memstore is an in-memory store.Repository. Transactions are serialised
// by one mutex and run against a copy of the state that replaces the live state only
// on commit, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

type cartKey struct {
	userID    int64
	productID int64
}

type state struct {
	nextOrderID   int64
	nextItemID    int64
	nextPaymentID int64

	products map[int64]models.Product
	cart     map[cartKey]models.CartItem
	orders   map[int64]models.Order
	items    map[int64][]models.OrderItem
	payments map[int64]models.Payment
}

func newState() *state {
	return &state{
		products: make(map[int64]models.Product),
		cart:     make(map[cartKey]models.CartItem),
		orders:   make(map[int64]models.Order),
		items:    make(map[int64][]models.OrderItem),
		payments: make(map[int64]models.Payment),
	}
}

func (s *state) clone() *state {
	c := &state{
		nextOrderID:   s.nextOrderID,
		nextItemID:    s.nextItemID,
		nextPaymentID: s.nextPaymentID,
		products:      make(map[int64]models.Product, len(s.products)),
		cart:          make(map[cartKey]models.CartItem, len(s.cart)),
		orders:        make(map[int64]models.Order, len(s.orders)),
		items:         make(map[int64][]models.OrderItem, len(s.items)),
		payments:      make(map[int64]models.Payment, len(s.payments)),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.cart {
		c.cart[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// Store is the in-memory repository
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var (
	_ store.Repository    = (*Store)(nil)
	_ store.CatalogSeeder = (*Store)(nil)
)

// New creates an empty in-memory store
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock replaces the time source used for created_at and updated_at
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutProduct creates or replaces a catalog row
func (s *Store) PutProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now()
	if existing, ok := s.st.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
	s.st.products[p.ID] = p
}

// SeedProducts puts every catalog row
func (s *Store) SeedProducts(ctx context.Context, products []models.Product) error {
	for _, p := range products {
		s.PutProduct(p)
	}
	return ctx.Err()
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// WithTx runs fn against a private copy of the state and installs it on success
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read() *tx {
	return &tx{st: s.st, now: s.now}
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetProduct(ctx, id)
}

// ListCart returns the user's cart lines
func (s *Store) ListCart(ctx context.Context, userID int64) ([]models.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListCart(ctx, userID)
}

// ListOrders returns a user's orders
func (s *Store) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListOrders(ctx, userID)
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetOrder(ctx, orderID)
}

// GetOrderItems retrieves the items of several orders
func (s *Store) GetOrderItems(ctx context.Context, orderIDs []int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetOrderItems(ctx, orderIDs)
}

// GetLatestPendingOrder returns the newest pending order of a user, or nil
func (s *Store) GetLatestPendingOrder(ctx context.Context, userID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetLatestPendingOrder(ctx, userID)
}

// GetPendingPayment returns the pending payment of an order, or nil
func (s *Store) GetPendingPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetPendingPayment(ctx, orderID)
}

// GetPaymentByTrackID returns the payment with a track id, or nil
func (s *Store) GetPaymentByTrackID(ctx context.Context, trackID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetPaymentByTrackID(ctx, trackID)
}

// ListPayments returns a user's payments with their orders
func (s *Store) ListPayments(ctx context.Context, userID int64) ([]models.PaymentWithOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListPayments(ctx, userID)
}

// tx implements store.Queries over a state the caller already owns
type tx struct {
	st  *state
	now func() time.Time
}

var _ store.Queries = (*tx)(nil)

func (t *tx) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return nil, apperr.ErrProductNotFound.WithDetails(map[string]any{"product_id": id})
	}
	return &p, nil
}

func (t *tx) ListCart(_ context.Context, userID int64) ([]models.CartLine, error) {
	lines := t.cartLines(userID)
	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].CreatedAt.After(lines[j].CreatedAt)
		}
		return lines[i].ProductID < lines[j].ProductID
	})
	return lines, nil
}

func (t *tx) cartLines(userID int64) []models.CartLine {
	lines := []models.CartLine{}
	for k, item := range t.st.cart {
		if k.userID != userID {
			continue
		}
		lines = append(lines, models.CartLine{CartItem: item, Product: t.st.products[k.productID]})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines
}

func (t *tx) LockUserCart(context.Context, int64) error {
	return nil
}

func (t *tx) LockCartLines(_ context.Context, userID int64) ([]models.CartLine, error) {
	return t.cartLines(userID), nil
}

func (t *tx) GetCartItemForUpdate(_ context.Context, userID, productID int64) (*models.CartItem, error) {
	item, ok := t.st.cart[cartKey{userID, productID}]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (t *tx) UpsertCartItem(_ context.Context, userID, productID int64, quantity int) error {
	if quantity < 1 {
		return apperr.ErrInvalidQuantity
	}
	if _, ok := t.st.products[productID]; !ok {
		return apperr.ErrProductNotFound.WithDetails(map[string]any{"product_id": productID})
	}
	key := cartKey{userID, productID}
	ts := t.now()
	item, ok := t.st.cart[key]
	if !ok {
		item = models.CartItem{UserID: userID, ProductID: productID, CreatedAt: ts}
	}
	item.Quantity = quantity
	item.UpdatedAt = ts
	t.st.cart[key] = item
	return nil
}

func (t *tx) DeleteCartItems(_ context.Context, userID int64, productIDs []int64) (int64, error) {
	var n int64
	for _, id := range productIDs {
		key := cartKey{userID, id}
		if _, ok := t.st.cart[key]; ok {
			delete(t.st.cart, key)
			n++
		}
	}
	return n, nil
}

func (t *tx) ClearCart(_ context.Context, userID int64) (int64, error) {
	var n int64
	for k := range t.st.cart {
		if k.userID == userID {
			delete(t.st.cart, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) DecrementStockIfAvailable(_ context.Context, productID int64, quantity int) (bool, error) {
	p, ok := t.st.products[productID]
	if !ok || p.Stock < quantity {
		return false, nil
	}
	p.Stock -= quantity
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return true, nil
}

func (t *tx) RestoreStock(_ context.Context, productID int64, quantity int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return nil
	}
	p.Stock += quantity
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return nil
}

func (t *tx) GetLatestPendingOrder(_ context.Context, userID int64) (*models.Order, error) {
	var latest *models.Order
	for _, o := range t.st.orders {
		if o.UserID != userID || o.Status != models.OrderStatusPending {
			continue
		}
		if latest == nil || o.ID > latest.ID {
			o := o
			latest = &o
		}
	}
	return latest, nil
}

func (t *tx) LockPendingOrder(ctx context.Context, userID int64) (*models.Order, error) {
	return t.GetLatestPendingOrder(ctx, userID)
}

func (t *tx) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.Status == models.OrderStatusPending {
		if existing, _ := t.GetLatestPendingOrder(ctx, order.UserID); existing != nil {
			return apperr.ErrPendingOrderExists.WithDetails(map[string]any{"order_id": existing.ID})
		}
	}
	t.st.nextOrderID++
	ts := t.now()
	order.ID = t.st.nextOrderID
	order.CreatedAt = ts
	order.UpdatedAt = ts
	t.st.orders[order.ID] = *order
	return nil
}

func (t *tx) CreateOrderItems(_ context.Context, items []models.OrderItem) error {
	ts := t.now()
	for i := range items {
		if _, ok := t.st.orders[items[i].OrderID]; !ok {
			return apperr.ErrOrderNotFound.WithDetails(map[string]any{"order_id": items[i].OrderID})
		}
		t.st.nextItemID++
		items[i].ID = t.st.nextItemID
		items[i].CreatedAt = ts
		t.st.items[items[i].OrderID] = append(t.st.items[items[i].OrderID], items[i])
	}
	return nil
}

func (t *tx) GetOrder(_ context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return nil, apperr.ErrOrderNotFound.WithDetails(map[string]any{"order_id": orderID})
	}
	return &o, nil
}

func (t *tx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return t.GetOrder(ctx, orderID)
}

func (t *tx) ListOrders(_ context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	for _, o := range t.st.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (t *tx) GetOrderItems(_ context.Context, orderIDs []int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	ids := append([]int64(nil), orderIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		items = append(items, t.st.items[id]...)
	}
	return items, nil
}

func (t *tx) TransitionOrder(_ context.Context, orderID int64, from, to models.OrderStatus, paidAt *time.Time) (bool, error) {
	o, ok := t.st.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	if paidAt != nil {
		ts := *paidAt
		o.PaidAt = &ts
	}
	o.UpdatedAt = t.now()
	t.st.orders[orderID] = o
	return true, nil
}

func (t *tx) LockExpiredPendingOrders(_ context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	for _, o := range t.st.orders {
		if o.Status == models.OrderStatusPending && o.CreatedAt.Before(createdBefore) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (t *tx) ExpireOrders(ctx context.Context, orderIDs []int64) ([]int64, error) {
	expired := []int64{}
	for _, id := range orderIDs {
		ok, _ := t.TransitionOrder(ctx, id, models.OrderStatusPending, models.OrderStatusExpired, nil)
		if ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (t *tx) CreatePayment(_ context.Context, payment *models.Payment) error {
	for _, p := range t.st.payments {
		if p.TrackID == payment.TrackID {
			return apperr.ErrPaymentInProgress.WithDetails(map[string]any{"track_id": p.TrackID})
		}
		if p.OrderID == payment.OrderID && p.Status == models.PaymentStatusPending && payment.Status == models.PaymentStatusPending {
			return apperr.ErrPaymentInProgress.WithDetails(map[string]any{"track_id": p.TrackID})
		}
	}
	t.st.nextPaymentID++
	ts := t.now()
	payment.ID = t.st.nextPaymentID
	payment.CreatedAt = ts
	payment.UpdatedAt = ts
	payment.RawResponse = append([]byte(nil), payment.RawResponse...)
	t.st.payments[payment.ID] = *payment
	return nil
}

func (t *tx) GetPendingPayment(_ context.Context, orderID int64) (*models.Payment, error) {
	var latest *models.Payment
	for _, p := range t.st.payments {
		if p.OrderID != orderID || p.Status != models.PaymentStatusPending {
			continue
		}
		if latest == nil || p.ID > latest.ID {
			p := p
			latest = &p
		}
	}
	return latest, nil
}

func (t *tx) GetPaymentByTrackID(_ context.Context, trackID string) (*models.Payment, error) {
	for _, p := range t.st.payments {
		if p.TrackID == trackID {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *tx) LockPayment(_ context.Context, paymentID int64) (*models.Payment, error) {
	p, ok := t.st.payments[paymentID]
	if !ok {
		return nil, apperr.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *tx) SettlePayment(_ context.Context, paymentID int64, status models.PaymentStatus, raw []byte, paidAt *time.Time) (bool, error) {
	p, ok := t.st.payments[paymentID]
	if !ok || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = status
	p.RawResponse = append([]byte(nil), raw...)
	if paidAt != nil {
		ts := *paidAt
		p.PaidAt = &ts
	}
	p.UpdatedAt = t.now()
	t.st.payments[paymentID] = p
	return true, nil
}

func (t *tx) ExpirePendingPayments(_ context.Context, orderIDs []int64) (int64, error) {
	want := make(map[int64]bool, len(orderIDs))
	for _, id := range orderIDs {
		want[id] = true
	}
	var n int64
	ts := t.now()
	for id, p := range t.st.payments {
		if want[p.OrderID] && p.Status == models.PaymentStatusPending {
			p.Status = models.PaymentStatusExpired
			p.UpdatedAt = ts
			t.st.payments[id] = p
			n++
		}
	}
	return n, nil
}

func (t *tx) ListPayments(_ context.Context, userID int64) ([]models.PaymentWithOrder, error) {
	payments := []models.PaymentWithOrder{}
	for _, p := range t.st.payments {
		if p.UserID == userID {
			payments = append(payments, models.PaymentWithOrder{Payment: p, Order: t.st.orders[p.OrderID]})
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID > payments[j].ID })
	return payments, nil
}
