package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store/memstore"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	mu sync.Mutex

	requestCode int
	requestErr  error
	verifyCode  int
	verifyErr   error

	nextTrack    int
	requestCalls int
	verifyCalls  int
	lastAmount   int64
	lastVerified string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{requestCode: gateway.ResultSuccess, verifyCode: gateway.ResultSuccess, nextTrack: 1000}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) PaymentURL(trackID string) string { return "https://pay.test/start/" + trackID }

func (g *fakeGateway) Request(_ context.Context, amount int64) (*gateway.RequestResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requestCalls++
	g.lastAmount = amount
	if g.requestErr != nil {
		return nil, g.requestErr
	}
	res := &gateway.RequestResult{ResultCode: g.requestCode, Message: "ok"}
	if g.requestCode == gateway.ResultSuccess {
		g.nextTrack++
		res.TrackID = fmt.Sprint(g.nextTrack)
	}
	res.Raw, _ = json.Marshal(map[string]any{"result": res.ResultCode, "trackId": res.TrackID})
	return res, nil
}

func (g *fakeGateway) Verify(_ context.Context, trackID string) (*gateway.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	g.lastVerified = trackID
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	raw, _ := json.Marshal(map[string]any{"result": g.verifyCode})
	return &gateway.VerifyResult{ResultCode: g.verifyCode, Raw: raw}, nil
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requestCalls, g.verifyCalls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *fakePublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return p.err
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderFailed(_ context.Context, e *models.OrderFailedEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderExpired(_ context.Context, e *models.OrderExpiredEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishPaymentRequested(_ context.Context, e *models.PaymentRequestedEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) AcquireLock(_ context.Context, name string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if l.held[name] {
		return "", false, nil
	}
	l.held[name] = true
	return "token-" + name, true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != "token-"+name {
		return errors.New("not the owner")
	}
	delete(l.held, name)
	l.released++
	return nil
}

type fixture struct {
	repo     *memstore.Store
	gw       *fakeGateway
	pub      *fakePublisher
	locker   *fakeLocker
	clock    *testClock
	cart     *CartService
	checkout *CheckoutService
	orders   *OrderService
	payments *PaymentService
	expiry   *ExpiryService
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	util.SetLogger(zap.NewNop())

	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := memstore.New()
	repo.SetClock(clock.Now)

	f := &fixture{
		repo:   repo,
		gw:     newFakeGateway(),
		pub:    &fakePublisher{},
		locker: newFakeLocker(),
		clock:  clock,
	}
	f.cart = NewCartService(repo, DefaultCartItemCap)
	f.checkout = NewCheckoutService(repo, f.pub)
	f.orders = NewOrderService(repo)
	f.payments = NewPaymentService(repo, f.gw, f.locker, f.pub, time.Minute)
	f.payments.now = clock.Now
	f.expiry = NewExpiryService(repo, f.pub, 30*time.Minute, 100)
	return f
}

func (f *fixture) product(id int64, price string, stock, discount int) {
	f.repo.PutProduct(models.Product{
		ID:              id,
		Title:           fmt.Sprintf("product-%d", id),
		Price:           decimal.RequireFromString(price),
		Stock:           stock,
		DiscountPercent: discount,
	})
}

func (f *fixture) stock(t *testing.T, id int64) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) add(t *testing.T, userID, productID int64, qty int) {
	t.Helper()
	_, err := f.cart.AddOrIncrement(context.Background(), userID, productID, qty)
	require.NoError(t, err)
}

// placeOrder fills a cart and checks it out
func (f *fixture) placeOrder(t *testing.T, userID int64, lines map[int64]int) *CheckoutResult {
	t.Helper()
	for productID, qty := range lines {
		f.add(t, userID, productID, qty)
	}
	res, err := f.checkout.Checkout(context.Background(), userID, "1 Main St")
	require.NoError(t, err)
	return res
}
