package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store/memstore"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubGateway struct {
	verifyCode int
	err        error
	next       int
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) PaymentURL(trackID string) string { return "https://pay.test/" + trackID }

func (g *stubGateway) Request(context.Context, int64) (*gateway.RequestResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.next++
	return &gateway.RequestResult{ResultCode: gateway.ResultSuccess, TrackID: "trk-" + strconv.Itoa(g.next), Raw: []byte(`{"result":100}`)}, nil
}

func (g *stubGateway) Verify(context.Context, string) (*gateway.VerifyResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.VerifyResult{ResultCode: g.verifyCode, Raw: []byte(`{}`)}, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (nopPublisher) PublishOrderPaid(context.Context, *models.OrderPaidEvent) error { return nil }
func (nopPublisher) PublishOrderFailed(context.Context, *models.OrderFailedEvent) error { return nil }
func (nopPublisher) PublishOrderExpired(context.Context, *models.OrderExpiredEvent) error { return nil }
func (nopPublisher) PublishPaymentRequested(context.Context, *models.PaymentRequestedEvent) error {
	return nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router *gin.Engine
	repo   *memstore.Store
	gw     *stubGateway
}

func newTestServer(t *testing.T, deps map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())

	repo := memstore.New()
	gw := &stubGateway{verifyCode: gateway.ResultSuccess}
	pub := nopPublisher{}

	if deps == nil {
		deps = map[string]Pinger{"store": repo}
	}
	h := NewHandler(
		service.NewCartService(repo, 5),
		service.NewCheckoutService(repo, pub),
		service.NewOrderService(repo),
		service.NewPaymentService(repo, gw, nil, pub, time.Minute),
		deps,
	)
	router := gin.New()
	h.SetupRoutes(router)

	repo.PutProduct(models.Product{ID: 1, Title: "Mug", Price: decimal.RequireFromString("12.50"), Stock: 5})
	repo.PutProduct(models.Product{ID: 2, Title: "Tee", Price: decimal.RequireFromString("20.00"), Stock: 1, DiscountPercent: 10})

	return &testServer{router: router, repo: repo, gw: gw}
}

func (s *testServer) do(t *testing.T, method, path string, user int64, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user > 0 {
		req.Header.Set(UserHeader, strconv.FormatInt(user, 10))
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestRequiresUser(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/api/v1/cart", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestCartEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 2, "action": "add"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["quantity"])

	code, body = s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 4, "action": "add"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "cart_limit_reached", body["error"])

	code, body = s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 1, "action": "drop"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 9, "quantity": 1, "action": "add"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "product_not_found", body["error"])

	code, body = s.do(t, http.MethodGet, "/api/v1/cart", 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
	assert.Equal(t, "25", body["total"])

	code, body = s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 2, "action": "remove"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["removed"])

	code, body = s.do(t, http.MethodDelete, "/api/v1/cart", 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["deleted"])
}

func TestCheckoutAndPaymentFlow(t *testing.T) {
	s := newTestServer(t, nil)

	s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 2, "action": "add"})
	s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 2, "quantity": 1, "action": "add"})

	code, body := s.do(t, http.MethodPost, "/api/v1/checkout", 7, gin.H{"address": "1 Main St"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Len(t, body["items"], 2)
	assert.Empty(t, body["skipped_items"])
	order := body["order"].(map[string]interface{})
	assert.Equal(t, "43", order["total_amount"])
	orderID := int64(order["id"].(float64))

	s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 1, "action": "add"})
	code, body = s.do(t, http.MethodPost, "/api/v1/checkout", 7, gin.H{"address": "1 Main St"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "pending_order_exists", body["error"])
	assert.Equal(t, float64(orderID), body["order_id"])

	code, body = s.do(t, http.MethodPost, "/api/v1/payments/request", 7, nil)
	require.Equal(t, http.StatusCreated, code)
	trackID := body["track_id"].(string)
	assert.Equal(t, "https://pay.test/"+trackID, body["payment_url"])

	code, body = s.do(t, http.MethodPost, "/api/v1/payments/request", 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["already_initiated"])
	assert.Equal(t, trackID, body["track_id"])

	code, body = s.do(t, http.MethodGet, "/api/v1/payments/callback?trackId="+trackID, 0, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PAID", body["order_status"])
	assert.Equal(t, "SUCCESS", body["payment_status"])

	code, body = s.do(t, http.MethodGet, "/api/v1/payments/callback?trackId="+trackID, 0, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "payment_not_found", body["error"])

	code, body = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(orderID, 10), 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PAID", body["status"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(orderID, 10), 8, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/orders", 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["orders"], 1)

	code, body = s.do(t, http.MethodGet, "/api/v1/payments/history", 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["payments"], 1)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/checkout", 7, gin.H{"address": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "empty_cart", body["error"])

	code, body = s.do(t, http.MethodPost, "/api/v1/payments/request", 7, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "no_pending_order", body["error"])

	code, body = s.do(t, http.MethodGet, "/api/v1/payments/callback", 0, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_track_id", body["error"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/orders/abc", 7, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 1, "quantity": 1, "action": "add"})
	s.do(t, http.MethodPost, "/api/v1/checkout", 7, gin.H{"address": "x"})
	s.gw.err = gateway.ErrUnavailable

	code, body = s.do(t, http.MethodPost, "/api/v1/payments/request", 7, nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "gateway_unavailable", body["error"])
	assert.Equal(t, true, body["retryable"])
}

func TestNoStockReportsSkippedItems(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/cart", 7, gin.H{"product_id": 2, "quantity": 1, "action": "add"})
	s.repo.PutProduct(models.Product{ID: 2, Title: "Tee", Price: decimal.RequireFromString("20.00"), Stock: 0})

	code, body := s.do(t, http.MethodPost, "/api/v1/checkout", 7, gin.H{"address": "1 Main St"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "no_stock_available", body["error"])
	assert.Len(t, body["skipped_items"], 1)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = s.do(t, http.MethodGet, "/ready", 0, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	down := newTestServer(t, map[string]Pinger{"redis": failingPinger{}})
	code, body = down.do(t, http.MethodGet, "/ready", 0, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
}
