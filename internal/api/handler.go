package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	cart     *service.CartService
	checkout *service.CheckoutService
	orders   *service.OrderService
	payments *service.PaymentService
	deps     map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are probed by the readiness check.
func NewHandler(
	cart *service.CartService,
	checkout *service.CheckoutService,
	orders *service.OrderService,
	payments *service.PaymentService,
	deps map[string]Pinger,
) *Handler {
	return &Handler{
		cart:     cart,
		checkout: checkout,
		orders:   orders,
		payments: payments,
		deps:     deps,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/payments/callback", h.paymentCallback)

	authed := v1.Group("", requireUser())
	{
		authed.GET("/cart", h.listCart)
		authed.POST("/cart", h.updateCart)
		authed.DELETE("/cart", h.clearCart)

		authed.POST("/checkout", h.createCheckout)

		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)

		authed.POST("/payments/request", h.requestPayment)
		authed.GET("/payments/history", h.paymentHistory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type cartRequest struct {
	ProductID int64  `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity"`
	Action    string `json:"action" binding:"required,oneof=add remove"`
}

type checkoutRequest struct {
	Address string `json:"address"`
}

func (h *Handler) listCart(c *gin.Context) {
	view, err := h.cart.List(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// updateCart adds or removes units of one product
func (h *Handler) updateCart(c *gin.Context) {
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx, user := c.Request.Context(), userID(c)
	if req.Action == "add" {
		item, err := h.cart.AddOrIncrement(ctx, user, req.ProductID, req.Quantity)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": item.ProductID, "quantity": item.Quantity})
		return
	}

	left, err := h.cart.RemoveOrDecrement(ctx, user, req.ProductID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": req.ProductID, "quantity": left, "removed": left == 0})
}

func (h *Handler) clearCart(c *gin.Context) {
	n, err := h.cart.Clear(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) createCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.checkout.Checkout(c.Request.Context(), userID(c), req.Address)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":        res.Order.Status,
		"order":         res.Order,
		"items":         res.Items,
		"skipped_items": res.Skipped,
	})
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_order_id",
			"detail": "order id must be a number",
		})
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), userID(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) requestPayment(c *gin.Context) {
	res, err := h.payments.RequestPayment(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	code := http.StatusCreated
	if res.AlreadyInitiated {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

// paymentCallback is where the gateway redirects the customer after paying
func (h *Handler) paymentCallback(c *gin.Context) {
	res, err := h.payments.VerifyCallback(c.Request.Context(), c.Query("trackId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) paymentHistory(c *gin.Context) {
	payments, err := h.payments.ListHistory(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  "invalid_request",
		"detail": err.Error(),
	})
}

// respondError writes a classified error. Unclassified errors are logged and hidden.
func (h *Handler) respondError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "internal_error",
			"detail": "internal server error",
		})
		return
	}

	body := gin.H{}
	for k, v := range e.Details {
		body[k] = v
	}
	body["error"] = e.Code
	body["detail"] = e.Message
	if e.Retryable() {
		body["retryable"] = true
	}
	if e.Kind == apperr.KindGatewayUnavailable || e.Kind == apperr.KindInternal {
		h.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(statusFor(e.Kind), body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInsufficientStock:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindGatewayUnavailable:
		return http.StatusBadGateway
	case apperr.KindGatewayRejected:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
