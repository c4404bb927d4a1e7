// Package apperr defines the error taxonomy shared by the checkout core and its API.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a caller should react to them
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindInsufficientStock
	KindNotFound
	KindGatewayUnavailable
	KindGatewayRejected
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindNotFound:
		return "not_found"
	case KindGatewayUnavailable:
		return "gateway_unavailable"
	case KindGatewayRejected:
		return "gateway_rejected"
	default:
		return "internal"
	}
}

// Error is a classified, user-presentable error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so copies carrying details still match their sentinel
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the same call may succeed later without user action
func (e *Error) Retryable() bool {
	return e.Kind == KindGatewayUnavailable
}

// WithDetails returns a copy of e carrying structured details
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// WithMessage returns a copy of e with a more specific message
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e with cause attached
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// New creates a sentinel error
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the kind of err, KindInternal when err is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the classified error from err
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Cart errors
var (
	ErrInvalidQuantity       = New(KindValidation, "invalid_quantity", "quantity must be at least 1")
	ErrCartLimitReached      = New(KindValidation, "cart_limit_reached", "cart item limit reached")
	ErrQuantityExceedsStock  = New(KindValidation, "quantity_exceeds_stock", "quantity exceeds available stock")
	ErrCartItemNotFound      = New(KindValidation, "cart_item_not_found", "product is not in the cart")
	ErrRemoveExceedsQuantity = New(KindValidation, "remove_exceeds_quantity", "cannot remove more than the cart holds")
)

// Checkout errors
var (
	ErrInvalidAddress     = New(KindValidation, "invalid_address", "shipping address is required")
	ErrEmptyCart          = New(KindValidation, "empty_cart", "cart is empty")
	ErrPendingOrderExists = New(KindConflict, "pending_order_exists", "a pending order already awaits payment")
	ErrNoStockAvailable   = New(KindInsufficientStock, "no_stock_available", "no cart item has sufficient stock")
	ErrStockRace          = New(KindInsufficientStock, "stock_changed", "stock changed during checkout")
)

// Lookup errors
var (
	ErrProductNotFound = New(KindNotFound, "product_not_found", "product not found")
	ErrOrderNotFound   = New(KindNotFound, "order_not_found", "order not found")
	ErrNoPendingOrder  = New(KindNotFound, "no_pending_order", "no pending order found")
	ErrPaymentNotFound = New(KindNotFound, "payment_not_found", "no pending payment found")
)

// Payment errors
var (
	ErrMissingTrackID     = New(KindValidation, "missing_track_id", "trackId is required")
	ErrPaymentInProgress  = New(KindConflict, "payment_in_progress", "a payment request for this order is already in progress")
	ErrGatewayUnavailable = New(KindGatewayUnavailable, "gateway_unavailable", "payment gateway unavailable, try again")
	ErrGatewayRejected    = New(KindGatewayRejected, "gateway_rejected", "payment gateway rejected the request")
)
