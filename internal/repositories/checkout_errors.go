package repositories

import "fmt"

// CheckoutErrorCode enumerates precondition failures raised by the checkout transaction.
type CheckoutErrorCode string

const (
	// CheckoutErrorUnknown represents an unspecified failure.
	CheckoutErrorUnknown CheckoutErrorCode = "checkout_unknown"
	// CheckoutErrorInsufficientStock indicates a line's quantity exceeds current inventory.
	CheckoutErrorInsufficientStock CheckoutErrorCode = "checkout_insufficient_stock"
	// CheckoutErrorProductUnavailable indicates a referenced product is missing or inactive.
	CheckoutErrorProductUnavailable CheckoutErrorCode = "checkout_product_unavailable"
	// CheckoutErrorPromotionExhausted indicates the promotion's usage limit was reached before commit.
	CheckoutErrorPromotionExhausted CheckoutErrorCode = "checkout_promotion_exhausted"
)

// CheckoutError wraps checkout transaction failures with machine readable codes.
type CheckoutError struct {
	Op        string
	Code      CheckoutErrorCode
	ProductID string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *CheckoutError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CheckoutError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCheckoutError constructs a typed checkout error.
func NewCheckoutError(code CheckoutErrorCode, message string, err error) *CheckoutError {
	if message == "" {
		message = string(code)
	}
	return &CheckoutError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
