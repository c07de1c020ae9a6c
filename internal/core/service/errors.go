package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrNegativeStock      = errors.New("stock quantity cannot be negative")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCheckoutInProgress = errors.New("checkout already in progress")
)

// InsufficientStockError names the first cart line the inventory could not cover.
type InsufficientStockError struct {
	ProductID int64
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (product %d): requested %d, available %d",
		e.Name, e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// CheckoutFailedError wraps an infrastructure error raised while committing.
type CheckoutFailedError struct {
	Err error
}

func (e *CheckoutFailedError) Error() string {
	return "checkout failed: " + e.Err.Error()
}

func (e *CheckoutFailedError) Unwrap() error {
	return e.Err
}

type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindInvalidInput ErrorKind = "invalid_input"
	KindRejected     ErrorKind = "rejected"
	KindFailed       ErrorKind = "failed"
)

const genericFailure = "checkout failed, please try again"

func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrNegativeStock), errors.Is(err, ErrEmptyCart):
		return KindInvalidInput
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrCheckoutInProgress):
		return KindRejected
	default:
		return KindFailed
	}
}

// Reason maps err to a message that is safe to show a shopper.
func Reason(err error) string {
	var stockErr *InsufficientStockError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stockErr):
		if stockErr.Available == 0 {
			return fmt.Sprintf("%s is out of stock", stockErr.Name)
		}
		return fmt.Sprintf("not enough %s in stock (%d left)", stockErr.Name, stockErr.Available)
	case errors.Is(err, ErrInsufficientStock):
		return ErrInsufficientStock.Error()
	case errors.Is(err, ErrInvalidQuantity):
		return ErrInvalidQuantity.Error()
	case errors.Is(err, ErrNegativeStock):
		return ErrNegativeStock.Error()
	case errors.Is(err, ErrEmptyCart):
		return ErrEmptyCart.Error()
	case errors.Is(err, ErrCheckoutInProgress):
		return ErrCheckoutInProgress.Error()
	default:
		return genericFailure
	}
}
