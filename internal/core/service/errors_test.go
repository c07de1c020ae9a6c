package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyAndReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   ErrorKind
		reason string
	}{
		{"nil", nil, KindNone, ""},
		{"invalid quantity", ErrInvalidQuantity, KindInvalidInput, "quantity must be at least 1"},
		{"negative stock", fmt.Errorf("restock 1: %w", ErrNegativeStock), KindInvalidInput, "stock quantity cannot be negative"},
		{"empty cart", ErrEmptyCart, KindInvalidInput, "cart is empty"},
		{"in progress", ErrCheckoutInProgress, KindRejected, "checkout already in progress"},
		{"out of stock", &InsufficientStockError{ProductID: 1, Name: "Latte", Requested: 1, Available: 0}, KindRejected, "Latte is out of stock"},
		{"not enough", &InsufficientStockError{ProductID: 1, Name: "Latte", Requested: 4, Available: 3}, KindRejected, "not enough Latte in stock (3 left)"},
		{"infrastructure", &CheckoutFailedError{Err: errors.New("dial tcp: refused")}, KindFailed, genericFailure},
		{"cancelled", context.Canceled, KindFailed, genericFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.kind {
				t.Errorf("Classify: expected %q, got %q", tt.kind, got)
			}
			if got := Reason(tt.err); got != tt.reason {
				t.Errorf("Reason: expected %q, got %q", tt.reason, got)
			}
		})
	}
}

func TestInsufficientStockError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("commit: %w", &InsufficientStockError{ProductID: 2, Name: "Bagel"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("expected wrapped InsufficientStockError to match ErrInsufficientStock")
	}
}

func TestCheckoutFailedError_Unwraps(t *testing.T) {
	cause := errors.New("deadlock")
	err := &CheckoutFailedError{Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected CheckoutFailedError to unwrap its cause")
	}
}
