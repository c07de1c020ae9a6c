package port

import (
	"context"

	"github.com/rl1809/pos-checkout/internal/core/domain"
)

type CartRepository interface {
	// LoadCart returns nil lines when the shopper has no saved cart.
	LoadCart(ctx context.Context, shopperID string) ([]domain.CartLine, error)

	SaveCart(ctx context.Context, shopperID string, lines []domain.CartLine) error

	DeleteCart(ctx context.Context, shopperID string) error
}
