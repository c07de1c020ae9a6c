package port

import (
	"context"

	"github.com/rl1809/pos-checkout/internal/core/domain"
)

type OrderRepository interface {
	// ListOrders returns the most recent orders first.
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

type OrderEventPublisher interface {
	PublishOrderPlaced(ctx context.Context, order domain.Order) error
}
