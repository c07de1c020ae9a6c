package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCompleted OrderStatus = "completed"
)

// Order is append-only: written once by a committed checkout.
type Order struct {
	ID        string          `json:"id"`
	ShopperID string          `json:"shopper_id,omitempty"`
	Lines     []CartLine      `json:"lines"`
	Total     decimal.Decimal `json:"total"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
