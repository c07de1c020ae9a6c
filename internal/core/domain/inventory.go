package domain

import "time"

type StockLevel string

const (
	StockLevelLow    StockLevel = "low"
	StockLevelMedium StockLevel = "medium"
	StockLevelOK     StockLevel = "ok"
)

const (
	lowStockThreshold    = 5
	mediumStockThreshold = 20
)

// Inventory is the single shared stock record: product id -> quantity on hand.
type Inventory struct {
	Stocks    map[int64]int
	Version   int64 // bumped on every committed write
	UpdatedAt time.Time
}

func NewInventory() Inventory {
	return Inventory{Stocks: make(map[int64]int)}
}

// Quantity returns the quantity on hand, 0 for unknown products.
func (inv Inventory) Quantity(productID int64) int {
	return inv.Stocks[productID]
}

func (inv Inventory) Clone() Inventory {
	stocks := make(map[int64]int, len(inv.Stocks))
	for id, q := range inv.Stocks {
		stocks[id] = q
	}
	return Inventory{Stocks: stocks, Version: inv.Version, UpdatedAt: inv.UpdatedAt}
}

// ClampQuantity keeps stock from going negative.
func ClampQuantity(q int) int {
	if q < 0 {
		return 0
	}
	return q
}

func LevelOf(quantity int) StockLevel {
	switch {
	case quantity <= lowStockThreshold:
		return StockLevelLow
	case quantity <= mediumStockThreshold:
		return StockLevelMedium
	default:
		return StockLevelOK
	}
}
