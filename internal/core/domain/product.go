package domain

import "github.com/shopspring/decimal"

// Product is supplied by the catalog. Only ID, Name and Price matter to checkout.
type Product struct {
	ID       int64
	Name     string
	Price    decimal.Decimal
	Category string
	Image    string
}
