package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pos-checkout/internal/core/domain"
)

func TestSalesByDay(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	orders := []domain.Order{
		{ID: "c", Total: decimal.RequireFromString("1.10"), CreatedAt: day2},
		{ID: "a", Total: decimal.RequireFromString("2.20"), CreatedAt: day1},
		{ID: "b", Total: decimal.RequireFromString("0.70"), CreatedAt: day1.Add(time.Hour)},
	}

	sales := SalesByDay(orders, time.UTC)
	require.Len(t, sales, 2)
	assert.Equal(t, "2026-03-01", sales[0].Date)
	assert.Equal(t, "2.90", sales[0].Total.StringFixed(2))
	assert.Equal(t, 2, sales[0].Orders)
	assert.Equal(t, "2026-03-02", sales[1].Date)
	assert.Equal(t, 1, sales[1].Orders)
}

func TestSalesByDay_UsesLocation(t *testing.T) {
	late := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	orders := []domain.Order{{ID: "a", Total: decimal.NewFromInt(5), CreatedAt: late}}

	sales := SalesByDay(orders, time.FixedZone("UTC+2", 2*60*60))
	require.Len(t, sales, 1)
	assert.Equal(t, "2026-03-03", sales[0].Date)
}

func TestOrderQuery_RecentAndSales(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t, map[int64]int{1: 10})

	for i := 0; i < 3; i++ {
		cart := NewCart(nil, nil, nil)
		require.NoError(t, cart.Add(ctx, product(1, "Latte", "3.50"), 1))
		_, err := NewCheckoutService(store, cart, nil, nil, nil).Checkout(ctx)
		require.NoError(t, err)
	}

	q := NewOrderQuery(store, nil)
	recent, err := q.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	all, err := q.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sales, err := q.Sales(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "10.50", sales[0].Total.StringFixed(2))
	assert.Equal(t, 3, sales[0].Orders)
}
