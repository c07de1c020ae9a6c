package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/port"
)

const defaultOrderLimit = 100

type DailySales struct {
	Date   string          `json:"date"`
	Total  decimal.Decimal `json:"total"`
	Orders int             `json:"orders"`
}

// OrderQuery serves the read side of recorded orders.
type OrderQuery struct {
	repo port.OrderRepository
	loc  *time.Location
}

func NewOrderQuery(repo port.OrderRepository, loc *time.Location) *OrderQuery {
	if loc == nil {
		loc = time.UTC
	}
	return &OrderQuery{repo: repo, loc: loc}
}

func (q *OrderQuery) Recent(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	orders, err := q.repo.ListOrders(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Sales sums the most recent orders per calendar day.
func (q *OrderQuery) Sales(ctx context.Context, limit int) ([]DailySales, error) {
	orders, err := q.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return SalesByDay(orders, q.loc), nil
}

// SalesByDay groups orders by their creation date in loc, oldest day first.
func SalesByDay(orders []domain.Order, loc *time.Location) []DailySales {
	byDay := make(map[string]*DailySales)
	for _, o := range orders {
		day := o.CreatedAt.In(loc).Format(time.DateOnly)
		d, ok := byDay[day]
		if !ok {
			d = &DailySales{Date: day, Total: decimal.Zero}
			byDay[day] = d
		}
		d.Total = d.Total.Add(o.Total)
		d.Orders++
	}

	out := make([]DailySales, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
