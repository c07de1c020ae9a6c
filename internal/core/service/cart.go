package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/logger"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

// Cart is one shopper's line items. Without an owner the cart is ephemeral
// and never touches the repository.
//
// The mutex is held across persistence so writes reach the repository in
// submission order.
type Cart struct {
	repo    port.CartRepository
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	owner string
	lines []domain.CartLine
}

func NewCart(repo port.CartRepository, log *zap.Logger, m *metrics.Metrics) *Cart {
	return &Cart{
		repo:    repo,
		log:     logger.OrNop(log).With(zap.String("component", "cart")),
		metrics: m,
	}
}

// SignIn binds the cart to shopperID and loads the saved lines. An empty id
// signs out.
func (c *Cart) SignIn(ctx context.Context, shopperID string) error {
	if shopperID == "" {
		c.SignOut()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.owner = shopperID
	c.lines = nil
	if c.repo == nil {
		return nil
	}

	lines, err := c.repo.LoadCart(ctx, shopperID)
	if err != nil {
		c.log.Error("failed to load cart", zap.String("shopper_id", shopperID), zap.Error(err))
		return fmt.Errorf("load cart: %w", err)
	}
	c.lines = normalizeLines(lines)
	return nil
}

// SignOut drops the identity and the in-memory lines. The saved cart is kept.
func (c *Cart) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = ""
	c.lines = nil
}

func (c *Cart) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Cart) Ephemeral() bool {
	return c.Owner() == "" || c.repo == nil
}

// Add merges quantity into the product's line, creating it if needed.
// It does not check stock.
func (c *Cart) Add(ctx context.Context, product domain.Product, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(product.ID); i >= 0 {
		c.lines[i].Quantity += quantity
	} else {
		c.lines = append(c.lines, domain.CartLine{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
			Image:     product.Image,
			Quantity:  quantity,
		})
	}

	c.save(ctx)
	return nil
}

// UpdateQuantity sets a line's quantity. Use Remove to delete a line.
func (c *Cart) UpdateQuantity(ctx context.Context, productID int64, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(productID)
	if i < 0 {
		return nil
	}
	c.lines[i].Quantity = quantity

	c.save(ctx)
	return nil
}

func (c *Cart) Remove(ctx context.Context, productID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(productID)
	if i < 0 {
		return
	}
	c.lines = append(c.lines[:i], c.lines[i+1:]...)

	c.save(ctx)
}

func (c *Cart) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lines = nil
	c.deleteSaved(ctx)
}

// RemoveOrdered takes the quantities of a placed order out of the cart.
// Lines added or raised after the order was drafted keep the difference.
func (c *Cart) RemoveOrdered(ctx context.Context, ordered []domain.CartLine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, o := range ordered {
		if i := c.indexOf(o.ProductID); i >= 0 {
			c.lines[i].Quantity -= o.Quantity
		}
	}
	kept := c.lines[:0]
	for _, l := range c.lines {
		if l.Quantity >= 1 {
			kept = append(kept, l)
		}
	}
	c.lines = kept

	if len(c.lines) > 0 {
		c.save(ctx)
		return
	}
	c.lines = nil
	c.deleteSaved(ctx)
}

func (c *Cart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Quantity returns the quantity already in the cart for a product.
func (c *Cart) Quantity(productID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(productID); i >= 0 {
		return c.lines[i].Quantity
	}
	return 0
}

func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.LinesTotal(c.lines)
}

func (c *Cart) indexOf(productID int64) int {
	for i, l := range c.lines {
		if l.ProductID == productID {
			return i
		}
	}
	return -1
}

// save must be called with c.mu held. Failures are logged: the in-memory
// lines stay authoritative and the next mutation writes them again.
func (c *Cart) save(ctx context.Context) {
	if c.owner == "" || c.repo == nil {
		return
	}
	lines := make([]domain.CartLine, len(c.lines))
	copy(lines, c.lines)
	if err := c.repo.SaveCart(ctx, c.owner, lines); err != nil {
		c.persistFailed(err)
	}
}

// deleteSaved must be called with c.mu held.
func (c *Cart) deleteSaved(ctx context.Context) {
	if c.owner == "" || c.repo == nil {
		return
	}
	if err := c.repo.DeleteCart(ctx, c.owner); err != nil {
		c.persistFailed(err)
	}
}

func (c *Cart) persistFailed(err error) {
	c.log.Error("failed to persist cart", zap.String("shopper_id", c.owner), zap.Error(err))
	c.metrics.CartPersistFailed()
}

// normalizeLines repairs a saved cart so it satisfies the cart invariants:
// one line per product, every quantity at least 1.
func normalizeLines(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(lines))
	index := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 {
			continue
		}
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}
