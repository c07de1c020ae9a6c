package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/logger"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

// StockSnapshot is a copy of the cached stock read model.
type StockSnapshot struct {
	Stocks    map[int64]int
	Degraded  bool
	UpdatedAt time.Time
}

// StockService keeps a push-fed cache of the inventory record. The cache is a
// hint for the UI only; checkout reads the store transactionally.
type StockService struct {
	store   port.InventoryStore
	log     *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	stocks    map[int64]int
	ready     bool
	degraded  bool
	updatedAt time.Time
	cancel    func()
}

func NewStockService(store port.InventoryStore, log *zap.Logger, m *metrics.Metrics) *StockService {
	return &StockService{
		store:   store,
		log:     logger.OrNop(log).With(zap.String("component", "stock")),
		metrics: m,
		stocks:  make(map[int64]int),
	}
}

// Start subscribes to the inventory record. The cache reports degraded until
// the first snapshot arrives.
func (s *StockService) Start(ctx context.Context) error {
	cancel, err := s.store.Subscribe(ctx, s.applySnapshot, s.markDegraded)
	if err != nil {
		s.markDegraded(err)
		return fmt.Errorf("subscribe inventory: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

func (s *StockService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *StockService) applySnapshot(inv domain.Inventory) {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.stocks = inv.Clone().Stocks
	s.updatedAt = inv.UpdatedAt
	s.ready = true
	s.degraded = false
	s.mu.Unlock()

	if wasDegraded {
		s.log.Info("inventory listener recovered", zap.Int("products", len(inv.Stocks)))
	}
	s.metrics.SetStockDegraded(false)
}

func (s *StockService) markDegraded(err error) {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()

	s.log.Warn("inventory listener degraded, stock cache is stale", zap.Error(err))
	s.metrics.SetStockDegraded(true)
}

// Available returns the last known quantity, 0 if the product is unknown.
func (s *StockService) Available(productID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stocks[productID]
}

func (s *StockService) HasAvailable(productID int64, requested int) bool {
	return requested <= s.Available(productID)
}

// Degraded reports whether cached quantities may be stale, either because no
// snapshot has arrived yet or because the listener broke.
func (s *StockService) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded || !s.ready
}

func (s *StockService) Snapshot() StockSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make(map[int64]int, len(s.stocks))
	for id, q := range s.stocks {
		stocks[id] = q
	}
	return StockSnapshot{
		Stocks:    stocks,
		Degraded:  s.degraded || !s.ready,
		UpdatedAt: s.updatedAt,
	}
}

// Decrement is a best-effort, non-transactional adjustment for flows outside
// checkout. The store clamps the result at zero.
func (s *StockService) Decrement(ctx context.Context, productID int64, amount int) (int, error) {
	if amount < 1 {
		return 0, ErrInvalidQuantity
	}

	remaining, err := s.store.AdjustQuantity(ctx, productID, -amount)
	if err != nil {
		return 0, fmt.Errorf("decrement stock %d: %w", productID, err)
	}

	s.setCached(productID, remaining)
	s.log.Info("stock decremented",
		zap.Int64("product_id", productID), zap.Int("amount", amount), zap.Int("remaining", remaining))
	return remaining, nil
}

// Restock sets a product's quantity on hand to an absolute value.
func (s *StockService) Restock(ctx context.Context, productID int64, quantity int) error {
	if quantity < 0 {
		return ErrNegativeStock
	}

	if err := s.store.SetQuantity(ctx, productID, quantity); err != nil {
		return fmt.Errorf("restock %d: %w", productID, err)
	}

	s.setCached(productID, quantity)
	s.log.Info("stock restocked", zap.Int64("product_id", productID), zap.Int("quantity", quantity))
	return nil
}

// EnsureInventory writes seed into the inventory record only when the record
// holds no products yet. It reports whether the seed was written.
func (s *StockService) EnsureInventory(ctx context.Context, seed map[int64]int) (bool, error) {
	if len(seed) == 0 {
		return false, nil
	}

	var seeded bool
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx port.InventoryTx) error {
		seeded = false
		inv, err := tx.Inventory(ctx)
		if err != nil {
			return err
		}
		if len(inv.Stocks) > 0 {
			return nil
		}
		for id, q := range seed {
			tx.SetQuantity(id, domain.ClampQuantity(q))
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("seed inventory: %w", err)
	}

	if seeded {
		s.log.Info("inventory seeded", zap.Int("products", len(seed)))
	}
	return seeded, nil
}

func (s *StockService) setCached(productID int64, quantity int) {
	s.mu.Lock()
	s.stocks[productID] = quantity
	s.mu.Unlock()
}
