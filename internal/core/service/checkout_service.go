package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/logger"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

type CheckoutState int32

const (
	StateIdle CheckoutState = iota
	StateValidating
	StateCommitting
	StateSucceeded
	StateRejected
	StateFailed
)

func (s CheckoutState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateCommitting:
		return "committing"
	case StateSucceeded:
		return "succeeded"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("CheckoutState(%d)", int32(s))
	}
}

const (
	abandoned = "abandoned"

	// commitTimeout bounds a commit that no longer follows the caller's context.
	commitTimeout = 30 * time.Second
)

// CheckoutService turns one shopper's cart into an order. It validates every
// line against a transactional read of the inventory, decrements stock and
// records the order in the same transaction, then takes the ordered lines out
// of the cart.
type CheckoutService struct {
	store   port.InventoryStore
	cart    *Cart
	events  port.OrderEventPublisher
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	newID   func() (string, error)
	timeout time.Duration

	state atomic.Int32
}

func NewCheckoutService(store port.InventoryStore, cart *Cart, events port.OrderEventPublisher,
	log *zap.Logger, m *metrics.Metrics) *CheckoutService {
	return &CheckoutService{
		store:   store,
		cart:    cart,
		events:  events,
		log:     logger.OrNop(log).With(zap.String("component", "checkout")),
		metrics: m,
		tracer:  otel.Tracer("github.com/rl1809/pos-checkout/internal/core/service"),
		newID:   newOrderID,
		timeout: commitTimeout,
	}
}

func newOrderID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (c *CheckoutService) State() CheckoutState {
	return CheckoutState(c.state.Load())
}

// Checkout submits the current cart. A second call while one is outstanding
// returns ErrCheckoutInProgress without touching the store.
func (c *CheckoutService) Checkout(ctx context.Context) (domain.Order, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateValidating)) {
		return domain.Order{}, ErrCheckoutInProgress
	}

	start := time.Now()
	outcome := StateFailed.String()
	ctx, span := c.tracer.Start(ctx, "checkout")
	defer func() {
		span.SetAttributes(attribute.String("checkout.outcome", outcome))
		span.End()
		c.metrics.ObserveCheckout(outcome, time.Since(start))
		c.state.Store(int32(StateIdle))
	}()

	lines := c.cart.Lines()
	if len(lines) == 0 {
		outcome = c.settle(StateRejected)
		return domain.Order{}, ErrEmptyCart
	}
	if err := ctx.Err(); err != nil {
		// nothing has been written yet
		outcome = abandoned
		c.log.Info("checkout abandoned before commit", zap.Error(err))
		return domain.Order{}, err
	}

	id, err := c.newID()
	if err != nil {
		outcome = c.settle(StateFailed)
		return domain.Order{}, &CheckoutFailedError{Err: fmt.Errorf("generate order id: %w", err)}
	}
	draft := domain.Order{
		ID:        id,
		ShopperID: c.cart.Owner(),
		Lines:     lines,
		Total:     domain.LinesTotal(lines),
		Status:    domain.OrderStatusCompleted,
	}
	span.SetAttributes(attribute.String("order.id", id), attribute.Int("order.lines", len(lines)))

	// Once submitted the commit runs to completion even if the caller goes
	// away, so the store and the reported outcome cannot disagree.
	c.transition(StateCommitting)
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	placed, err := c.commit(commitCtx, draft)

	var stockErr *InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		outcome = c.settle(StateRejected)
		c.log.Info("checkout rejected",
			zap.String("order_id", id), zap.Int64("product_id", stockErr.ProductID),
			zap.Int("requested", stockErr.Requested), zap.Int("available", stockErr.Available))
		return domain.Order{}, err
	case err != nil:
		outcome = c.settle(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("checkout failed", zap.String("order_id", id), zap.Error(err))
		return domain.Order{}, &CheckoutFailedError{Err: err}
	}

	outcome = c.settle(StateSucceeded)
	c.log.Info("checkout succeeded",
		zap.String("order_id", placed.ID), zap.String("total", placed.Total.StringFixed(2)))

	c.cart.RemoveOrdered(commitCtx, lines)
	c.publish(commitCtx, placed)
	return placed, nil
}

// commit runs the read-check-write sequence. The store re-runs the function on
// contention, so it must derive everything from the transactional read.
func (c *CheckoutService) commit(ctx context.Context, draft domain.Order) (domain.Order, error) {
	var placed domain.Order
	err := c.store.RunTransaction(ctx, func(ctx context.Context, tx port.InventoryTx) error {
		inv, err := tx.Inventory(ctx)
		if err != nil {
			return fmt.Errorf("read inventory: %w", err)
		}

		requested, err := checkLines(inv, draft.Lines)
		if err != nil {
			return err
		}
		for id, qty := range requested {
			tx.SetQuantity(id, domain.ClampQuantity(inv.Quantity(id)-qty))
		}

		placed, err = tx.CreateOrder(ctx, draft)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return nil
	})
	return placed, err
}

// checkLines sums requested quantities per product and returns the first line
// the inventory cannot cover.
func checkLines(inv domain.Inventory, lines []domain.CartLine) (map[int64]int, error) {
	requested := make(map[int64]int, len(lines))
	for _, l := range lines {
		requested[l.ProductID] += l.Quantity
		if available := inv.Quantity(l.ProductID); requested[l.ProductID] > available {
			return nil, &InsufficientStockError{
				ProductID: l.ProductID,
				Name:      l.Name,
				Requested: requested[l.ProductID],
				Available: available,
			}
		}
	}
	return requested, nil
}

func (c *CheckoutService) publish(ctx context.Context, order domain.Order) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishOrderPlaced(ctx, order); err != nil {
		c.log.Warn("failed to publish order event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (c *CheckoutService) transition(s CheckoutState) {
	c.state.Store(int32(s))
	c.log.Debug("checkout state", zap.Stringer("state", s))
}

// settle records a terminal state and returns its label. The deferred reset
// in Checkout moves the coordinator back to idle.
func (c *CheckoutService) settle(s CheckoutState) string {
	c.transition(s)
	return s.String()
}
