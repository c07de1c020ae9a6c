package port

import (
	"context"

	"github.com/rl1809/pos-checkout/internal/core/domain"
)

// InventoryTx is the view of the store handed to a transaction function.
// Reads must happen before writes; writes are buffered until commit.
type InventoryTx interface {
	// Inventory reads the inventory record at the transaction's snapshot.
	Inventory(ctx context.Context) (domain.Inventory, error)

	// SetQuantity buffers an absolute quantity write for a product.
	SetQuantity(productID int64, quantity int)

	// CreateOrder buffers the order insert and returns it stamped with the
	// store's own clock.
	CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error)
}

// TxFunc may run more than once when the store detects a conflicting write.
// Returning an error aborts the transaction and that error is returned as is.
type TxFunc func(ctx context.Context, tx InventoryTx) error

type InventoryStore interface {
	// ReadInventory is a plain point read outside any transaction.
	ReadInventory(ctx context.Context) (domain.Inventory, error)

	// RunTransaction runs fn as one atomic read-check-write sequence,
	// re-running it on contention.
	RunTransaction(ctx context.Context, fn TxFunc) error

	// Subscribe delivers a full snapshot on start and after every change.
	// onError is called when the feed breaks; the feed keeps trying to recover
	// until the returned cancel func is called or ctx ends.
	Subscribe(ctx context.Context, onSnapshot func(domain.Inventory), onError func(error)) (cancel func(), err error)

	// SetQuantity overwrites one product's quantity outside a transaction.
	SetQuantity(ctx context.Context, productID int64, quantity int) error

	// AdjustQuantity adds delta to one product's quantity, clamping at zero,
	// and returns the new quantity.
	AdjustQuantity(ctx context.Context, productID int64, delta int) (int, error)
}
