// Package storage implements the inventory, cart and order ports on Redis,
// MySQL and process memory.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/port"
)

const (
	defaultMaxAttempts = 10
	idempotencyKeyTTL  = 24 * time.Hour
)

var (
	// ErrOptimisticLock marks one attempt that lost a race; RunTransaction
	// retries it.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrTxContention is returned once every attempt lost a race.
	ErrTxContention = errors.New("inventory transaction aborted after repeated conflicts")
)

// cartDocument is the stored form of a cart.
type cartDocument struct {
	Items     []domain.CartLine `json:"items"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func encodeCart(lines []domain.CartLine, now time.Time) ([]byte, error) {
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return json.Marshal(cartDocument{Items: lines, UpdatedAt: now.UTC()})
}

func decodeCart(data []byte) ([]domain.CartLine, error) {
	var doc cartDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return doc.Items, nil
}

// parseStocks converts hash fields (product id -> quantity) read from a store.
func parseStocks(fields map[string]string) (map[int64]int, error) {
	stocks := make(map[int64]int, len(fields))
	for k, v := range fields {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse product id %q: %w", k, err)
		}
		q, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse stock for %d: %w", id, err)
		}
		stocks[id] = domain.ClampQuantity(q)
	}
	return stocks, nil
}

func sameStocks(a, b map[int64]int) bool {
	if len(a) != len(b) {
		return false
	}
	for id, q := range a {
		if bq, ok := b[id]; !ok || bq != q {
			return false
		}
	}
	return true
}

var (
	_ port.InventoryStore   = (*RedisAdapter)(nil)
	_ port.CartRepository   = (*RedisAdapter)(nil)
	_ port.OrderRepository  = (*RedisAdapter)(nil)
	_ port.IdempotencyStore = (*RedisAdapter)(nil)

	_ port.InventoryStore   = (*MySQLAdapter)(nil)
	_ port.CartRepository   = (*MySQLAdapter)(nil)
	_ port.OrderRepository  = (*MySQLAdapter)(nil)
	_ port.IdempotencyStore = (*MySQLAdapter)(nil)

	_ port.InventoryStore   = (*MemoryStore)(nil)
	_ port.CartRepository   = (*MemoryStore)(nil)
	_ port.OrderRepository  = (*MemoryStore)(nil)
	_ port.IdempotencyStore = (*MemoryStore)(nil)
)
