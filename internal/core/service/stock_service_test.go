package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rl1809/pos-checkout/internal/adapter/storage"
	"github.com/rl1809/pos-checkout/internal/metrics"
)

func startStock(t *testing.T, store *storage.MemoryStore, m *metrics.Metrics) *StockService {
	t.Helper()
	svc := NewStockService(store, nil, m)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func TestStockService_DegradedUntilFirstSnapshot(t *testing.T) {
	store := newSeededStore(t, map[int64]int{1: 8})
	svc := NewStockService(store, nil, nil)

	if !svc.Degraded() {
		t.Error("expected degraded before start")
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	waitFor(t, func() bool { return !svc.Degraded() })
	if svc.Available(1) != 8 {
		t.Errorf("expected 8 available, got %d", svc.Available(1))
	}
}

func TestStockService_FollowsStoreChanges(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t, map[int64]int{1: 8})
	svc := startStock(t, store, nil)
	waitFor(t, func() bool { return !svc.Degraded() })

	// a write from another process
	store.SetQuantity(ctx, 2, 4)
	waitFor(t, func() bool { return svc.Available(2) == 4 })

	if !svc.HasAvailable(2, 4) || svc.HasAvailable(2, 5) {
		t.Error("HasAvailable disagrees with cached quantity")
	}
	if svc.Available(99) != 0 {
		t.Errorf("expected 0 for unknown product, got %d", svc.Available(99))
	}
}

func TestStockService_ListenerFailureMarksDegraded(t *testing.T) {
	store := newSeededStore(t, map[int64]int{1: 8})
	m := metrics.New(prometheus.NewRegistry())
	svc := startStock(t, store, m)
	waitFor(t, func() bool { return !svc.Degraded() })

	store.SetFailure(errors.New("listener dropped"))
	waitFor(t, svc.Degraded)
	if got := testutil.ToFloat64(m.StockDegraded); got != 1 {
		t.Errorf("expected degraded gauge 1, got %v", got)
	}

	// cached values stay readable while degraded
	if svc.Available(1) != 8 {
		t.Errorf("expected stale 8, got %d", svc.Available(1))
	}
	snap := svc.Snapshot()
	if !snap.Degraded || snap.Stocks[1] != 8 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	store.SetFailure(nil)
	waitFor(t, func() bool { return !svc.Degraded() })
	if got := testutil.ToFloat64(m.StockDegraded); got != 0 {
		t.Errorf("expected degraded gauge 0, got %v", got)
	}
}

func TestStockService_StartFailure(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.SetFailure(errors.New("unreachable"))

	svc := NewStockService(store, nil, nil)
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if !svc.Degraded() {
		t.Error("expected degraded after failed start")
	}
	svc.Stop()
}

func TestStockService_Decrement(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t, map[int64]int{1: 5})
	svc := NewStockService(store, nil, nil)

	remaining, err := svc.Decrement(ctx, 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 3 || svc.Available(1) != 3 {
		t.Errorf("expected 3 remaining, got %d (cached %d)", remaining, svc.Available(1))
	}

	// clamps at zero
	remaining, err = svc.Decrement(ctx, 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 0 || quantityOf(t, store, 1) != 0 {
		t.Errorf("expected clamp to 0, got %d", remaining)
	}

	if _, err := svc.Decrement(ctx, 1, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestStockService_Restock(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t, map[int64]int{1: 5})
	svc := NewStockService(store, nil, nil)

	if err := svc.Restock(ctx, 1, 40); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quantityOf(t, store, 1) != 40 || svc.Available(1) != 40 {
		t.Errorf("expected 40, got %d", quantityOf(t, store, 1))
	}

	if err := svc.Restock(ctx, 1, -1); !errors.Is(err, ErrNegativeStock) {
		t.Errorf("expected ErrNegativeStock, got %v", err)
	}
	if quantityOf(t, store, 1) != 40 {
		t.Errorf("rejected restock changed stock to %d", quantityOf(t, store, 1))
	}
}

func TestStockService_StoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t, map[int64]int{1: 5})
	svc := NewStockService(store, nil, nil)
	store.SetFailure(errors.New("unreachable"))

	if _, err := svc.Decrement(ctx, 1, 1); err == nil {
		t.Error("expected decrement error")
	}
	if err := svc.Restock(ctx, 1, 9); err == nil {
		t.Error("expected restock error")
	}
}

func TestStockService_EnsureInventory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	svc := NewStockService(store, nil, nil)
	seed := map[int64]int{1: 50, 2: 40}

	seeded, err := svc.EnsureInventory(ctx, seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seeded {
		t.Error("expected empty inventory to be seeded")
	}
	if quantityOf(t, store, 1) != 50 || quantityOf(t, store, 2) != 40 {
		t.Error("seed not written")
	}

	// existing inventory is left alone
	store.SetQuantity(ctx, 1, 3)
	seeded, err = svc.EnsureInventory(ctx, seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seeded {
		t.Error("expected no reseed of populated inventory")
	}
	if quantityOf(t, store, 1) != 3 {
		t.Errorf("reseed overwrote stock, got %d", quantityOf(t, store, 1))
	}
}
