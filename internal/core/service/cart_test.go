package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/metrics"
)

// Mock CartRepository
type mockCartRepo struct {
	mu      sync.Mutex
	saved   map[string][]domain.CartLine
	writes  [][]domain.CartLine
	deletes int
	loadErr error
	saveErr error
}

func newMockCartRepo() *mockCartRepo {
	return &mockCartRepo{saved: make(map[string][]domain.CartLine)}
}

func (m *mockCartRepo) LoadCart(ctx context.Context, shopperID string) ([]domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	lines, ok := m.saved[shopperID]
	if !ok {
		return nil, nil
	}
	return append([]domain.CartLine(nil), lines...), nil
}

func (m *mockCartRepo) SaveCart(ctx context.Context, shopperID string, lines []domain.CartLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[shopperID] = append([]domain.CartLine(nil), lines...)
	m.writes = append(m.writes, m.saved[shopperID])
	return nil
}

func (m *mockCartRepo) DeleteCart(ctx context.Context, shopperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	delete(m.saved, shopperID)
	m.deletes++
	return nil
}

func product(id int64, name, price string) domain.Product {
	return domain.Product{ID: id, Name: name, Price: decimal.RequireFromString(price)}
}

// assertCartInvariants checks one line per product and quantities >= 1.
func assertCartInvariants(t *testing.T, lines []domain.CartLine) {
	t.Helper()
	seen := make(map[int64]bool)
	for _, l := range lines {
		if seen[l.ProductID] {
			t.Errorf("duplicate line for product %d", l.ProductID)
		}
		seen[l.ProductID] = true
		if l.Quantity < 1 {
			t.Errorf("product %d has quantity %d", l.ProductID, l.Quantity)
		}
	}
}

func TestCart_AddMergesLines(t *testing.T) {
	ctx := context.Background()
	cart := NewCart(nil, nil, nil)

	if err := cart.Add(ctx, product(1, "Latte", "3.50"), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cart.Add(ctx, product(1, "Latte", "3.50"), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cart.Add(ctx, product(2, "Bagel", "2.25"), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := cart.Lines()
	assertCartInvariants(t, lines)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if cart.Quantity(1) != 5 {
		t.Errorf("expected quantity 5, got %d", cart.Quantity(1))
	}
	if !cart.Total().Equal(decimal.RequireFromString("19.75")) {
		t.Errorf("expected total 19.75, got %s", cart.Total())
	}
}

func TestCart_AddRejectsNonPositiveQuantity(t *testing.T) {
	cart := NewCart(nil, nil, nil)

	for _, q := range []int{0, -1} {
		if err := cart.Add(context.Background(), product(1, "Latte", "3.50"), q); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("quantity %d: expected ErrInvalidQuantity, got %v", q, err)
		}
	}
	if cart.Len() != 0 {
		t.Errorf("expected empty cart, got %d lines", cart.Len())
	}
}

func TestCart_UpdateQuantity(t *testing.T) {
	ctx := context.Background()
	cart := NewCart(nil, nil, nil)
	cart.Add(ctx, product(1, "Latte", "3.50"), 2)

	if err := cart.UpdateQuantity(ctx, 1, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cart.Quantity(1) != 7 {
		t.Errorf("expected quantity 7, got %d", cart.Quantity(1))
	}

	if err := cart.UpdateQuantity(ctx, 1, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if cart.Quantity(1) != 7 {
		t.Errorf("rejected update changed quantity to %d", cart.Quantity(1))
	}

	// unknown product is a no-op
	if err := cart.UpdateQuantity(ctx, 99, 3); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if cart.Len() != 1 {
		t.Errorf("expected 1 line, got %d", cart.Len())
	}
}

func TestCart_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	cart := NewCart(nil, nil, nil)
	cart.Add(ctx, product(1, "Latte", "3.50"), 1)
	cart.Add(ctx, product(2, "Bagel", "2.25"), 1)

	cart.Remove(ctx, 1)
	cart.Remove(ctx, 42)
	if cart.Len() != 1 || cart.Quantity(2) != 1 {
		t.Errorf("unexpected lines after remove: %+v", cart.Lines())
	}

	cart.Clear(ctx)
	if cart.Len() != 0 {
		t.Errorf("expected empty cart, got %d lines", cart.Len())
	}
	if !cart.Total().IsZero() {
		t.Errorf("expected zero total, got %s", cart.Total())
	}
}

func TestCart_RemoveOrdered(t *testing.T) {
	ctx := context.Background()
	repo := newMockCartRepo()
	cart := NewCart(repo, nil, nil)
	cart.SignIn(ctx, "alice")
	cart.Add(ctx, product(1, "Latte", "3.50"), 3)
	cart.Add(ctx, product(2, "Bagel", "2.25"), 1)

	ordered := []domain.CartLine{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
		{ProductID: 7, Quantity: 1},
	}
	cart.RemoveOrdered(ctx, ordered)
	if cart.Len() != 1 || cart.Quantity(1) != 1 {
		t.Errorf("expected one latte left, got %+v", cart.Lines())
	}
	assertCartInvariants(t, cart.Lines())
	if got := repo.saved["alice"]; len(got) != 1 || got[0].Quantity != 1 {
		t.Errorf("expected remaining line saved, got %+v", got)
	}

	cart.RemoveOrdered(ctx, []domain.CartLine{{ProductID: 1, Quantity: 1}})
	if cart.Len() != 0 {
		t.Errorf("expected empty cart, got %+v", cart.Lines())
	}
	if _, ok := repo.saved["alice"]; ok || repo.deletes != 1 {
		t.Errorf("expected saved cart deleted once, deletes=%d", repo.deletes)
	}
}

func TestCart_InvariantsUnderOperationSequence(t *testing.T) {
	ctx := context.Background()
	cart := NewCart(nil, nil, nil)

	ops := []func(){
		func() { cart.Add(ctx, product(1, "A", "1.00"), 1) },
		func() { cart.Add(ctx, product(2, "B", "2.00"), 4) },
		func() { cart.Add(ctx, product(1, "A", "1.00"), 2) },
		func() { cart.UpdateQuantity(ctx, 2, 0) },
		func() { cart.UpdateQuantity(ctx, 2, 1) },
		func() { cart.Remove(ctx, 1) },
		func() { cart.Add(ctx, product(1, "A", "1.00"), -3) },
		func() { cart.Add(ctx, product(3, "C", "0.10"), 9) },
		func() { cart.Remove(ctx, 3) },
		func() { cart.Add(ctx, product(2, "B", "2.00"), 1) },
	}
	for _, op := range ops {
		op()
		assertCartInvariants(t, cart.Lines())
	}

	if cart.Len() != 1 || cart.Quantity(2) != 2 {
		t.Errorf("unexpected final lines: %+v", cart.Lines())
	}
}

func TestCart_DecimalTotal(t *testing.T) {
	ctx := context.Background()
	cart := NewCart(nil, nil, nil)
	cart.Add(ctx, product(1, "A", "0.10"), 3)
	cart.Add(ctx, product(2, "B", "0.10"), 3)
	cart.Add(ctx, product(3, "C", "0.10"), 3)

	if got := cart.Total().StringFixed(2); got != "0.90" {
		t.Errorf("expected total 0.90, got %s", got)
	}
}

func TestCart_SignInLoadsSavedLines(t *testing.T) {
	ctx := context.Background()
	repo := newMockCartRepo()
	repo.saved["alice"] = []domain.CartLine{
		{ProductID: 1, Name: "A", Price: decimal.RequireFromString("1.00"), Quantity: 2},
		{ProductID: 1, Name: "A", Price: decimal.RequireFromString("1.00"), Quantity: 1},
		{ProductID: 2, Name: "B", Price: decimal.RequireFromString("2.00"), Quantity: 0},
	}

	cart := NewCart(repo, nil, nil)
	if err := cart.SignIn(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := cart.Lines()
	assertCartInvariants(t, lines)
	if len(lines) != 1 || lines[0].Quantity != 3 {
		t.Errorf("expected one merged line of 3, got %+v", lines)
	}
	if cart.Owner() != "alice" || cart.Ephemeral() {
		t.Errorf("expected cart owned by alice, owner=%q ephemeral=%v", cart.Owner(), cart.Ephemeral())
	}
}

func TestCart_SignInNoSavedCart(t *testing.T) {
	cart := NewCart(newMockCartRepo(), nil, nil)
	if err := cart.SignIn(context.Background(), "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cart.Len() != 0 {
		t.Errorf("expected empty cart, got %d lines", cart.Len())
	}
}

func TestCart_SignInLoadError(t *testing.T) {
	repo := newMockCartRepo()
	repo.loadErr = errors.New("connection refused")

	cart := NewCart(repo, nil, nil)
	if err := cart.SignIn(context.Background(), "alice"); err == nil {
		t.Error("expected load error")
	}
}

func TestCart_PersistsInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	repo := newMockCartRepo()
	cart := NewCart(repo, nil, nil)
	cart.SignIn(ctx, "alice")

	cart.Add(ctx, product(1, "A", "1.00"), 1)
	cart.Add(ctx, product(1, "A", "1.00"), 1)
	cart.UpdateQuantity(ctx, 1, 5)

	if len(repo.writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(repo.writes))
	}
	for i, want := range []int{1, 2, 5} {
		if got := repo.writes[i][0].Quantity; got != want {
			t.Errorf("write %d: expected quantity %d, got %d", i, want, got)
		}
	}

	cart.Clear(ctx)
	if repo.deletes != 1 {
		t.Errorf("expected saved cart to be deleted, deletes=%d", repo.deletes)
	}
	if _, ok := repo.saved["alice"]; ok {
		t.Error("saved cart still present after clear")
	}
}

func TestCart_PersistFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	repo := newMockCartRepo()
	m := metrics.New(prometheus.NewRegistry())
	cart := NewCart(repo, nil, m)
	cart.SignIn(ctx, "alice")
	repo.saveErr = errors.New("write timeout")

	if err := cart.Add(ctx, product(1, "A", "1.00"), 2); err != nil {
		t.Fatalf("persistence failure leaked to caller: %v", err)
	}
	if cart.Quantity(1) != 2 {
		t.Errorf("expected in-memory quantity 2, got %d", cart.Quantity(1))
	}
	if got := testutil.ToFloat64(m.CartPersistErrors); got != 1 {
		t.Errorf("expected 1 persist error, got %v", got)
	}
}

func TestCart_EphemeralNeverTouchesRepository(t *testing.T) {
	ctx := context.Background()
	repo := newMockCartRepo()
	cart := NewCart(repo, nil, nil)

	cart.Add(ctx, product(1, "A", "1.00"), 1)
	cart.Clear(ctx)

	if !cart.Ephemeral() {
		t.Error("expected ephemeral cart")
	}
	if len(repo.writes) != 0 || repo.deletes != 0 {
		t.Errorf("ephemeral cart wrote to repository: writes=%d deletes=%d", len(repo.writes), repo.deletes)
	}
}

func TestCart_SignOutKeepsSavedCart(t *testing.T) {
	ctx := context.Background()
	repo := newMockCartRepo()
	cart := NewCart(repo, nil, nil)
	cart.SignIn(ctx, "alice")
	cart.Add(ctx, product(1, "A", "1.00"), 2)

	cart.SignOut()
	if cart.Len() != 0 || cart.Owner() != "" {
		t.Errorf("expected signed-out empty cart, got owner=%q lines=%d", cart.Owner(), cart.Len())
	}

	cart.SignIn(ctx, "alice")
	if cart.Quantity(1) != 2 {
		t.Errorf("expected saved quantity 2 after sign-in, got %d", cart.Quantity(1))
	}
}
