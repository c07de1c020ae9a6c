package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/port"
)

// MemoryStore is a process-local inventory store with the same transaction
// semantics as the networked adapters: reads are versioned and a commit that
// lost a race re-runs the transaction function.
type MemoryStore struct {
	maxAttempts int
	now         func() time.Time

	mu          sync.Mutex
	inv         domain.Inventory
	orders      []domain.Order
	carts       map[string][]domain.CartLine
	idempotency map[string]time.Time
	failure     error
	beforeWrite func(attempt int)
	subs        map[int]*memorySubscription
	nextSub     int
}

type memorySubscription struct {
	notify  chan struct{}
	done    chan struct{}
	onError func(error)
}

func NewMemoryStore(maxAttempts int) *MemoryStore {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &MemoryStore{
		maxAttempts: maxAttempts,
		now:         time.Now,
		inv:         domain.NewInventory(),
		carts:       make(map[string][]domain.CartLine),
		idempotency: make(map[string]time.Time),
		subs:        make(map[int]*memorySubscription),
	}
}

// SetFailure makes every subsequent call fail with err, as an unreachable
// backend would. Live subscriptions are told through onError. A nil err
// restores the store and refreshes subscribers.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	subs := make([]*memorySubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err != nil {
			sub.onError(err)
		} else {
			sub.poke()
		}
	}
}

// SetBeforeWrite installs a hook that runs after the transaction function
// and before its writes are validated. Used to force conflicting writes.
func (s *MemoryStore) SetBeforeWrite(hook func(attempt int)) {
	s.mu.Lock()
	s.beforeWrite = hook
	s.mu.Unlock()
}

func (s *MemoryStore) ReadInventory(ctx context.Context) (domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return domain.Inventory{}, s.failure
	}
	return s.inv.Clone(), nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn port.TxFunc) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memoryTx{store: s}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		s.mu.Lock()
		hook := s.beforeWrite
		s.mu.Unlock()
		if hook != nil {
			hook(attempt)
		}

		err := s.commit(tx)
		if err == ErrOptimisticLock {
			continue
		}
		return err
	}
	return ErrTxContention
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return s.failure
	}
	if tx.read && tx.version != s.inv.Version {
		s.mu.Unlock()
		return ErrOptimisticLock
	}
	if len(tx.writes) == 0 && len(tx.orders) == 0 {
		s.mu.Unlock()
		return nil
	}

	for id, q := range tx.writes {
		s.inv.Stocks[id] = domain.ClampQuantity(q)
	}
	s.bump()
	s.orders = append(s.orders, tx.orders...)
	subs := s.subscribers()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.poke()
	}
	return nil
}

func (s *MemoryStore) SetQuantity(ctx context.Context, productID int64, quantity int) error {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return s.failure
	}
	s.inv.Stocks[productID] = domain.ClampQuantity(quantity)
	s.bump()
	subs := s.subscribers()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.poke()
	}
	return nil
}

func (s *MemoryStore) AdjustQuantity(ctx context.Context, productID int64, delta int) (int, error) {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return 0, s.failure
	}
	q := domain.ClampQuantity(s.inv.Stocks[productID] + delta)
	s.inv.Stocks[productID] = q
	s.bump()
	subs := s.subscribers()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.poke()
	}
	return q, nil
}

// bump must be called with s.mu held.
func (s *MemoryStore) bump() {
	s.inv.Version++
	s.inv.UpdatedAt = s.now()
}

func (s *MemoryStore) Subscribe(ctx context.Context, onSnapshot func(domain.Inventory), onError func(error)) (func(), error) {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return nil, s.failure
	}
	sub := &memorySubscription{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onError: onError,
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	sub.poke()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case <-sub.notify:
				inv, err := s.ReadInventory(ctx)
				if err != nil {
					onError(err)
					continue
				}
				onSnapshot(inv)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

// subscribers must be called with s.mu held.
func (s *MemoryStore) subscribers() []*memorySubscription {
	out := make([]*memorySubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// poke coalesces change notifications; the listener always reads the latest
// snapshot.
func (sub *memorySubscription) poke() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (s *MemoryStore) LoadCart(ctx context.Context, shopperID string) ([]domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	lines, ok := s.carts[shopperID]
	if !ok {
		return nil, nil
	}
	return copyLines(lines), nil
}

func (s *MemoryStore) SaveCart(ctx context.Context, shopperID string, lines []domain.CartLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	s.carts[shopperID] = copyLines(lines)
	return nil
}

func (s *MemoryStore) DeleteCart(ctx context.Context, shopperID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	delete(s.carts, shopperID)
	return nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	out := make([]domain.Order, len(s.orders))
	copy(out, s.orders)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return false, s.failure
	}
	now := s.now()
	if exp, ok := s.idempotency[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.idempotency[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (s *MemoryStore) ReleaseIdempotency(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	delete(s.idempotency, key)
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	read    bool
	version int64
	snap    domain.Inventory
	writes  map[int64]int
	orders  []domain.Order
}

func (t *memoryTx) Inventory(ctx context.Context) (domain.Inventory, error) {
	if t.read {
		return t.snap.Clone(), nil
	}
	inv, err := t.store.ReadInventory(ctx)
	if err != nil {
		return domain.Inventory{}, err
	}
	t.read = true
	t.version = inv.Version
	t.snap = inv
	return inv.Clone(), nil
}

func (t *memoryTx) SetQuantity(productID int64, quantity int) {
	if t.writes == nil {
		t.writes = make(map[int64]int)
	}
	t.writes[productID] = domain.ClampQuantity(quantity)
}

func (t *memoryTx) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	t.store.mu.Lock()
	failure := t.store.failure
	now := t.store.now()
	t.store.mu.Unlock()
	if failure != nil {
		return domain.Order{}, failure
	}

	order.Lines = copyLines(order.Lines)
	order.CreatedAt = now
	t.orders = append(t.orders, order)
	return order, nil
}

func copyLines(lines []domain.CartLine) []domain.CartLine {
	if lines == nil {
		return nil
	}
	out := make([]domain.CartLine, len(lines))
	copy(out, lines)
	return out
}
