package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/pos-checkout/internal/logger"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

// DefaultSessionIdleTTL is how long an untouched session stays in memory.
const DefaultSessionIdleTTL = 30 * time.Minute

// Session pairs a shopper's cart with its own checkout coordinator.
type Session struct {
	Key      string
	Cart     *Cart
	Checkout *CheckoutService

	lastSeen atomic.Int64 // unix nanoseconds
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// SessionManager owns the live shopper sessions. Signed-in sessions are keyed
// by shopper id and persist their carts; anonymous ones are memory-only.
// Sessions idle for longer than the idle TTL are evicted by EvictIdle.
type SessionManager struct {
	store   port.InventoryStore
	carts   port.CartRepository
	events  port.OrderEventPublisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	loads   singleflight.Group

	mu        sync.Mutex
	idleTTL   time.Duration
	shoppers  map[string]*Session
	anonymous map[string]*Session
}

func NewSessionManager(store port.InventoryStore, carts port.CartRepository, events port.OrderEventPublisher,
	log *zap.Logger, m *metrics.Metrics) *SessionManager {
	return &SessionManager{
		store:     store,
		carts:     carts,
		events:    events,
		log:       logger.OrNop(log).With(zap.String("component", "sessions")),
		metrics:   m,
		now:       time.Now,
		idleTTL:   DefaultSessionIdleTTL,
		shoppers:  make(map[string]*Session),
		anonymous: make(map[string]*Session),
	}
}

// SetIdleTTL changes the idle eviction threshold. Non-positive values are
// ignored.
func (m *SessionManager) SetIdleTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.idleTTL = ttl
	m.mu.Unlock()
}

// Shopper returns the signed-in session for shopperID, loading the saved cart
// the first time it is seen. The load runs outside the manager lock and is
// shared by concurrent first requests for the same shopper.
func (m *SessionManager) Shopper(ctx context.Context, shopperID string) (*Session, error) {
	if s := m.cachedShopper(shopperID); s != nil {
		return s, nil
	}

	v, err, _ := m.loads.Do(shopperID, func() (any, error) {
		if s := m.cachedShopper(shopperID); s != nil {
			return s, nil
		}

		s := m.newSession(shopperID, m.carts)
		if err := s.Cart.SignIn(ctx, shopperID); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.shoppers[shopperID] = s
		m.mu.Unlock()
		m.log.Info("shopper signed in", zap.String("shopper_id", shopperID))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *SessionManager) cachedShopper(shopperID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shoppers[shopperID]
	if !ok {
		return nil
	}
	s.touch(m.now())
	return s
}

// Anonymous returns an ephemeral session. Its cart is lost with the process
// or when the session is evicted.
func (m *SessionManager) Anonymous(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.anonymous[sessionID]; ok {
		s.touch(m.now())
		return s
	}
	s := m.newSession(sessionID, nil)
	m.anonymous[sessionID] = s
	return s
}

// SignOut forgets the shopper's in-memory session. The saved cart survives
// and is loaded again on the next sign-in.
func (m *SessionManager) SignOut(shopperID string) {
	m.mu.Lock()
	s, ok := m.shoppers[shopperID]
	delete(m.shoppers, shopperID)
	m.mu.Unlock()

	if ok {
		s.Cart.SignOut()
		m.log.Info("shopper signed out", zap.String("shopper_id", shopperID))
	}
}

// EvictIdle drops sessions untouched for longer than the idle TTL and
// returns how many were removed. A session with a checkout in flight is kept.
// Signed-in carts are already persisted and reload on the next request.
func (m *SessionManager) EvictIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0
	for _, sessions := range []map[string]*Session{m.shoppers, m.anonymous} {
		for key, s := range sessions {
			if s.idleSince(now) <= m.idleTTL || s.Checkout.State() != StateIdle {
				continue
			}
			delete(sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Info("evicted idle sessions", zap.Int("count", evicted))
	}
	return evicted
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shoppers) + len(m.anonymous)
}

// RunEviction calls EvictIdle every interval until ctx is cancelled.
func (m *SessionManager) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

func (m *SessionManager) newSession(key string, carts port.CartRepository) *Session {
	cart := NewCart(carts, m.log, m.metrics)
	s := &Session{
		Key:      key,
		Cart:     cart,
		Checkout: NewCheckoutService(m.store, cart, m.events, m.log, m.metrics),
	}
	s.touch(m.now())
	return s
}
