package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

const (
	inventoryKey         = "inventory:stocks"
	inventoryMetaKey     = "inventory:meta"
	inventoryChannel     = "inventory:changed"
	cartKeyPrefix        = "cart:"
	orderKeyPrefix       = "order:"
	ordersIndexKey       = "orders:by_time"
	idempotencyKeyPrefix = "idempotency:"
)

// adjustStockScript adds a delta to one product's stock and clamps at zero.
var adjustStockScript = redis.NewScript(`
local key = KEYS[1]
local meta = KEYS[2]
local field = ARGV[1]
local delta = tonumber(ARGV[2])

local current = tonumber(redis.call('HGET', key, field) or '0')
local next = current + delta
if next < 0 then
	next = 0
end

redis.call('HSET', key, field, next)
redis.call('HINCRBY', meta, 'version', 1)
redis.call('HSET', meta, 'updated_at', ARGV[3])

return next
`)

type RedisConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration // wait before re-reading after a listener error
	Metrics     *metrics.Metrics
}

// RedisAdapter keeps the inventory in one hash guarded by WATCH, carts and
// orders as JSON strings, and announces inventory changes on a channel.
type RedisAdapter struct {
	client      *redis.Client
	maxAttempts int
	retryDelay  time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewRedisAdapter(client *redis.Client, cfg RedisConfig) *RedisAdapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &RedisAdapter{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
}

func (r *RedisAdapter) ReadInventory(ctx context.Context) (domain.Inventory, error) {
	return readInventory(ctx, r.client)
}

// readInventory works for both the plain client and a WATCHed transaction.
func readInventory(ctx context.Context, c redis.Cmdable) (domain.Inventory, error) {
	fields, err := c.HGetAll(ctx, inventoryKey).Result()
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("read inventory: %w", err)
	}
	meta, err := c.HGetAll(ctx, inventoryMetaKey).Result()
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("read inventory meta: %w", err)
	}

	stocks, err := parseStocks(fields)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv := domain.Inventory{Stocks: stocks}
	if v, ok := meta["version"]; ok {
		inv.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := meta["updated_at"]; ok {
		if us, err := strconv.ParseInt(v, 10, 64); err == nil {
			inv.UpdatedAt = time.UnixMicro(us).UTC()
		}
	}
	return inv, nil
}

func (r *RedisAdapter) RunTransaction(ctx context.Context, fn port.TxFunc) error {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		var wrote bool
		err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{rtx: rtx}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			if len(tx.writes) == 0 && len(tx.orders) == 0 {
				return nil
			}

			_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return tx.flush(ctx, p, r.now())
			})
			if err != nil {
				return err
			}
			wrote = len(tx.writes) > 0
			return nil
		}, inventoryKey)

		if errors.Is(err, redis.TxFailedErr) {
			r.metrics.TxConflict("redis")
			continue
		}
		if err != nil {
			return err
		}
		if wrote {
			r.announce(ctx)
		}
		return nil
	}
	return ErrTxContention
}

func (r *RedisAdapter) SetQuantity(ctx context.Context, productID int64, quantity int) error {
	field := strconv.FormatInt(productID, 10)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, inventoryKey, field, domain.ClampQuantity(quantity))
		p.HIncrBy(ctx, inventoryMetaKey, "version", 1)
		p.HSet(ctx, inventoryMetaKey, "updated_at", r.now().UnixMicro())
		return nil
	})
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	r.announce(ctx)
	return nil
}

func (r *RedisAdapter) AdjustQuantity(ctx context.Context, productID int64, delta int) (int, error) {
	keys := []string{inventoryKey, inventoryMetaKey}
	result, err := adjustStockScript.Run(ctx, r.client, keys,
		strconv.FormatInt(productID, 10), delta, r.now().UnixMicro()).Int()
	if err != nil {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}
	r.announce(ctx)
	return result, nil
}

// announce is best effort: listeners that miss it catch up on their next
// re-read.
func (r *RedisAdapter) announce(ctx context.Context) {
	_ = r.client.Publish(context.WithoutCancel(ctx), inventoryChannel, "changed").Err()
}

func (r *RedisAdapter) Subscribe(ctx context.Context, onSnapshot func(domain.Inventory), onError func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, inventoryChannel)

	// wait for the subscription confirmation so changes are not missed
	// between the initial read and the first message
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", inventoryChannel, err)
	}

	go r.listen(ctx, pubsub, onSnapshot, onError)

	return func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}

func (r *RedisAdapter) listen(ctx context.Context, pubsub *redis.PubSub, onSnapshot func(domain.Inventory), onError func(error)) {
	deliver := func() {
		inv, err := r.ReadInventory(ctx)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		onSnapshot(inv)
	}

	deliver()
	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			onError(fmt.Errorf("inventory listener: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retryDelay):
			}
			continue
		}

		switch msg.(type) {
		case *redis.Message, *redis.Subscription:
			// a Subscription message after the first one means the
			// connection was re-established; re-read to catch up
			deliver()
		}
	}
}

func (r *RedisAdapter) LoadCart(ctx context.Context, shopperID string) ([]domain.CartLine, error) {
	data, err := r.client.Get(ctx, cartKeyPrefix+shopperID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return decodeCart(data)
}

func (r *RedisAdapter) SaveCart(ctx context.Context, shopperID string, lines []domain.CartLine) error {
	data, err := encodeCart(lines, r.now())
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	return r.client.Set(ctx, cartKeyPrefix+shopperID, data, 0).Err()
}

func (r *RedisAdapter) DeleteCart(ctx context.Context, shopperID string) error {
	return r.client.Del(ctx, cartKeyPrefix+shopperID).Err()
}

func (r *RedisAdapter) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, ordersIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list order ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Order{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = orderKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var o domain.Order
		if err := json.Unmarshal([]byte(s), &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

type redisTx struct {
	rtx    *redis.Tx
	snap   *domain.Inventory
	writes map[int64]int
	orders []domain.Order
}

func (t *redisTx) Inventory(ctx context.Context) (domain.Inventory, error) {
	if t.snap != nil {
		return t.snap.Clone(), nil
	}
	inv, err := readInventory(ctx, t.rtx)
	if err != nil {
		return domain.Inventory{}, err
	}
	t.snap = &inv
	return inv.Clone(), nil
}

func (t *redisTx) SetQuantity(productID int64, quantity int) {
	if t.writes == nil {
		t.writes = make(map[int64]int)
	}
	t.writes[productID] = domain.ClampQuantity(quantity)
}

// CreateOrder stamps the order with the Redis server clock.
func (t *redisTx) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	now, err := t.rtx.Time(ctx).Result()
	if err != nil {
		return domain.Order{}, fmt.Errorf("server time: %w", err)
	}
	order.CreatedAt = now.UTC()
	t.orders = append(t.orders, order)
	return order, nil
}

func (t *redisTx) flush(ctx context.Context, p redis.Pipeliner, now time.Time) error {
	if len(t.writes) > 0 {
		values := make([]interface{}, 0, len(t.writes)*2)
		for id, q := range t.writes {
			values = append(values, strconv.FormatInt(id, 10), q)
		}
		p.HSet(ctx, inventoryKey, values...)
		p.HIncrBy(ctx, inventoryMetaKey, "version", 1)
		p.HSet(ctx, inventoryMetaKey, "updated_at", now.UnixMicro())
	}

	for _, o := range t.orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order: %w", err)
		}
		p.Set(ctx, orderKeyPrefix+o.ID, data, 0)
		p.ZAdd(ctx, ordersIndexKey, redis.Z{Score: float64(o.CreatedAt.UnixMicro()), Member: o.ID})
	}
	return nil
}
