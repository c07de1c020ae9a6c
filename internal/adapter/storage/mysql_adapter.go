package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWait       = 1205
	mysqlErrDeadlock       = 1213
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		product_id BIGINT PRIMARY KEY,
		stock INT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		CHECK (stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id CHAR(36) PRIMARY KEY,
		shopper_id VARCHAR(128) NOT NULL,
		total DECIMAL(14,2) NOT NULL,
		status VARCHAR(16) NOT NULL,
		items JSON NOT NULL,
		created_at TIMESTAMP(6) NOT NULL,
		INDEX idx_orders_created_at (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS carts (
		shopper_id VARCHAR(128) PRIMARY KEY,
		items JSON NOT NULL,
		updated_at TIMESTAMP(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idem_key VARCHAR(255) PRIMARY KEY,
		expires_at TIMESTAMP(6) NOT NULL
	)`,
}

type MySQLConfig struct {
	MaxAttempts  int
	PollInterval time.Duration // how often the listener re-reads the inventory
	Metrics      *metrics.Metrics
}

// MySQLAdapter stores one inventory row per product with a version column.
// Transactions buffer their writes and apply them with a version check, so a
// concurrent commit makes the loser re-run instead of overwriting.
type MySQLAdapter struct {
	db           *sql.DB
	maxAttempts  int
	pollInterval time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewMySQLAdapter(db *sql.DB, cfg MySQLConfig) *MySQLAdapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &MySQLAdapter{
		db:           db,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		metrics:      cfg.Metrics,
		now:          time.Now,
	}
}

// Migrate creates the tables the adapter needs.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *MySQLAdapter) ReadInventory(ctx context.Context) (domain.Inventory, error) {
	inv, _, err := readInventoryRows(ctx, m.db)
	return inv, err
}

// readInventoryRows also returns each row's version for the write check.
func readInventoryRows(ctx context.Context, q queryer) (domain.Inventory, map[int64]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT product_id, stock, version, updated_at FROM inventory`)
	if err != nil {
		return domain.Inventory{}, nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	inv := domain.NewInventory()
	versions := make(map[int64]int64)
	for rows.Next() {
		var (
			id, version int64
			stock       int
			updatedAt   time.Time
		)
		if err := rows.Scan(&id, &stock, &version, &updatedAt); err != nil {
			return domain.Inventory{}, nil, fmt.Errorf("scan inventory: %w", err)
		}
		inv.Stocks[id] = domain.ClampQuantity(stock)
		versions[id] = version
		inv.Version += version
		if updatedAt.After(inv.UpdatedAt) {
			inv.UpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Inventory{}, nil, fmt.Errorf("iterate inventory: %w", err)
	}
	return inv, versions, nil
}

func (m *MySQLAdapter) RunTransaction(ctx context.Context, fn port.TxFunc) error {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		err := m.runOnce(ctx, fn)
		if errors.Is(err, ErrOptimisticLock) || isRetryable(err) {
			m.metrics.TxConflict("mysql")
			continue
		}
		return err
	}
	return ErrTxContention
}

func (m *MySQLAdapter) runOnce(ctx context.Context, fn port.TxFunc) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	t := &mysqlTx{tx: tx}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := t.flush(ctx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWait
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

func (m *MySQLAdapter) SetQuantity(ctx context.Context, productID int64, quantity int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stock, version) VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE stock = VALUES(stock), version = version + 1`,
		productID, domain.ClampQuantity(quantity),
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) AdjustQuantity(ctx context.Context, productID int64, delta int) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stock, version) VALUES (?, GREATEST(?, 0), 1)
		ON DUPLICATE KEY UPDATE stock = GREATEST(stock + ?, 0), version = version + 1`,
		productID, delta, delta,
	)
	if err != nil {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}

	var stock int
	if err := tx.QueryRowContext(ctx, `SELECT stock FROM inventory WHERE product_id = ?`, productID).Scan(&stock); err != nil {
		return 0, fmt.Errorf("read stock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return stock, nil
}

// Subscribe polls the inventory table and delivers a snapshot whenever it
// differs from the last one delivered.
func (m *MySQLAdapter) Subscribe(ctx context.Context, onSnapshot func(domain.Inventory), onError func(error)) (func(), error) {
	first, err := m.ReadInventory(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	onSnapshot(first)

	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		last := first
		failing := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			inv, err := m.ReadInventory(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failing = true
				onError(err)
				continue
			}
			if failing || inv.Version != last.Version || !sameStocks(inv.Stocks, last.Stocks) {
				onSnapshot(inv)
				last = inv
				failing = false
			}
		}
	}()

	return cancel, nil
}

func (m *MySQLAdapter) LoadCart(ctx context.Context, shopperID string) ([]domain.CartLine, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx, `SELECT items FROM carts WHERE shopper_id = ?`, shopperID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}

	var lines []domain.CartLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return lines, nil
}

func (m *MySQLAdapter) SaveCart(ctx context.Context, shopperID string, lines []domain.CartLine) error {
	if lines == nil {
		lines = []domain.CartLine{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO carts (shopper_id, items, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE items = VALUES(items), updated_at = VALUES(updated_at)`,
		shopperID, data, m.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) DeleteCart(ctx context.Context, shopperID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM carts WHERE shopper_id = ?`, shopperID); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, shopper_id, total, status, items, created_at
		FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		var (
			o     domain.Order
			items []byte
		)
		if err := rows.Scan(&o.ID, &o.ShopperID, &o.Total, &o.Status, &items, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal(items, &o.Lines); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", o.ID, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (m *MySQLAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	now := m.now().UTC()
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE idem_key = ? AND expires_at < ?`, key, now); err != nil {
		return false, fmt.Errorf("expire idempotency key: %w", err)
	}

	result, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO idempotency_keys (idem_key, expires_at) VALUES (?, ?)`, key, now.Add(idempotencyKeyTTL))
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE idem_key = ?`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx       *sql.Tx
	snap     *domain.Inventory
	versions map[int64]int64
	writes   map[int64]int
	orders   []domain.Order
}

func (t *mysqlTx) Inventory(ctx context.Context) (domain.Inventory, error) {
	if t.snap != nil {
		return t.snap.Clone(), nil
	}
	inv, versions, err := readInventoryRows(ctx, t.tx)
	if err != nil {
		return domain.Inventory{}, err
	}
	t.snap = &inv
	t.versions = versions
	return inv.Clone(), nil
}

func (t *mysqlTx) SetQuantity(productID int64, quantity int) {
	if t.writes == nil {
		t.writes = make(map[int64]int)
	}
	t.writes[productID] = domain.ClampQuantity(quantity)
}

// CreateOrder stamps the order with the database clock.
func (t *mysqlTx) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	var now time.Time
	if err := t.tx.QueryRowContext(ctx, `SELECT CURRENT_TIMESTAMP(6)`).Scan(&now); err != nil {
		return domain.Order{}, fmt.Errorf("server time: %w", err)
	}
	order.CreatedAt = now.UTC()
	t.orders = append(t.orders, order)
	return order, nil
}

// checkRowSet guards inserts: the version check only covers rows that
// existed at read time, so a transaction that adds rows re-reads the id set
// with a locking read and conflicts if another writer added a product since.
// The next-key locks it takes also hold off further inserts until commit.
func (t *mysqlTx) checkRowSet(ctx context.Context, ids []int64) error {
	inserts := false
	for _, id := range ids {
		if _, known := t.versions[id]; !known {
			inserts = true
			break
		}
	}
	if !inserts {
		return nil
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT product_id FROM inventory FOR UPDATE`)
	if err != nil {
		return fmt.Errorf("lock inventory: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan inventory id: %w", err)
		}
		if _, known := t.versions[id]; !known {
			return ErrOptimisticLock
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate inventory ids: %w", err)
	}
	if n != len(t.versions) {
		return ErrOptimisticLock
	}
	return nil
}

// flush applies buffered writes in product id order, which keeps concurrent
// transactions from locking rows in opposite orders.
func (t *mysqlTx) flush(ctx context.Context) error {
	ids := make([]int64, 0, len(t.writes))
	for id := range t.writes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := t.checkRowSet(ctx, ids); err != nil {
		return err
	}

	for _, id := range ids {
		stock := t.writes[id]
		version, known := t.versions[id]
		if !known {
			_, err := t.tx.ExecContext(ctx,
				`INSERT INTO inventory (product_id, stock, version) VALUES (?, ?, 1)`, id, stock)
			if isDuplicate(err) {
				return ErrOptimisticLock
			}
			if err != nil {
				return fmt.Errorf("insert inventory: %w", err)
			}
			continue
		}

		result, err := t.tx.ExecContext(ctx, `
			UPDATE inventory
			SET stock = ?, version = version + 1
			WHERE product_id = ? AND version = ?`,
			stock, id, version,
		)
		if err != nil {
			return fmt.Errorf("update inventory: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrOptimisticLock
		}
	}

	for _, o := range t.orders {
		items, err := json.Marshal(o.Lines)
		if err != nil {
			return fmt.Errorf("encode order: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO orders (id, shopper_id, total, status, items, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, o.ShopperID, o.Total.StringFixed(2), o.Status, items, o.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
	}
	return nil
}
