package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pos-checkout/internal/adapter/storage"
	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/core/service"
)

const (
	redisAddr     = "localhost:6379"
	productID     = int64(1)
	initialStock  = 20
	totalShoppers = 50
)

func main() {
	ctx := context.Background()

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	// Clear previous test data
	rdb.Del(ctx, "inventory:stocks", "inventory:meta", "orders:by_time")
	keys, _ := rdb.Keys(ctx, "order:*").Result()
	if len(keys) > 0 {
		rdb.Del(ctx, keys...)
	}

	// Initialize adapter and service
	store := storage.NewRedisAdapter(rdb, storage.RedisConfig{MaxAttempts: 100})
	if err := store.SetQuantity(ctx, productID, initialStock); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}
	sessions := service.NewSessionManager(store, store, nil, nil, nil)

	product := domain.Product{ID: productID, Name: "Stress Test Croissant", Price: decimal.RequireFromString("9.99")}

	// Counters
	var successCount atomic.Int32
	var rejectCount atomic.Int32
	var failCount atomic.Int32

	// Every shopper holds one unit and checks out at the same time
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalShoppers; i++ {
		sess := sessions.Anonymous(fmt.Sprintf("shopper-%d", i))
		if err := sess.Cart.Add(ctx, product, 1); err != nil {
			log.Fatalf("failed to fill cart: %v", err)
		}

		wg.Add(1)
		go func(sess *service.Session) {
			defer wg.Done()

			_, err := sess.Checkout.Checkout(ctx)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				rejectCount.Add(1)
			default:
				failCount.Add(1)
				log.Printf("%s: %v", sess.Key, err)
			}
		}(sess)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	rejected := rejectCount.Load()
	failed := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Shoppers:   %d\n", totalShoppers)
	fmt.Printf("Succeeded:        %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Failed:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == int32(initialStock) && rejected == int32(totalShoppers-initialStock) {
		fmt.Printf("PASS: Exactly %d checkouts succeeded, %d rejected\n", initialStock, totalShoppers-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d succeeded/%d rejected, got %d/%d (%d failed)\n",
			initialStock, totalShoppers-initialStock, success, rejected, failed)
	}

	// Verify final stock and recorded orders
	inv, err := store.ReadInventory(ctx)
	if err != nil {
		log.Fatalf("failed to read inventory: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", inv.Quantity(productID))
	if inv.Quantity(productID) == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", inv.Quantity(productID))
	}

	orders, err := store.ListOrders(ctx, totalShoppers)
	if err != nil {
		log.Fatalf("failed to list orders: %v", err)
	}
	if len(orders) == int(success) {
		fmt.Printf("PASS: %d orders recorded\n", len(orders))
	} else {
		fmt.Printf("FAIL: Expected %d orders, got %d\n", success, len(orders))
	}
}
