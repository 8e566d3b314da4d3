// Command checkstore dumps engine state from Redis for debugging:
// leader key, pending semaphores, balances and open orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vortexlab/tradengine/internal/domain"
	"github.com/vortexlab/tradengine/internal/infrastructure/storage"
)

func main() {
	addr := flag.String("redis", "localhost:6379", "redis address")
	db := flag.Int("db", 0, "redis db")
	exchangeID := flag.String("exchange", "bybit", "exchange id")
	userID := flag.String("user", "", "limit to one user id")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *addr, DB: *db})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis unreachable: %v", err)
	}
	store := storage.NewRedisStoreFromClient(rdb)

	leader, err := rdb.Get(ctx, "leader").Result()
	if err == redis.Nil {
		fmt.Println("leader: <none>")
	} else if err != nil {
		log.Fatalf("read leader: %v", err)
	} else {
		ttl, _ := rdb.PTTL(ctx, "leader").Result()
		fmt.Printf("leader: %s (ttl %s)\n", leader, ttl)
	}

	pending, err := rdb.Keys(ctx, "pending:"+*exchangeID+":*").Result()
	if err != nil {
		log.Fatalf("scan pending: %v", err)
	}
	fmt.Printf("pending semaphores: %d\n", len(pending))
	for _, key := range pending {
		val, _ := rdb.Get(ctx, key).Result()
		ttl, _ := rdb.PTTL(ctx, key).Result()
		fmt.Printf("  %s -> %s (ttl %s)\n", key, val, ttl)
	}

	filter := domain.OrderFilter{
		ExchangeID: *exchangeID,
		UserID:     *userID,
		Statuses:   []domain.OrderStatus{domain.StatusWaitOpen, domain.StatusOpened},
	}
	orders, err := store.GetOrders(ctx, filter)
	if err != nil {
		log.Fatalf("read orders: %v", err)
	}
	fmt.Printf("active orders: %d\n", len(orders))
	for _, o := range orders {
		kind := "real"
		if o.IsVirtual {
			kind = "virtual"
		}
		fmt.Printf("  %s %s %s %s %s vol=%.8f open=%.8f\n",
			o.ID, o.Symbol, o.Status, o.Type, kind, o.OpenVolume, o.OpenPrice)
	}

	if *userID != "" {
		balance, err := store.GetVirtualBalance(ctx, *userID, *exchangeID)
		if err != nil {
			log.Fatalf("read virtual balance: %v", err)
		}
		fmt.Printf("virtual balance %s@%s: %.2f\n", *userID, *exchangeID, balance)

		wallet, err := store.GetWalletBalance(ctx, *userID, *exchangeID)
		if err == nil && len(wallet) > 0 {
			fmt.Println("wallet snapshot:")
			for currency, free := range wallet {
				fmt.Printf("  %s: %.8f\n", currency, free)
			}
		}
	}
}
