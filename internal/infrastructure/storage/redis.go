package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vortexlab/tradengine/internal/domain"
)

// Key layout:
//
//	order:{id}                      JSON TradeOrder
//	orders:{exchange}:{user}        SET of order ids
//	orders:status:{status}          SET of order ids
//	pending:{exchange}:{symbol}:{user}  pending order id, TTL-bound
//	vbal:{user}:{exchange}          virtual balance, INCRBYFLOAT
//	wallet:{user}:{exchange}        JSON currency -> free
//	leader                          current leader id, TTL-bound
//	sl:{exchange}:{user}:{symbol}   symbol stop-loss threshold
//	lastopen:{exchange}:{user}      last opened order id
//	due:{exchange}                  ZSET symbol -> ticker update ms
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func orderKey(id string) string { return "order:" + id }

func ordersIndexKey(exchangeID, userID string) string {
	return "orders:" + exchangeID + ":" + userID
}

func statusIndexKey(status domain.OrderStatus) string {
	return "orders:status:" + string(status)
}

func pendingKey(exchangeID, symbol, userID string) string {
	return "pending:" + exchangeID + ":" + symbol + ":" + userID
}

func virtualBalanceKey(userID, exchangeID string) string {
	return "vbal:" + userID + ":" + exchangeID
}

func walletKey(userID, exchangeID string) string {
	return "wallet:" + userID + ":" + exchangeID
}

func stopLossKey(exchangeID, userID, symbol string) string {
	return "sl:" + exchangeID + ":" + userID + ":" + symbol
}

func lastOpenedKey(exchangeID, userID string) string {
	return "lastopen:" + exchangeID + ":" + userID
}

func dueKey(exchangeID string) string { return "due:" + exchangeID }

const leaderKey = "leader"

// --- Orders ---

func (s *RedisStore) GetOrder(ctx context.Context, id string) (*domain.TradeOrder, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	var order domain.TradeOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", id, err)
	}
	return &order, nil
}

func (s *RedisStore) SetOrder(ctx context.Context, order *domain.TradeOrder) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, orderKey(order.ID), data, 0)
	pipe.SAdd(ctx, ordersIndexKey(order.ExchangeID, order.UserID), order.ID)
	// Status index: one membership at a time.
	for _, st := range []domain.OrderStatus{
		domain.StatusWaitOpen, domain.StatusOpened, domain.StatusClosed, domain.StatusCancelled,
	} {
		if st == order.Status {
			pipe.SAdd(ctx, statusIndexKey(st), order.ID)
		} else {
			pipe.SRem(ctx, statusIndexKey(st), order.ID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteOrder(ctx context.Context, id string) error {
	order, err := s.GetOrder(ctx, id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, orderKey(id))
	pipe.SRem(ctx, ordersIndexKey(order.ExchangeID, order.UserID), id)
	for _, st := range []domain.OrderStatus{
		domain.StatusWaitOpen, domain.StatusOpened, domain.StatusClosed, domain.StatusCancelled,
	} {
		pipe.SRem(ctx, statusIndexKey(st), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.TradeOrder, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	orders := make([]*domain.TradeOrder, 0, len(ids))
	for _, id := range ids {
		order, err := s.GetOrder(ctx, id)
		if errors.Is(err, domain.ErrOrderNotFound) {
			continue // index lag after delete
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(order) {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// candidateIDs picks the narrowest index for the filter.
func (s *RedisStore) candidateIDs(ctx context.Context, filter domain.OrderFilter) ([]string, error) {
	if filter.ExchangeID != "" && filter.UserID != "" {
		return s.rdb.SMembers(ctx, ordersIndexKey(filter.ExchangeID, filter.UserID)).Result()
	}
	if len(filter.Statuses) > 0 {
		seen := map[string]bool{}
		var ids []string
		for _, st := range filter.Statuses {
			members, err := s.rdb.SMembers(ctx, statusIndexKey(st)).Result()
			if err != nil {
				return nil, err
			}
			for _, id := range members {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	}
	// Full scan as a last resort; only housekeeping paths get here.
	var ids []string
	iter := s.rdb.Scan(ctx, 0, "order:*", 500).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len("order:"):])
	}
	return ids, iter.Err()
}

// --- Pending semaphore ---

func (s *RedisStore) AcquirePendingOrder(ctx context.Context, exchangeID, symbol, userID, orderID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, pendingKey(exchangeID, symbol, userID), orderID, ttl).Result()
}

func (s *RedisStore) GetPendingOrder(ctx context.Context, exchangeID, symbol, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, pendingKey(exchangeID, symbol, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *RedisStore) ReleasePendingOrder(ctx context.Context, exchangeID, symbol, userID string) error {
	return s.rdb.Del(ctx, pendingKey(exchangeID, symbol, userID)).Err()
}

// --- Virtual balances ---

func (s *RedisStore) GetVirtualBalance(ctx context.Context, userID, exchangeID string) (float64, error) {
	v, err := s.rdb.Get(ctx, virtualBalanceKey(userID, exchangeID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

func (s *RedisStore) SetVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) error {
	return s.rdb.Set(ctx, virtualBalanceKey(userID, exchangeID), strconv.FormatFloat(sum, 'f', -1, 64), 0).Err()
}

func (s *RedisStore) IncreaseVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) (float64, error) {
	return s.rdb.IncrByFloat(ctx, virtualBalanceKey(userID, exchangeID), sum).Result()
}

func (s *RedisStore) DecreaseVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) (float64, error) {
	return s.rdb.IncrByFloat(ctx, virtualBalanceKey(userID, exchangeID), -sum).Result()
}

// --- Wallet snapshots ---

func (s *RedisStore) GetWalletBalance(ctx context.Context, userID, exchangeID string) (domain.WalletBalance, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID, exchangeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.WalletBalance{}, nil
	}
	if err != nil {
		return nil, err
	}
	var balance domain.WalletBalance
	if err := json.Unmarshal(data, &balance); err != nil {
		return nil, fmt.Errorf("unmarshal wallet %s/%s: %w", userID, exchangeID, err)
	}
	return balance, nil
}

func (s *RedisStore) SetWalletBalance(ctx context.Context, userID, exchangeID string, balance domain.WalletBalance) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, walletKey(userID, exchangeID), data, 0).Err()
}

// --- Leader lock ---

// renewLeaderScript extends the lease when the candidate already holds
// it; acquisition goes through SETNX first.
var renewLeaderScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		redis.call("pexpire", KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

func (s *RedisStore) RenewLeader(ctx context.Context, candidateID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, leaderKey, candidateID, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	res, err := renewLeaderScript.Run(ctx, s.rdb, []string{leaderKey}, candidateID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) IsLeader(ctx context.Context, candidateID string) (bool, error) {
	v, err := s.rdb.Get(ctx, leaderKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == candidateID, nil
}

// --- Symbol stop-loss ---

func (s *RedisStore) GetSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string) (*float64, error) {
	v, err := s.rdb.Get(ctx, stopLossKey(exchangeID, userID, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *RedisStore) SetSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string, threshold float64) error {
	return s.rdb.Set(ctx, stopLossKey(exchangeID, userID, symbol), strconv.FormatFloat(threshold, 'f', -1, 64), 0).Err()
}

func (s *RedisStore) DeleteSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string) error {
	return s.rdb.Del(ctx, stopLossKey(exchangeID, userID, symbol)).Err()
}

// --- Last opened order ---

func (s *RedisStore) GetLastOpenedOrder(ctx context.Context, exchangeID, userID string) (*domain.TradeOrder, error) {
	id, err := s.rdb.Get(ctx, lastOpenedKey(exchangeID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

func (s *RedisStore) SetLastOpenedOrder(ctx context.Context, exchangeID, userID, orderID string) error {
	return s.rdb.Set(ctx, lastOpenedKey(exchangeID, userID), orderID, 0).Err()
}

// --- Due symbols ---

func (s *RedisStore) MarkSymbolDue(ctx context.Context, exchangeID, symbol string, at time.Time) error {
	// NX keeps the oldest update time so draining stays oldest-first.
	return s.rdb.ZAddNX(ctx, dueKey(exchangeID), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: symbol,
	}).Err()
}

func (s *RedisStore) PopDueSymbols(ctx context.Context, exchangeID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.rdb.ZPopMin(ctx, dueKey(exchangeID), int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		if sym, ok := e.Member.(string); ok {
			symbols = append(symbols, sym)
		}
	}
	return symbols, nil
}

var _ domain.Store = (*RedisStore)(nil)
