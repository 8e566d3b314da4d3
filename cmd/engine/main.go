package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/vortexlab/tradengine/internal/config"
	"github.com/vortexlab/tradengine/internal/domain"
	"github.com/vortexlab/tradengine/internal/infrastructure/exchange"
	"github.com/vortexlab/tradengine/internal/infrastructure/logger"
	"github.com/vortexlab/tradengine/internal/infrastructure/queue"
	"github.com/vortexlab/tradengine/internal/infrastructure/storage"
	"github.com/vortexlab/tradengine/internal/metrics"
	"github.com/vortexlab/tradengine/internal/usecase"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	managerID := uuid.NewString()
	zl, err := logger.NewLogger(cfg.Logging.Level, managerID)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("engine starting", zap.String("manager_id", managerID))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		zl.Fatal("redis unreachable", zap.Error(err))
	}
	cancelPing()

	store := storage.NewRedisStoreFromClient(rdb)
	users := storage.NewRedisUserDirectory(rdb)
	feed := storage.NewRedisMarketDataFeed(rdb, 5*time.Minute)
	jobQueue := queue.NewRedisQueue(rdb)

	audit, err := storage.NewSQLiteAudit(cfg.Audit.DBPath)
	if err != nil {
		zl.Fatal("open audit db", zap.Error(err))
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// One gateway, engine and ticker stream per configured exchange.
	gateways := map[string]domain.ExchangeGateway{}
	engines := map[string]*usecase.SignalEngine{}
	exchangeNames := make([]string, 0, len(cfg.Exchanges))

	for _, exCfg := range cfg.Exchanges {
		exchangeNames = append(exchangeNames, exCfg.Name)

		creds := exchange.CredentialsFunc(func(ctx context.Context, userID, exchangeID string) (exchange.Credentials, error) {
			key, secret, err := users.Credentials(ctx, userID, exchangeID)
			if err != nil {
				return exchange.Credentials{}, err
			}
			return exchange.Credentials{APIKey: key, APISecret: secret}, nil
		})
		adapter := exchange.NewBybitAdapter(exCfg.Name, exCfg.RESTEndpoint, creds, zl.Named("gateway"))
		gateways[exCfg.Name] = adapter

		engines[exCfg.Name] = usecase.NewSignalEngine(
			store, adapter, feed, users, jobQueue, audit,
			exCfg.Name, cfg.Strategy,
			cfg.Engine.InitialBatchSize, cfg.Engine.MaxBatchSize, cfg.Engine.BatchBudget(),
			zl.Named("engine").With(zap.String("exchange_id", exCfg.Name)),
		)

		name := exCfg.Name
		stream := exchange.NewTickerStream(adapter, exCfg.WSEndpoint, exCfg.Symbols,
			func(symbol string, price domain.MarketPrice) {
				if err := store.MarkSymbolDue(context.Background(), name, symbol, price.Timestamp); err != nil {
					zl.Warn("mark symbol due failed", zap.String("symbol", symbol), zap.Error(err))
				}
			},
			zl.Named("ticker").With(zap.String("exchange_id", name)),
		)

		wg.Add(2)
		go func() { defer wg.Done(); stream.Run(ctx) }()
		eng := engines[exCfg.Name]
		go func() { defer wg.Done(); eng.Run(ctx) }()
	}

	gateway := newMultiGateway(gateways)
	lifecycle := usecase.NewLifecycle(store, gateway, audit, users,
		cfg.Strategy, managerID, cfg.Engine.StaleOrderWindow(), zl.Named("lifecycle"))

	housekeeper := usecase.NewHousekeeper(store, jobQueue, gateway, users, lifecycle,
		exchangeNames, cfg.Engine.StaleOrderWindow(), zl.Named("housekeeping"))

	housekeepEvery := uint64(cfg.Engine.HousekeepTicks)
	if housekeepEvery == 0 {
		housekeepEvery = 10
	}
	elector := usecase.NewLeaderElector(store, managerID,
		cfg.Engine.LeaderTick(), cfg.Engine.LeaderLease(),
		func(ctx context.Context, tick uint64) {
			if tick%housekeepEvery == 0 {
				housekeeper.Run(ctx)
			}
		},
		zl.Named("leader"))
	wg.Add(1)
	go func() { defer wg.Done(); elector.Run(ctx) }()

	consumer := queue.NewConsumer(rdb, managerID, cfg.Engine.JobTimeout(), zl.Named("queue"))
	usecase.NewProcessors(lifecycle, engines, zl.Named("processors")).RegisterAll(consumer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			zl.Error("consumer stopped", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", metricsPort(cfg)),
		Handler: metrics.Handler(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Error("metrics server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("metrics server shutdown failed", zap.Error(err))
	}

	wg.Wait()
	zl.Info("engine stopped")
	os.Exit(0)
}

func metricsPort(cfg *config.Config) int {
	if cfg.Metrics.Port > 0 {
		return cfg.Metrics.Port
	}
	return 9109
}

// multiGateway routes gateway calls by exchange id so one lifecycle
// manager serves every configured exchange.
type multiGateway struct {
	gateways map[string]domain.ExchangeGateway
}

func newMultiGateway(gateways map[string]domain.ExchangeGateway) *multiGateway {
	return &multiGateway{gateways: gateways}
}

func (m *multiGateway) pick(exchangeID string) (domain.ExchangeGateway, error) {
	g, ok := m.gateways[exchangeID]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", exchangeID)
	}
	return g, nil
}

func (m *multiGateway) GetMarketPrice(ctx context.Context, exchangeID, symbol string) (*domain.MarketPrice, error) {
	g, err := m.pick(exchangeID)
	if err != nil {
		return nil, err
	}
	return g.GetMarketPrice(ctx, exchangeID, symbol)
}

func (m *multiGateway) GetMarket(ctx context.Context, exchangeID, symbol string) (*domain.Market, error) {
	g, err := m.pick(exchangeID)
	if err != nil {
		return nil, err
	}
	return g.GetMarket(ctx, exchangeID, symbol)
}

func (m *multiGateway) GetWalletBalances(ctx context.Context, userID, exchangeID string) (domain.WalletBalance, error) {
	g, err := m.pick(exchangeID)
	if err != nil {
		return nil, err
	}
	return g.GetWalletBalances(ctx, userID, exchangeID)
}

func (m *multiGateway) OpenBuy(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	g, err := m.pick(order.ExchangeID)
	if err != nil {
		return nil, err
	}
	return g.OpenBuy(ctx, order)
}

func (m *multiGateway) OpenSell(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	g, err := m.pick(order.ExchangeID)
	if err != nil {
		return nil, err
	}
	return g.OpenSell(ctx, order)
}

func (m *multiGateway) CloseOrder(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	g, err := m.pick(order.ExchangeID)
	if err != nil {
		return nil, err
	}
	return g.CloseOrder(ctx, order)
}

func (m *multiGateway) CheckOrderParameters(ctx context.Context, order *domain.TradeOrder) (bool, error) {
	g, err := m.pick(order.ExchangeID)
	if err != nil {
		return false, err
	}
	return g.CheckOrderParameters(ctx, order)
}
