package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"quant-core/internal/account"
	"quant-core/internal/api"
	"quant-core/internal/engine"
	"quant-core/internal/events"
	"quant-core/internal/gateway"
	"quant-core/internal/order"
	"quant-core/internal/risk"
	"quant-core/internal/strategy"
	"quant-core/pkg/config"
	"quant-core/pkg/counter"
	"quant-core/pkg/crypto"
	"quant-core/pkg/db"
	"quant-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if _, err := logger.Init(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Service: "quant-core"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Infof("quant-core starting (port %s, db %s)", cfg.Port, cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	keys, err := crypto.KeyringFromEnv()
	if err != nil {
		logger.Fatalf("load encryption keys: %v", err)
	}

	store, err := counter.New(ctx, counter.Config{
		Backend:  cfg.CounterBackend,
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "quant:",
	})
	if err != nil {
		logger.Fatalf("counter store: %v", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	logger.Infof("counter store: %s", cfg.CounterBackend)

	bus := events.NewBus()
	defer bus.Close()

	// Exchange adapters, one per user, built from stored connections.
	registry := gateway.DefaultRegistry(gateway.Options{
		ProxyURL:       cfg.ExchangeProxyURL,
		ReconnectDelay: cfg.StreamReconnectDelay,
		ListenKeyRenew: cfg.ListenKeyRenewInterval,
		BinanceTestnet: cfg.BinanceTestnet,
		OKXSimulated:   cfg.OKXSimulated,
	})
	pool := gateway.NewManager(database, keys, registry, gateway.Config{IdleTimeout: cfg.AdapterIdleTTL})

	accounts := account.NewEngine(account.Config{
		StalenessWindow: cfg.PositionStaleness,
		SweepInterval:   cfg.SyncInterval,
	}, account.BusSink{Bus: bus})

	counters := order.NewProfitCounters(store)
	orders := order.NewService(order.Config{
		DefaultLeverage:       cfg.DefaultLeverage,
		DualDirectionLeverage: cfg.DualDirectionLeverage,
		DefaultAddMargin:      cfg.DefaultAddMargin,
		Cooldown:              cfg.OpenCooldown,
	}, pool, accounts, database, counters, bus)

	gate := risk.NewGate(risk.Config{
		Enabled:       cfg.RiskEnabled,
		MinConfidence: cfg.RiskMinConfidence,
		MaxPosition:   cfg.RiskMaxPosition,
		MinRewardRisk: cfg.RiskMinRewardRisk,
	})

	client, err := newStrategyClient(cfg)
	if err != nil {
		logger.Fatalf("strategy client: %v", err)
	}
	defer client.Close()
	if err := client.Health(ctx); err != nil {
		logger.Warnf("strategy service not healthy yet, ticks will hold until it is: %v", err)
	}

	eng := engine.New(engine.Config{ProfitMilestonePct: cfg.ProfitMilestonePct}, accounts, pool, client, gate, orders, counters)

	pool.OnRemove(func(userID string) {
		accounts.Unregister(userID)
		eng.Forget(userID)
	})
	pool.Start(ctx)
	accounts.Start(ctx)

	sched := strategy.NewScheduler(func(ctx context.Context, run strategy.Run, symbol string) error {
		if err := ensureRegistered(ctx, accounts, pool, run.UserID); err != nil {
			return err
		}
		_, err := eng.Tick(ctx, run, symbol)
		return err
	})

	runs, err := strategy.LoadRuns(cfg.StrategyConfigPath)
	if err != nil {
		logger.Warnf("no strategy runs loaded from %s: %v", cfg.StrategyConfigPath, err)
	}
	sched.Apply(withSymbols(runs, cfg.DefaultSymbols))
	go func() {
		err := strategy.Watch(ctx, cfg.StrategyConfigPath, func(runs []strategy.Run) {
			sched.Apply(withSymbols(runs, cfg.DefaultSymbols))
		})
		if err != nil {
			logger.Warnf("strategy config hot reload disabled: %v", err)
		}
	}()

	go journal(ctx, bus)
	go pruneCooldowns(ctx, orders.Cooldown(), time.Minute)

	server := api.NewServer(api.Deps{
		Accounts:  accounts,
		Runs:      sched,
		Records:   database,
		Pool:      pool,
		JWTSecret: cfg.JWTSecret,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Errorf("api server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")

	sched.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("api shutdown: %v", err)
	}
	accounts.Close()
	pool.Stop()
}

func newStrategyClient(cfg *config.Config) (strategy.Client, error) {
	switch cfg.StrategyTransport {
	case "", "http":
		logger.Infof("strategy service: http %s", cfg.StrategyServiceURL)
		return strategy.NewHTTPClient(cfg.StrategyServiceURL, cfg.StrategyTimeout), nil
	case "grpc":
		logger.Infof("strategy service: grpc %s", cfg.StrategyGRPCAddr)
		return strategy.NewGRPCClient(cfg.StrategyGRPCAddr, cfg.StrategyTimeout)
	default:
		return nil, fmt.Errorf("unsupported STRATEGY_TRANSPORT %q", cfg.StrategyTransport)
	}
}

// ensureRegistered starts account sync for a user on its first tick, and
// again after the pool rebuilt the user's adapter.
func ensureRegistered(ctx context.Context, accounts *account.Engine, pool *gateway.Manager, userID string) error {
	if accounts.Registered(userID) {
		return nil
	}
	adapter, err := pool.Get(ctx, userID)
	if err != nil {
		return err
	}
	return accounts.Register(ctx, userID, adapter)
}

func withSymbols(runs []strategy.Run, symbols []string) []strategy.Run {
	if len(symbols) == 0 {
		return runs
	}
	out := make([]strategy.Run, len(runs))
	for i, r := range runs {
		if len(r.Symbols) == 0 {
			r.Symbols = append([]string(nil), symbols...)
		}
		out[i] = r
	}
	return out
}

func pruneCooldowns(ctx context.Context, c *order.Cooldown, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				logger.Debugf("pruned %d expired cooldowns", n)
			}
		}
	}
}

// journal logs every order and close published on the bus.
func journal(ctx context.Context, bus *events.Bus) {
	placed, unsubPlaced := bus.Subscribe(events.EventOrderPlaced, 256)
	defer unsubPlaced()
	closed, unsubClosed := bus.Subscribe(events.EventPositionClosed, 256)
	defer unsubClosed()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-placed:
			if !ok {
				return
			}
			if ev, ok := msg.(order.OrderPlaced); ok {
				logger.Infof("order placed: user=%s %s %s %s qty=%.6f margin=%.2f x%.0f id=%s",
					ev.UserID, ev.Exchange, ev.Order.Symbol, ev.Order.PositionSide, ev.Order.Quantity, ev.Margin, ev.Leverage, ev.Order.ID)
			}
		case msg, ok := <-closed:
			if !ok {
				return
			}
			if ev, ok := msg.(order.PositionClosed); ok {
				logger.Infof("position closed: user=%s %s %s qty=%.6f @ %.4f pnl=%.4f id=%s",
					ev.UserID, ev.Symbol, ev.Side, ev.Quantity, ev.ClosePrice, ev.RealizedPnl, ev.OrderID)
			}
		}
	}
}
