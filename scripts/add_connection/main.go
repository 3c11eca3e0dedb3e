package main

import (
	"context"
	"os"
	"strings"
	"time"

	"quant-core/internal/gateway"
	"quant-core/internal/model"
	"quant-core/pkg/config"
	"quant-core/pkg/crypto"
	"quant-core/pkg/db"
	"quant-core/pkg/logger"
)

// add_connection/main.go
//
// Stores an exchange connection for a user, sealed with the master key, and
// optionally checks that the keys work before activating it.
//
//   CONN_USER_ID=u1 CONN_EXCHANGE=OKX CONN_API_KEY=... CONN_API_SECRET=... \
//   CONN_PASSPHRASE=... go run ./scripts/add_connection
//
// Variables:
//   CONN_USER_ID, CONN_EXCHANGE (BINANCE|OKX), CONN_API_KEY, CONN_API_SECRET
//   CONN_PASSPHRASE   OKX only
//   CONN_NAME         default "<exchange> main"
//   CONN_TESTNET      default "false"
//   CONN_VERIFY       default "true": build the adapter and read the account first
//
// DB_PATH and MASTER_ENCRYPTION_KEY are read like the main process.

func main() {
	if _, err := logger.Init(logger.Options{Level: "info", Service: "add-connection"}); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config load error: %v", err)
	}

	userID := os.Getenv("CONN_USER_ID")
	exchange := model.ExchangeType(strings.ToUpper(os.Getenv("CONN_EXCHANGE")))
	creds := model.Credentials{
		Exchange:   exchange,
		APIKey:     os.Getenv("CONN_API_KEY"),
		Secret:     os.Getenv("CONN_API_SECRET"),
		Passphrase: os.Getenv("CONN_PASSPHRASE"),
		Testnet:    getenv("CONN_TESTNET", "false") == "true",
	}
	if userID == "" {
		logger.Fatalf("CONN_USER_ID is required")
	}
	if err := gateway.ValidateCredentials(creds); err != nil {
		logger.Fatalf("credentials: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if getenv("CONN_VERIFY", "true") == "true" {
		registry := gateway.DefaultRegistry(gateway.Options{
			ProxyURL:       cfg.ExchangeProxyURL,
			BinanceTestnet: cfg.BinanceTestnet,
			OKXSimulated:   cfg.OKXSimulated,
		})
		adapter, err := registry.New(ctx, creds)
		if err != nil {
			logger.Fatalf("build %s adapter: %v", exchange, err)
		}
		snap, err := adapter.GetAccountInfo(ctx, userID)
		_ = adapter.Close()
		if err != nil {
			logger.Fatalf("verify %s keys: %v", exchange, err)
		}
		logger.Infof("verified %s account: equity=%.2f available=%.2f positions=%d",
			exchange, snap.Equity, snap.AvailableBalance, len(snap.Positions))
	}

	keys, err := crypto.KeyringFromEnv()
	if err != nil {
		logger.Fatalf("load encryption keys: %v", err)
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	conn, err := gateway.SealConnection(keys, userID, getenv("CONN_NAME", string(exchange)+" main"), creds)
	if err != nil {
		logger.Fatalf("seal connection: %v", err)
	}
	if old, err := database.GetActiveConnection(ctx, userID); err == nil {
		if err := database.DeactivateConnection(ctx, old.ID, userID); err != nil {
			logger.Fatalf("deactivate previous connection %s: %v", old.ID, err)
		}
		logger.Infof("deactivated previous connection %s", old.ID)
	}
	if err := database.CreateConnection(ctx, conn); err != nil {
		logger.Fatalf("store connection: %v", err)
	}
	logger.Infof("stored %s connection %s for user %s (key v%d)", exchange, conn.ID, userID, conn.KeyVersion)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
