package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Logging
	LogLevel string
	LogJSON  bool

	// Database
	DBPath string

	// Counter store
	CounterBackend string // "redis" (default) or "memory"
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Strategy collaborator
	StrategyTransport  string // "http" (default) or "grpc"
	StrategyServiceURL string
	StrategyGRPCAddr   string
	StrategyTimeout    time.Duration
	StrategyConfigPath string
	DefaultSymbols     []string

	// Exchanges
	ExchangeProxyURL string
	BinanceTestnet   bool
	OKXSimulated     bool

	// Streams
	StreamReconnectDelay   time.Duration
	ListenKeyRenewInterval time.Duration

	// Account sync
	PositionStaleness time.Duration
	SyncInterval      time.Duration
	AdapterIdleTTL    time.Duration

	// Trading policy
	DefaultLeverage       float64
	DualDirectionLeverage float64
	DefaultAddMargin      float64
	OpenCooldown          time.Duration
	ProfitMilestonePct    float64

	// Risk gate
	RiskEnabled       bool
	RiskMinConfidence float64
	RiskMaxPosition   float64
	RiskMinRewardRisk float64

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogJSON:                getEnv("LOG_JSON", "false") == "true",
		DBPath:                 getEnv("DB_PATH", "./data/quant.db"),
		CounterBackend:         strings.ToLower(getEnv("COUNTER_BACKEND", "redis")),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		StrategyTransport:      strings.ToLower(getEnv("STRATEGY_TRANSPORT", "http")),
		StrategyServiceURL:     getEnv("STRATEGY_SERVICE_URL", "http://localhost:8000"),
		StrategyGRPCAddr:       getEnv("STRATEGY_GRPC_ADDR", "localhost:50051"),
		StrategyTimeout:        getEnvDuration("STRATEGY_TIMEOUT", 5*time.Second),
		StrategyConfigPath:     getEnv("STRATEGY_CONFIG_PATH", "./config/strategies.yaml"),
		DefaultSymbols:         splitAndTrim(getEnv("DEFAULT_SYMBOLS", "BTCUSDT")),
		ExchangeProxyURL:       os.Getenv("EXCHANGE_PROXY_URL"),
		BinanceTestnet:         getEnv("BINANCE_TESTNET", "false") == "true",
		OKXSimulated:           getEnv("OKX_SIMULATED", "false") == "true",
		StreamReconnectDelay:   getEnvDuration("STREAM_RECONNECT_DELAY", 5*time.Second),
		ListenKeyRenewInterval: getEnvDuration("LISTEN_KEY_RENEW_INTERVAL", 30*time.Minute),
		PositionStaleness:      getEnvDuration("POSITION_STALENESS", 2*time.Second),
		SyncInterval:           getEnvDuration("SYNC_INTERVAL", 3*time.Second),
		AdapterIdleTTL:         getEnvDuration("ADAPTER_IDLE_TTL", 2*time.Hour),
		DefaultLeverage:        getEnvFloat("DEFAULT_LEVERAGE", 1),
		DualDirectionLeverage:  getEnvFloat("DUAL_DIRECTION_LEVERAGE", 50),
		DefaultAddMargin:       getEnvFloat("DEFAULT_ADD_MARGIN", 0.5),
		OpenCooldown:           getEnvDuration("OPEN_COOLDOWN", 30*time.Second),
		ProfitMilestonePct:     getEnvFloat("PROFIT_MILESTONE_PCT", 50),
		RiskEnabled:            getEnv("RISK_ENABLED", "false") == "true",
		RiskMinConfidence:      getEnvFloat("RISK_MIN_CONFIDENCE", 0.6),
		RiskMaxPosition:        getEnvFloat("RISK_MAX_POSITION", 0.3),
		RiskMinRewardRisk:      getEnvFloat("RISK_MIN_REWARD_RISK", 1.5),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("5s") or plain milliseconds ("5000").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
