// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/brokerage/portfolio-engine/internal/repository"
)

// Config is the full engine configuration.
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkerID int64

	// Wallet
	Currency     string
	StartingCash float64

	// Engine-level absolute gates
	MaxOrderValue            float64
	MaxPositionConcentration float64

	// Analytics
	BenchmarkSymbol string
	RiskFreeRate    float64
	LookbackDays    int

	// Price oracle
	MarketDataURL string
	QuoteTTL      time.Duration
	HistoryTTL    time.Duration

	// Monitor
	OrderCycleInterval time.Duration
	AlertScanInterval  time.Duration
	MonitorBatchSize   int

	// Per-user risk parameter defaults, used until a user stores overrides.
	RiskDefaults repository.RiskParameters
}

// Load reads the configuration, applying defaults for anything unset.
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "portfolio-engine"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8090),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "portfolio"),
		DBPassword: getEnv("DB_PASSWORD", "portfolio123"),
		DBName:     getEnv("DB_NAME", "portfolio"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WorkerID: int64(getEnvInt("WORKER_ID", 1)),

		Currency:     getEnv("WALLET_CURRENCY", "USD"),
		StartingCash: getEnvFloat("WALLET_STARTING_CASH", 10000),

		MaxOrderValue:            getEnvFloat("MAX_ORDER_VALUE", 1000000),
		MaxPositionConcentration: getEnvFloat("MAX_POSITION_CONCENTRATION", 0.25),

		BenchmarkSymbol: getEnv("BENCHMARK_SYMBOL", "SPY"),
		RiskFreeRate:    getEnvFloat("RISK_FREE_RATE", 0.04),
		LookbackDays:    getEnvInt("LOOKBACK_DAYS", 90),

		MarketDataURL: getEnv("MARKET_DATA_URL", "http://localhost:8091"),
		QuoteTTL:      getEnvDuration("QUOTE_TTL", 15*time.Second),
		HistoryTTL:    getEnvDuration("HISTORY_TTL", 30*time.Minute),

		OrderCycleInterval: getEnvDuration("ORDER_CYCLE_INTERVAL", 30*time.Second),
		AlertScanInterval:  getEnvDuration("ALERT_SCAN_INTERVAL", 5*time.Minute),
		MonitorBatchSize:   getEnvInt("MONITOR_BATCH_SIZE", 1000),

		RiskDefaults: repository.RiskParameters{
			MaxPositionSizePct:        getEnvFloat("RISK_MAX_POSITION_SIZE_PCT", 0.20),
			MaxDailyLossPct:           getEnvFloat("RISK_MAX_DAILY_LOSS_PCT", 0.03),
			StopLossPct:               getEnvFloat("RISK_STOP_LOSS_PCT", 0.10),
			TakeProfitPct:             getEnvFloat("RISK_TAKE_PROFIT_PCT", 0.20),
			MaxCorrelation:            getEnvFloat("RISK_MAX_CORRELATION", 0.70),
			MaxSectorConcentrationPct: getEnvFloat("RISK_MAX_SECTOR_CONCENTRATION_PCT", 0.50),
			VolatilityThresholdPct:    getEnvFloat("RISK_VOLATILITY_THRESHOLD_PCT", 0.40),
		},
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
