// Package config loads latticepay settings from the environment.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, in-memory stores if not set)
	DatabaseURL string

	// Settlement token
	SettlementToken    string
	SettlementSymbol   string
	SettlementDecimals int

	// Economics
	FeeBps   int64
	LGUPrice string // settlement units per LGU

	// Initial tank; applied only when no tank exists yet
	InitialLGUBalance string
	MinLGUReserve     string
	DailyLGULimit     string
	MaxGasPerSession  string

	// Custody accounts
	PaymasterAccount string // receives session payments
	TreasuryAccount  string // receives subscription payments

	// Monitor thresholds, absolute LGU
	MonitorInterval      time.Duration
	BalanceWarning       string
	BalanceCritical      string
	DailyUsageWarning    string
	DailyUsageCritical   string
	GatewayUsageWarning  string
	GatewayUsageCritical string

	// Security
	AdminSecret  string
	RateLimitRPS int
	CORSOrigins  string // comma separated; empty or "*" allows any origin

	SeedFile     string
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultSettlementToken    = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	DefaultSettlementSymbol   = "USDT"
	DefaultSettlementDecimals = 6
	DefaultFeeBps             = 100
	DefaultLGUPrice           = "1000000"
	DefaultPaymasterAccount   = "0x000000000000000000000000000000000000c0de"
	DefaultTreasuryAccount    = "0x0000000000000000000000000000000000007ea5"
	DefaultRateLimit          = 100
	DefaultMonitorInterval    = time.Minute
)

// Load reads configuration from environment variables. A .env file is
// loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SettlementToken:      strings.ToLower(getEnv("SETTLEMENT_TOKEN", DefaultSettlementToken)),
		SettlementSymbol:     getEnv("SETTLEMENT_SYMBOL", DefaultSettlementSymbol),
		SettlementDecimals:   int(getEnvInt64("SETTLEMENT_DECIMALS", DefaultSettlementDecimals)),
		FeeBps:               getEnvInt64("FEE_BPS", DefaultFeeBps),
		LGUPrice:             getEnv("LGU_PRICE", DefaultLGUPrice),
		InitialLGUBalance:    getEnv("INITIAL_LGU_BALANCE", "1000000"),
		MinLGUReserve:        getEnv("MIN_LGU_RESERVE", "10000"),
		DailyLGULimit:        getEnv("DAILY_LGU_LIMIT", "100000"),
		MaxGasPerSession:     getEnv("MAX_GAS_PER_SESSION", "10000"),
		PaymasterAccount:     strings.ToLower(getEnv("PAYMASTER_ACCOUNT", DefaultPaymasterAccount)),
		TreasuryAccount:      strings.ToLower(getEnv("TREASURY_ACCOUNT", DefaultTreasuryAccount)),
		MonitorInterval:      getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval),
		BalanceWarning:       getEnv("MONITOR_BALANCE_WARNING", "200000"),
		BalanceCritical:      getEnv("MONITOR_BALANCE_CRITICAL", "100000"),
		DailyUsageWarning:    getEnv("MONITOR_DAILY_WARNING", "80000"),
		DailyUsageCritical:   getEnv("MONITOR_DAILY_CRITICAL", "95000"),
		GatewayUsageWarning:  getEnv("MONITOR_GATEWAY_WARNING", "8000"),
		GatewayUsageCritical: getEnv("MONITOR_GATEWAY_CRITICAL", "9500"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:          os.Getenv("CORS_ALLOWED_ORIGINS"),
		SeedFile:             os.Getenv("SEED_FILE"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if !validation.IsValidEthAddress(c.SettlementToken) {
		return fmt.Errorf("SETTLEMENT_TOKEN must be a 0x-prefixed 20-byte address")
	}
	if c.SettlementDecimals < 0 || c.SettlementDecimals > 77 {
		return fmt.Errorf("SETTLEMENT_DECIMALS must be between 0 and 77")
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000")
	}
	if p, ok := units.ParseInt(c.LGUPrice); !ok || p.Sign() <= 0 {
		return fmt.Errorf("LGU_PRICE must be a positive integer")
	}
	for _, kv := range [][2]string{
		{"INITIAL_LGU_BALANCE", c.InitialLGUBalance},
		{"MIN_LGU_RESERVE", c.MinLGUReserve},
		{"DAILY_LGU_LIMIT", c.DailyLGULimit},
		{"MAX_GAS_PER_SESSION", c.MaxGasPerSession},
		{"MONITOR_BALANCE_WARNING", c.BalanceWarning},
		{"MONITOR_BALANCE_CRITICAL", c.BalanceCritical},
		{"MONITOR_DAILY_WARNING", c.DailyUsageWarning},
		{"MONITOR_DAILY_CRITICAL", c.DailyUsageCritical},
		{"MONITOR_GATEWAY_WARNING", c.GatewayUsageWarning},
		{"MONITOR_GATEWAY_CRITICAL", c.GatewayUsageCritical},
	} {
		if _, ok := units.ParseInt(kv[1]); !ok {
			return fmt.Errorf("%s must be a non-negative integer", kv[0])
		}
	}
	if !validation.IsValidEthAddress(c.PaymasterAccount) || !validation.IsValidEthAddress(c.TreasuryAccount) {
		return fmt.Errorf("PAYMASTER_ACCOUNT and TREASURY_ACCOUNT must be addresses")
	}
	if c.PaymasterAccount == c.TreasuryAccount {
		return fmt.Errorf("PAYMASTER_ACCOUNT and TREASURY_ACCOUNT must differ")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AllowedOrigins splits CORSOrigins.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Amount parses one of the validated integer settings.
func Amount(s string) *big.Int {
	return units.OrZero(s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
