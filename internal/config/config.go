// Package config 配置
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config 服务配置
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

	// 执行任务队列
	QueueName     string
	PollTimeout   time.Duration
	MaxRetries    int
	StaleClaimAge time.Duration
	ReapInterval  time.Duration

	// 幂等
	IdempotencyTTL time.Duration

	// 执行节点，PLATFORM=URL 逗号分隔
	NodeURLs    map[string]string
	NodeTimeout time.Duration

	// 挂单对账
	ReconcileInterval time.Duration

	// 风控
	Risk RiskConfig

	// Tracing
	TracingEnabled  bool
	TracingEndpoint string
	TracingSample   float64

	WorkerID int64
}

// RiskConfig 风控阈值配置
type RiskConfig struct {
	MinBalance         decimal.Decimal
	MaxOpenPositions   int
	MaxNotional        decimal.Decimal
	MaxDailyTrades     int
	MaxWeeklyTrades    int
	MaxDailyLoss       decimal.Decimal
	MaxConsecutiveLoss int
	CooldownAfterLoss  time.Duration
	TradeCooldown      time.Duration
	SymbolWhitelist    []string
	SymbolBlacklist    []string
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "ironbull-dispatcher"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8091),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5436),
		DBUser:     getEnv("DB_USER", "ironbull"),
		DBPassword: getEnv("DB_PASSWORD", "ironbull123"),
		DBName:     getEnv("DB_NAME", "ironbull"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		QueueName:     getEnv("QUEUE_NAME", "execution"),
		PollTimeout:   getEnvDuration("QUEUE_POLL_TIMEOUT", 5*time.Second),
		MaxRetries:    getEnvInt("QUEUE_MAX_RETRIES", 3),
		StaleClaimAge: getEnvDuration("QUEUE_STALE_CLAIM_AGE", 5*time.Minute),
		ReapInterval:  getEnvDuration("QUEUE_REAP_INTERVAL", time.Minute),

		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 7*24*time.Hour),

		NodeURLs:    parseNodeURLs(getEnv("NODE_URLS", "BINANCE=http://localhost:8095")),
		NodeTimeout: getEnvDuration("NODE_TIMEOUT", 30*time.Second),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),

		Risk: RiskConfig{
			MinBalance:         getEnvDecimal("RISK_MIN_BALANCE", decimal.RequireFromString("100")),
			MaxOpenPositions:   getEnvInt("RISK_MAX_OPEN_POSITIONS", 5),
			MaxNotional:        getEnvDecimal("RISK_MAX_NOTIONAL", decimal.RequireFromString("10000")),
			MaxDailyTrades:     getEnvInt("RISK_MAX_DAILY_TRADES", 10),
			MaxWeeklyTrades:    getEnvInt("RISK_MAX_WEEKLY_TRADES", 40),
			MaxDailyLoss:       getEnvDecimal("RISK_MAX_DAILY_LOSS", decimal.RequireFromString("500")),
			MaxConsecutiveLoss: getEnvInt("RISK_MAX_CONSECUTIVE_LOSSES", 3),
			CooldownAfterLoss:  getEnvDuration("RISK_LOSS_COOLDOWN", 4*time.Hour),
			TradeCooldown:      getEnvDuration("RISK_TRADE_COOLDOWN", time.Minute),
			SymbolWhitelist:    splitList(getEnv("RISK_SYMBOL_WHITELIST", "")),
			SymbolBlacklist:    splitList(getEnv("RISK_SYMBOL_BLACKLIST", "")),
		},

		TracingEnabled:  getEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSample:   getEnvFloat("TRACING_SAMPLE_RATE", 1.0),

		WorkerID: int64(getEnvInt("WORKER_ID", 1)),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// parseNodeURLs 解析 PLATFORM=URL,PLATFORM=URL
func parseNodeURLs(raw string) map[string]string {
	urls := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		urls[strings.ToUpper(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return urls
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, strings.ToUpper(item))
		}
	}
	return items
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if value == "true" || value == "1" || value == "TRUE" {
			return true
		}
		if value == "false" || value == "0" || value == "FALSE" {
			return false
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if v, err := decimal.NewFromString(value); err == nil && v.IsPositive() {
			return v
		}
	}
	return defaultValue
}
