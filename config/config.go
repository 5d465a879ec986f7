// Package config loads process configuration from the environment, with a
// .env file in the working directory read first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the affiliate engine.
type Config struct {
	// HTTP server
	Port               int
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	JWTSecret          string
	JWTTTL             time.Duration
	InternalAPIToken   string

	// Storage
	DBPath string

	// Logging
	LogLevel  string
	LogFormat string // json or console

	// Affiliate programs
	AmazonAffiliateTag    string
	FlipkartAffiliateTag  string
	DefaultCommissionRate decimal.Decimal

	// Scheduler
	SchedulerEnabled  bool
	SchedulerTimezone string
	AlertSchedule     string
	TrendingSchedule  string
	RollupSchedule    string
	ReapSchedule      string
	TrendingWindow    time.Duration
	TrendingTopN      int
	JobParallelism    int
	JobItemTimeout    time.Duration

	// Optional infrastructure
	RedisURL         string
	RabbitMQURL      string
	RabbitMQExchange string
}

// Load reads .env (if any) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := getDecimal("DEFAULT_COMMISSION_RATE", decimal.NewFromInt(5))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                  getInt("PORT", 8080),
		CORSAllowedOrigins:    getList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:    getInt("RATE_LIMIT_PER_MINUTE", 120),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		JWTTTL:                getDuration("JWT_TTL", 24*time.Hour),
		InternalAPIToken:      getEnv("INTERNAL_API_TOKEN", ""),
		DBPath:                getEnv("DB_PATH", "affiliate.db"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		AmazonAffiliateTag:    getEnv("AMAZON_AFFILIATE_TAG", ""),
		FlipkartAffiliateTag:  getEnv("FLIPKART_AFFILIATE_TAG", ""),
		DefaultCommissionRate: rate,
		SchedulerEnabled:      getBool("SCHEDULER_ENABLED", true),
		SchedulerTimezone:     getEnv("SCHEDULER_TIMEZONE", "UTC"),
		AlertSchedule:         getEnv("ALERT_SCHEDULE", "0 8 * * *"),
		TrendingSchedule:      getEnv("TRENDING_SCHEDULE", "0 2 * * 1"),
		RollupSchedule:        getEnv("ROLLUP_SCHEDULE", "0 0 1 * *"),
		ReapSchedule:          getEnv("REAP_SCHEDULE", "0 3 * * *"),
		TrendingWindow:        getDuration("TRENDING_WINDOW", 7*24*time.Hour),
		TrendingTopN:          getInt("TRENDING_TOP_N", 50),
		JobParallelism:        getInt("JOB_PARALLELISM", 4),
		JobItemTimeout:        getDuration("JOB_ITEM_TIMEOUT", 30*time.Second),
		RedisURL:              getEnv("REDIS_URL", ""),
		RabbitMQURL:           getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:      getEnv("RABBITMQ_EXCHANGE", "pricewise.alerts"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if _, err := time.LoadLocation(c.SchedulerTimezone); err != nil {
		return fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
	}
	if !c.DefaultCommissionRate.IsPositive() || c.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("DEFAULT_COMMISSION_RATE must be in (0, 100], got %s", c.DefaultCommissionRate)
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}
	if c.JobParallelism < 1 {
		return fmt.Errorf("JOB_PARALLELISM must be at least 1")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Location returns the scheduler time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
