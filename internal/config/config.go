package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the SiteScore server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Crawl    CrawlConfig
	Queue    QueueConfig
	Cache    CacheConfig
	Monitor  MonitorConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type CrawlConfig struct {
	Timeout     time.Duration
	UserAgent   string
	MaxBodySize int64
}

// QueueConfig tunes the job queues. Concurrency is the shared default;
// LaneConcurrency overrides it per queue (QUEUE_CRAWL_CONCURRENCY and
// friends). The server runs the crawl, analysis, notification, and cleanup
// lanes; the audit and report lane names exist for callers that enqueue
// whole-pipeline or rendering work directly, which the HTTP server does not
// do — its pipeline enters at crawl.
type QueueConfig struct {
	Concurrency     int
	LaneConcurrency map[string]int
	MaxAttempts     int
	JobTimeout      time.Duration
	StalledInterval time.Duration
	Retention       time.Duration
}

// ConcurrencyFor returns the worker count for the named lane, falling back
// to the shared default when no override is set.
func (q QueueConfig) ConcurrencyFor(lane string) int {
	if n, ok := q.LaneConcurrency[lane]; ok && n > 0 {
		return n
	}
	return q.Concurrency
}

// CacheConfig overrides individual TTL tiers. Zero means the built-in
// default for that tier.
type CacheConfig struct {
	ShortTTL  time.Duration
	MediumTTL time.Duration
	LongTTL   time.Duration
}

type MonitorConfig struct {
	Interval time.Duration

	QueueDepthWarning    float64
	QueueDepthCritical   float64
	FailureRateWarning   float64
	FailureRateCritical  float64
	CacheHitRateWarning  float64
	CacheHitRateCritical float64
}

type WebhookConfig struct {
	MaxAttempts int
	Timeout     time.Duration
}

var validEnvs = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SITESCORE_PORT", 8080),
			Env:  envString("SITESCORE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Crawl: CrawlConfig{
			Timeout:     envDuration("CRAWL_TIMEOUT", 30*time.Second),
			UserAgent:   envString("CRAWL_USER_AGENT", ""),
			MaxBodySize: int64(envInt("CRAWL_MAX_BODY_BYTES", 5<<20)),
		},
		Queue: QueueConfig{
			Concurrency: envInt("QUEUE_CONCURRENCY", 4),
			LaneConcurrency: map[string]int{
				"crawl":        envInt("QUEUE_CRAWL_CONCURRENCY", 0),
				"analysis":     envInt("QUEUE_ANALYSIS_CONCURRENCY", 0),
				"notification": envInt("QUEUE_NOTIFICATION_CONCURRENCY", 0),
				"cleanup":      envInt("QUEUE_CLEANUP_CONCURRENCY", 1),
			},
			MaxAttempts:     envInt("QUEUE_MAX_ATTEMPTS", 3),
			JobTimeout:      envDuration("QUEUE_JOB_TIMEOUT", 5*time.Minute),
			StalledInterval: envDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
			Retention:       envDuration("QUEUE_RETENTION", time.Hour),
		},
		Cache: CacheConfig{
			ShortTTL:  envDuration("CACHE_TTL_SHORT", 0),
			MediumTTL: envDuration("CACHE_TTL_MEDIUM", 0),
			LongTTL:   envDuration("CACHE_TTL_LONG", 0),
		},
		Monitor: MonitorConfig{
			Interval:             envDuration("MONITOR_INTERVAL", 30*time.Second),
			QueueDepthWarning:    envFloat("MONITOR_QUEUE_DEPTH_WARNING", 100),
			QueueDepthCritical:   envFloat("MONITOR_QUEUE_DEPTH_CRITICAL", 500),
			FailureRateWarning:   envFloat("MONITOR_FAILURE_RATE_WARNING", 0.1),
			FailureRateCritical:  envFloat("MONITOR_FAILURE_RATE_CRITICAL", 0.25),
			CacheHitRateWarning:  envFloat("MONITOR_CACHE_HIT_RATE_WARNING", 0.5),
			CacheHitRateCritical: envFloat("MONITOR_CACHE_HIT_RATE_CRITICAL", 0.2),
		},
		Webhook: WebhookConfig{
			MaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			Timeout:     envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SITESCORE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !validEnvs[c.Server.Env] {
		return fmt.Errorf("SITESCORE_ENV must be one of development, staging, production; got %q", c.Server.Env)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	for lane, n := range c.Queue.LaneConcurrency {
		if n < 0 {
			return fmt.Errorf("QUEUE_%s_CONCURRENCY must not be negative, got %d", strings.ToUpper(lane), n)
		}
	}

	if c.Monitor.QueueDepthCritical < c.Monitor.QueueDepthWarning {
		return fmt.Errorf("MONITOR_QUEUE_DEPTH_CRITICAL (%.0f) must not be below the warning threshold (%.0f)",
			c.Monitor.QueueDepthCritical, c.Monitor.QueueDepthWarning)
	}
	if c.Monitor.CacheHitRateCritical > c.Monitor.CacheHitRateWarning {
		return fmt.Errorf("MONITOR_CACHE_HIT_RATE_CRITICAL (%.2f) must not exceed the warning threshold (%.2f)",
			c.Monitor.CacheHitRateCritical, c.Monitor.CacheHitRateWarning)
	}

	if c.Crawl.UserAgent != "" && strings.ContainsAny(c.Crawl.UserAgent, "\r\n") {
		return fmt.Errorf("CRAWL_USER_AGENT must not contain newlines")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
