package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/adhocore/gronx"
)

const (
	StoreBackendPebble   = "pebble"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	RateLimitLocal = "local"
	RateLimitRedis = "redis"
	RateLimitNone  = "none"

	SinkLog      = "log"
	SinkRabbitMQ = "rabbitmq"
	SinkNATS     = "nats"
)

type Config struct {
	APIPort   int    `env:"API_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	MaxConcurrent           int           `env:"MAX_CONCURRENT,default=3"`
	MaxAttempts             int           `env:"MAX_ATTEMPTS,default=3"`
	RetryBaseDelay          time.Duration `env:"RETRY_BASE_DELAY,default=5s"`
	RetryMaxDelay           time.Duration `env:"RETRY_MAX_DELAY,default=5m"`
	TickInterval            time.Duration `env:"TICK_INTERVAL,default=10s"`
	ExecutorTimeout         time.Duration `env:"EXECUTOR_TIMEOUT,default=2m"`
	Retention               time.Duration `env:"RETENTION,default=24h"`
	RetentionCron           string        `env:"RETENTION_CRON,default=*/5 * * * *"`
	EstimatedSecondsPerItem int           `env:"ESTIMATED_SECONDS_PER_ITEM,default=15"`

	StoreBackend string `env:"STORE_BACKEND,default=pebble"`
	PebblePath   string `env:"PEBBLE_PATH,default=./data/pebble"`
	RedisURL     string `env:"REDIS_URL"`
	DatabaseDSN  string `env:"DATABASE_DSN"`
	BlobPath     string `env:"BLOB_PATH,default=./data/blobs"`

	ExtractorURL string `env:"EXTRACTOR_URL,required=true"`

	RateLimitBackend string  `env:"RATE_LIMIT_BACKEND,default=local"`
	RateLimitPerSec  float64 `env:"RATE_LIMIT_PER_SEC,default=5"`

	BreakerEnabled      bool          `env:"BREAKER_ENABLED,default=true"`
	BreakerMinRequests  int           `env:"BREAKER_MIN_REQUESTS,default=5"`
	BreakerFailureRatio float64       `env:"BREAKER_FAILURE_RATIO,default=0.6"`
	BreakerOpenTimeout  time.Duration `env:"BREAKER_OPEN_TIMEOUT,default=30s"`

	// NotifySinks is '+' separated, e.g. "log+rabbitmq".
	NotifySinks string `env:"NOTIFY_SINKS,default=log"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT,default=docbatch.batch.completed"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.RateLimitBackend = strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sinks returns the configured notification sinks, lowercased and deduplicated.
func (c *Config) Sinks() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(c.NotifySinks, "+") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ExtractorURL) == "" {
		return fmt.Errorf("EXTRACTOR_URL is required")
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	for name, d := range map[string]time.Duration{
		"RETRY_BASE_DELAY": c.RetryBaseDelay,
		"RETRY_MAX_DELAY":  c.RetryMaxDelay,
		"TICK_INTERVAL":    c.TickInterval,
		"EXECUTOR_TIMEOUT": c.ExecutorTimeout,
		"RETENTION":        c.Retention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must be >= RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if !gronx.New().IsValid(c.RetentionCron) {
		return fmt.Errorf("invalid RETENTION_CRON %q", c.RetentionCron)
	}

	switch c.StoreBackend {
	case StoreBackendPebble:
		if strings.TrimSpace(c.PebblePath) == "" {
			return fmt.Errorf("PEBBLE_PATH is required for the pebble store")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	case StoreBackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres store")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.RateLimitBackend {
	case RateLimitLocal, RateLimitNone:
	case RateLimitRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis rate limiter")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	for _, sink := range c.Sinks() {
		switch sink {
		case SinkLog:
		case SinkRabbitMQ:
			if strings.TrimSpace(c.RabbitMQURL) == "" {
				return fmt.Errorf("RABBITMQ_URL is required for the rabbitmq sink")
			}
		case SinkNATS:
			if strings.TrimSpace(c.NATSURL) == "" {
				return fmt.Errorf("NATS_URL is required for the nats sink")
			}
		default:
			return fmt.Errorf("unknown notification sink %q", sink)
		}
	}

	return nil
}
