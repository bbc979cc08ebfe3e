package cards

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is a configuration for the cards application
type Config struct {
	HTTPAddr string

	// RepoBackend is "pg" (default) or "mem"; mem is refused unless
	// AllowMemBackend is set.
	RepoBackend     string
	AllowMemBackend bool
	// DBDriver selects the database/sql driver: "postgres" (lib/pq) or "pgx".
	DBDriver  string
	DBDSN     string
	DBMigrate bool

	// PANMasterKey is 32 bytes, hex or base64 encoded.
	PANMasterKey string
	JWTSecret    string
	// ExpiryTZ is an IANA timezone name that defines "today" for expiry checks.
	ExpiryTZ string

	LockWait         time.Duration
	LockTTL          time.Duration
	TransferAttempts int
	RetryBackoff     time.Duration

	// RedisAddr switches card locks to RedLock when set.
	RedisAddr string

	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	LogLevel string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:         "localhost:8080",
		RepoBackend:      "pg",
		DBDriver:         "postgres",
		ExpiryTZ:         "UTC",
		LockWait:         2 * time.Second,
		LockTTL:          10 * time.Second,
		TransferAttempts: 3,
		RetryBackoff:     50 * time.Millisecond,
		AMQPExchange:     "cards.events",
		AMQPRoutingKey:   "transfer.completed",
		LogLevel:         "info",
	}
}

// LoadConfig overlays environment variables on DefaultConfig.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RepoBackend = getenv("REPO_BACKEND", cfg.RepoBackend)
	cfg.DBDriver = getenv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getenv("DB_DSN", cfg.DBDSN)
	cfg.PANMasterKey = getenv("PAN_MASTER_KEY", "")
	cfg.JWTSecret = getenv("JWT_SECRET", "")
	cfg.ExpiryTZ = getenv("EXPIRY_TZ", cfg.ExpiryTZ)
	cfg.RedisAddr = getenv("REDIS_ADDR", "")
	cfg.AMQPURL = getenv("AMQP_URL", "")
	cfg.AMQPExchange = getenv("AMQP_EXCHANGE", cfg.AMQPExchange)
	cfg.AMQPRoutingKey = getenv("AMQP_ROUTING_KEY", cfg.AMQPRoutingKey)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.AllowMemBackend, err = getenvBool("ALLOW_MEM_BACKEND_FOR_TESTS", false); err != nil {
		return nil, err
	}
	if cfg.DBMigrate, err = getenvBool("DB_MIGRATE", false); err != nil {
		return nil, err
	}
	if cfg.LockWait, err = getenvDuration("LOCK_WAIT", cfg.LockWait); err != nil {
		return nil, err
	}
	if cfg.LockWait <= 0 {
		return nil, fmt.Errorf("LOCK_WAIT must be positive")
	}
	if cfg.LockTTL, err = getenvDuration("LOCK_TTL", cfg.LockTTL); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = getenvDuration("RETRY_BACKOFF", cfg.RetryBackoff); err != nil {
		return nil, err
	}
	if cfg.TransferAttempts, err = getenvInt("TRANSFER_ATTEMPTS", cfg.TransferAttempts); err != nil {
		return nil, err
	}
	if cfg.TransferAttempts < 1 {
		return nil, fmt.Errorf("TRANSFER_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
