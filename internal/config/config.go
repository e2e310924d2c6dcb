// Package config provides configuration management for the jmined mining
// daemon. It handles loading configuration from environment variables with
// sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/junocash/jmined/internal/randomx"
)

// Config holds the global configuration for the jmined daemon
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Mining
	MiningEnabled    bool
	PoolURL          string
	PayoutAddress    string
	Workers          int
	HashMode         string
	PollInterval     time.Duration
	StaleTimeout     time.Duration
	HashrateInterval time.Duration

	// Juno Cash node connection
	ChainRPCHost     string
	ChainRPCPort     int
	ChainRPCUser     string
	ChainRPCPassword string
	ChainZMQAddr     string

	// Miner RPC server
	RPCListenAddr string

	// Kafka event stream (optional)
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaGroupID string

	// Storage backends (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresEnabled  bool
	PostgresHost     string
	PostgresPort     int
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	InfluxEnabled bool
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// P2Pool sidecar (optional, spawned when a binary path is set)
	P2PoolBinaryPath  string
	P2PoolLogPath     string
	P2PoolStratumAddr string
	P2PoolLightMode   bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "jmined"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Mining defaults
		MiningEnabled:    getEnvBool("MINING_ENABLED", false),
		PoolURL:          getEnv("POOL_URL", "http://127.0.0.1:37890"),
		PayoutAddress:    getEnv("PAYOUT_ADDRESS", ""),
		Workers:          getEnvInt("MINING_WORKERS", 2),
		HashMode:         getEnv("HASH_MODE", "fast"),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 2*time.Second),
		StaleTimeout:     getEnvDuration("STALE_TIMEOUT", 30*time.Second),
		HashrateInterval: getEnvDuration("HASHRATE_INTERVAL", 60*time.Second),

		// Node defaults
		ChainRPCHost:     getEnv("CHAIN_RPC_HOST", "localhost"),
		ChainRPCPort:     getEnvInt("CHAIN_RPC_PORT", 8232),
		ChainRPCUser:     getEnv("CHAIN_RPC_USER", ""),
		ChainRPCPassword: getEnv("CHAIN_RPC_PASSWORD", ""),
		ChainZMQAddr:     getEnv("CHAIN_ZMQ_ADDR", "tcp://localhost:28232"),

		// RPC server defaults
		RPCListenAddr: getEnv("RPC_LISTEN_ADDR", ":8233"),

		// Kafka defaults
		KafkaEnabled: getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "jmined"),

		// Storage defaults
		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresEnabled:  getEnvBool("POSTGRES_ENABLED", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "jmined"),
		PostgresUser:     getEnv("POSTGRES_USER", "jmined"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		InfluxEnabled: getEnvBool("INFLUX_ENABLED", false),
		InfluxURL:     getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "jmined"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "mining"),

		// P2Pool sidecar defaults
		P2PoolBinaryPath:  getEnv("P2POOL_BINARY", ""),
		P2PoolLogPath:     getEnv("P2POOL_LOG", "p2pool.log"),
		P2PoolStratumAddr: getEnv("P2POOL_STRATUM_ADDR", "0.0.0.0:37889"),
		P2PoolLightMode:   getEnvBool("P2POOL_LIGHT_MODE", false),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ChainRPCPort <= 0 || c.ChainRPCPort > 65535 {
		return fmt.Errorf("CHAIN_RPC_PORT must be between 1 and 65535")
	}

	if c.Workers < 1 {
		return fmt.Errorf("MINING_WORKERS must be at least 1")
	}

	if _, err := randomx.ParseMode(c.HashMode); err != nil {
		return fmt.Errorf("HASH_MODE must be fast or light, got %q", c.HashMode)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.StaleTimeout < c.PollInterval {
		return fmt.Errorf("STALE_TIMEOUT must be at least POLL_INTERVAL")
	}

	if c.MiningEnabled {
		if c.PoolURL == "" {
			return fmt.Errorf("POOL_URL is required when mining is enabled")
		}
		if c.PayoutAddress == "" {
			return fmt.Errorf("PAYOUT_ADDRESS is required when mining is enabled")
		}
		if _, _, err := base58.CheckDecode(c.PayoutAddress); err != nil {
			return fmt.Errorf("PAYOUT_ADDRESS is not a valid base58check address: %w", err)
		}
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
