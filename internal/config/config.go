// Package config loads server settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr       string        `yaml:"http_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	StoreBackend   string        `yaml:"store_backend"`
	RedisAddr      string        `yaml:"redis_addr"`
	MySQLDSN       string        `yaml:"mysql_dsn"`
	KafkaBrokers   []string      `yaml:"kafka_brokers"`
	KafkaTopic     string        `yaml:"kafka_topic"`
	LogLevel       string        `yaml:"log_level"`
	TxMaxAttempts  int           `yaml:"tx_max_attempts"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
	OTelEndpoint   string        `yaml:"otel_endpoint"`
	SalesTimezone  string        `yaml:"sales_timezone"`
	SeedStock      map[int64]int `yaml:"seed_stock"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":50051",
		StoreBackend:   BackendRedis,
		RedisAddr:      "localhost:6379",
		MySQLDSN:       "root:root@tcp(localhost:3306)/pos?parseTime=true",
		KafkaTopic:     "orders.placed",
		LogLevel:       "info",
		TxMaxAttempts:  10,
		PollInterval:   time.Second,
		SessionIdleTTL: 30 * time.Minute,
		SalesTimezone:  "UTC",
		SeedStock:      map[int64]int{
			1: 50,
			2: 40,
			3: 30,
			4: 45,
			5: 35,
		},
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE if set, then
// environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.GRPCAddr, "GRPC_ADDR")
	setString(&c.StoreBackend, "STORE_BACKEND")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.MySQLDSN, "MYSQL_DSN")
	setString(&c.KafkaTopic, "KAFKA_TOPIC")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.OTelEndpoint, "OTEL_ENDPOINT")
	setString(&c.SalesTimezone, "SALES_TIMEZONE")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("TX_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TX_MAX_ATTEMPTS: %w", err)
		}
		c.TxMaxAttempts = n
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		c.PollInterval = d
	}
	if v := os.Getenv("SESSION_IDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_IDLE_TTL: %w", err)
		}
		c.SessionIdleTTL = d
	}
	if v := os.Getenv("SEED_STOCK"); v != "" {
		seed, err := ParseSeed(v)
		if err != nil {
			return fmt.Errorf("SEED_STOCK: %w", err)
		}
		c.SeedStock = seed
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendRedis, BackendMySQL, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("tx max attempts must be at least 1, got %d", c.TxMaxAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("session idle ttl must be positive, got %s", c.SessionIdleTTL)
	}
	for id, q := range c.SeedStock {
		if q < 0 {
			return fmt.Errorf("seed stock for product %d is negative", id)
		}
	}
	if _, err := time.LoadLocation(c.SalesTimezone); err != nil {
		return fmt.Errorf("sales timezone: %w", err)
	}
	return nil
}

// Location returns the time zone used to bucket daily sales.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SalesTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseSeed reads "id:qty" pairs separated by commas, e.g. "1:50,2:40".
func ParseSeed(s string) (map[int64]int, error) {
	seed := make(map[int64]int)
	for _, pair := range splitList(s) {
		id, qty, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		pid, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("product id %q: %w", id, err)
		}
		q, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", qty, err)
		}
		seed[pid] = q
	}
	return seed, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
