package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-listener/internal/broker"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Logging     LoggingConfig                `mapstructure:"logging"`
	Connections map[string]broker.Descriptor `mapstructure:"connections"`
	Redis       RedisConfig                  `mapstructure:"redis"`
	Throttle    ThrottleConfig               `mapstructure:"throttle"`
	Reconnect   ReconnectConfig              `mapstructure:"reconnect"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// RedisConfig backs the dedupe middleware; an empty Addr keeps it in memory.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type ThrottleConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// Load reads .env, then the environment, then the optional config file at
// path. File values override environment values; connections declared in
// the environment are added when the file does not name them.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	cfg := &Config{
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Connections: make(map[string]broker.Descriptor),
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			DedupeTTL: getEnvDuration("DEDUPE_TTL", time.Hour),
		},
		Throttle: ThrottleConfig{
			Rate:  getEnvFloat("THROTTLE_RATE", 10),
			Burst: getEnvInt("THROTTLE_BURST", 1),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			BaseBackoff: getEnvDuration("RECONNECT_BASE_BACKOFF", time.Second),
			MaxBackoff:  getEnvDuration("RECONNECT_MAX_BACKOFF", 30*time.Second),
		},
	}

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config failed: %w", err)
		}
		if cfg.Connections == nil {
			cfg.Connections = make(map[string]broker.Descriptor)
		}
	}

	for name, d := range connectionsFromEnv(os.Environ()) {
		if _, ok := cfg.Connections[name]; !ok {
			cfg.Connections[name] = d
		}
	}

	return cfg, nil
}

// ConnectionNames lists configured connections in order.
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// connectionsFromEnv reads RABBIT_<NAME>_HOST/PORT/VHOST/USER/PASSWORD for
// every <NAME> that has a host, and KAFKA_BROKERS as the "kafka" connection.
func connectionsFromEnv(environ []string) map[string]broker.Descriptor {
	out := make(map[string]broker.Descriptor)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		name, ok := strings.CutPrefix(key, "RABBIT_")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, "_HOST")
		if !ok || name == "" {
			continue
		}

		prefix := "RABBIT_" + name + "_"
		out[strings.ToLower(name)] = broker.Descriptor{
			Kind:     broker.KindRabbitMQ,
			Host:     value,
			Port:     getEnvInt(prefix+"PORT", 5672),
			VHost:    getEnv(prefix+"VHOST", "/"),
			User:     getEnv(prefix+"USER", "guest"),
			Password: getEnv(prefix+"PASSWORD", "guest"),
		}
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		out["kafka"] = broker.Descriptor{
			Kind:    broker.KindKafka,
			Brokers: parseBrokers(brokers),
			GroupID: getEnv("KAFKA_CONSUMER_GROUP_ID", "go-listener"),
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, addr := range parts {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
