package config

import (
	"os"
	"strconv"
)

// RedisConfig holds connection settings for the Redis store and event relay.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`         // default "localhost:6379"
	Password string `json:"password" yaml:"password"` // default ""
	DB       int    `json:"db" yaml:"db"`             // default 0
	Prefix   string `json:"prefix" yaml:"prefix"`     // key and channel prefix, default "chatsync:"
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "chatsync:",
	}
}

// ConfigFromEnv applies CHATSYNC_* and REDIS_* environment variables
// over the defaults. Unparseable numbers keep the default.
func ConfigFromEnv() *ClientConfig {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overrides cfg fields from the environment.
func ApplyEnv(cfg *ClientConfig) {
	if v := os.Getenv("CHATSYNC_SOCKET_URL"); v != "" {
		cfg.SocketURL = v
	}
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_STORAGE"); v != "" {
		cfg.Storage = v
	}
	envInt("CHATSYNC_RECONNECT_INTERVAL", &cfg.ReConnectInterval)
	envInt("CHATSYNC_RECONNECT_TOTAL", &cfg.ReConnectTotal)
	envInt("CHATSYNC_HEART_INTERVAL", &cfg.HeartInterval)
	envInt("CHATSYNC_CACHE_LIMIT", &cfg.CacheLimit)
	envInt("CHATSYNC_LOG_LEVEL", &cfg.LogLevel)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	envInt("REDIS_DB", &cfg.Redis.DB)
	if prefix := os.Getenv("REDIS_CHATSYNC_PREFIX"); prefix != "" {
		cfg.Redis.Prefix = prefix
	}
}

func envInt(key string, dst *int) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if n, err := strconv.Atoi(s); err == nil {
		*dst = n
	}
}
