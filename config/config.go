package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// ClientConfig holds SDK client configuration. Durations are in
// milliseconds to match the options the backend documents.
type ClientConfig struct {
	SocketURL            string      `json:"socketURL" yaml:"socketURL"`
	BaseURL              string      `json:"baseURL" yaml:"baseURL"`
	ReConnectInterval    int         `json:"reConnectInterval" yaml:"reConnectInterval"`
	ReConnectTotal       int         `json:"reConnectTotal" yaml:"reConnectTotal"` // 0 = unbounded
	HeartInterval        int         `json:"heartInterval" yaml:"heartInterval"`
	HandshakeMargin      int         `json:"handshakeMargin" yaml:"handshakeMargin"`
	RequestTimeout       int         `json:"requestTimeout" yaml:"requestTimeout"`
	CacheLimit           int         `json:"cacheLimit" yaml:"cacheLimit"`
	ConversationPageSize int         `json:"conversationPageSize" yaml:"conversationPageSize"`
	LogLevel             int         `json:"logLevel" yaml:"logLevel"`
	Storage              string      `json:"storage" yaml:"storage"`
	Codes                FrameCodes  `json:"codes" yaml:"codes"`
	Redis                RedisConfig `json:"redis" yaml:"redis"`
}

// FrameCodes are the status codes the backend embeds in socket frames.
// The values are a backend contract, so every one is configurable.
type FrameCodes struct {
	LoginSuccess int `json:"loginSuccess" yaml:"loginSuccess"`
	Message      int `json:"message" yaml:"message"`
	Conversation int `json:"conversation" yaml:"conversation"`
	ReadReceipt  int `json:"readReceipt" yaml:"readReceipt"`
	Revoke       int `json:"revoke" yaml:"revoke"`
	Delete       int `json:"delete" yaml:"delete"`
	KickedOut    int `json:"kickedOut" yaml:"kickedOut"`
}

// DefaultCodes returns the codes used by the reference backend.
func DefaultCodes() FrameCodes {
	return FrameCodes{
		LoginSuccess: 201,
		Message:      200,
		Conversation: 203,
		ReadReceipt:  205,
		Revoke:       206,
		Delete:       207,
		KickedOut:    109,
	}
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		SocketURL:            "ws://localhost:8080/ws",
		BaseURL:              "http://localhost:8080",
		ReConnectInterval:    3000,
		ReConnectTotal:       15,
		HeartInterval:        30000,
		HandshakeMargin:      1000,
		RequestTimeout:       10000,
		CacheLimit:           20,
		ConversationPageSize: 1000,
		LogLevel:             0,
		Storage:              StorageMemory,
		Codes:                DefaultCodes(),
		Redis:                *DefaultRedisConfig(),
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c *ClientConfig) Validate() error {
	switch {
	case c.SocketURL == "":
		return fmt.Errorf("socketURL is required")
	case c.ReConnectInterval <= 0:
		return fmt.Errorf("reConnectInterval must be positive, got %d", c.ReConnectInterval)
	case c.ReConnectTotal < 0:
		return fmt.Errorf("reConnectTotal must not be negative, got %d", c.ReConnectTotal)
	case c.HeartInterval <= 0:
		return fmt.Errorf("heartInterval must be positive, got %d", c.HeartInterval)
	case c.CacheLimit <= 0:
		return fmt.Errorf("cacheLimit must be positive, got %d", c.CacheLimit)
	case c.Storage != StorageMemory && c.Storage != StorageRedis:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	return nil
}

// ReconnectDelay is the fixed delay between reconnect attempts.
func (c *ClientConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReConnectInterval) * time.Millisecond
}

// HandshakeTimeout bounds the wait for the login-result frame.
func (c *ClientConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.ReConnectInterval+c.HandshakeMargin) * time.Millisecond
}

// HeartbeatInterval is both the keep-alive cadence and the dead-connection deadline.
func (c *ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartInterval) * time.Millisecond
}

// RequestTimeoutDuration bounds a single REST call.
func (c *ClientConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}
