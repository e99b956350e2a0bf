package config

import (
	"fmt"
	"os"
	"time"

	yamlv2 "gopkg.in/yaml.v2"
	"gopkg.in/yaml.v3"
)

// Wire and protocol constants.
const (
	MaxPacket          = 1024 // max bytes of one datagram payload
	UDPMtuSize         = 1452 // max bytes stored for one bunch node
	MaxChannels        = 32767
	MaxChannelSequence = 1024 // reliable sequence modulus
	ReliableBuffer     = 256  // max unacked reliable bunches per connection
	BunchNodeCacheMax  = 1024 // bunch node pool size
	CloseReasonMax     = 15
	MaxLargeBunchBytes = 64 * 1024

	HandshakePacketBits        = 227
	RestartHandshakePacketBits = 2
	RestartResponseBits        = 387
	SecretByteSize             = 64
	SecretCount                = 2
	CookieByteSize             = 20
	MaxAddressLen              = 64

	SecretUpdateTime         = 15 * time.Second
	SecretUpdateTimeVariance = 5 * time.Second
	MaxCookieLifetime        = (SecretUpdateTime + SecretUpdateTimeVariance) * SecretCount
	MinCookieLifetime        = SecretUpdateTime

	HandshakeResendInterval = time.Second
	RestartDelay            = 10 * time.Second
	KeepAliveTime           = 200 * time.Millisecond
	ConnectTimeout          = 120 * time.Second
)

// Config is the on-disk configuration shared by the programs.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ServerAddr     string        `yaml:"server_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	MagicHeader    uint32        `yaml:"magic_header"`
	MagicHeaderLen uint8         `yaml:"magic_header_bits"`
	PoolSize       int           `yaml:"pool_size"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	OrderCache     bool          `yaml:"order_cache"`
	DebugCookie    string        `yaml:"debug_cookie"` // hex, 20 bytes
	LogLevel       string        `yaml:"log_level"`
	Debug          bool          `yaml:"debug"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     "127.0.0.1:7777",
		ServerAddr:     "127.0.0.1:7777",
		MetricsAddr:    "127.0.0.1:9107",
		TickInterval:   10 * time.Millisecond,
		PoolSize:       BunchNodeCacheMax,
		KeepAlive:      KeepAliveTime,
		ConnectTimeout: ConnectTimeout,
		OrderCache:     true,
		LogLevel:       "info",
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "utcp",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadStrict is LoadConfig that also rejects unknown or duplicate keys,
// as used by check-config.
func LoadStrict(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yamlv2.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MagicHeaderLen > 32 {
		return fmt.Errorf("magic_header_bits %d exceeds 32", c.MagicHeaderLen)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.DebugCookie != "" && len(c.DebugCookie) != CookieByteSize*2 {
		return fmt.Errorf("debug_cookie must be %d hex chars", CookieByteSize*2)
	}
	return nil
}
