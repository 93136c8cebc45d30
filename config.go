package redisruntime

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/raniellyferreira/redis-runtime/cache"
	"github.com/raniellyferreira/redis-runtime/internal/retry"
	"github.com/raniellyferreira/redis-runtime/replication"
)

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "REDISRT"

// PoolConfig configures the connection pool
type PoolConfig struct {
	MinConnections int           `yaml:"min_connections" envconfig:"MIN_CONNECTIONS"`
	MaxConnections int           `yaml:"max_connections" envconfig:"MAX_CONNECTIONS"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" envconfig:"ACQUIRE_TIMEOUT"`
}

// CacheConfig configures the default cache client
type CacheConfig struct {
	KeyPrefix   string            `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	DefaultTTL  time.Duration     `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
	Compression cache.Compression `yaml:"compression" envconfig:"COMPRESSION"`
}

// ValidationConfig configures envelope validation
type ValidationConfig struct {
	Enabled      bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxDataBytes int  `yaml:"max_data_bytes" envconfig:"MAX_DATA_BYTES"`
}

// PubSubConfig configures the broker
type PubSubConfig struct {
	Enabled       bool             `yaml:"enabled" envconfig:"ENABLED"`
	ChannelPrefix string           `yaml:"channel_prefix" envconfig:"CHANNEL_PREFIX"`
	Validation    ValidationConfig `yaml:"validation" envconfig:"VALIDATION"`
}

// ReplicationConfig configures the replication manager
type ReplicationConfig struct {
	Enabled      bool                   `yaml:"enabled" envconfig:"ENABLED"`
	Master       replication.NodeConfig `yaml:"master" envconfig:"MASTER"`
	Slaves       NodeList               `yaml:"slaves" envconfig:"SLAVES"`
	LagAggregate replication.Aggregate  `yaml:"lag_aggregate" envconfig:"LAG_AGGREGATE"`
}

// NodeList is a list of nodes. From the environment it is read as
// "host:port,host:port".
type NodeList []replication.NodeConfig

// Decode implements envconfig.Decoder
func (l *NodeList) Decode(value string) error {
	var out NodeList
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(item)
		if err != nil {
			return fmt.Errorf("invalid node %q: %w", item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid node %q: bad port", item)
		}
		out = append(out, replication.NodeConfig{Host: host, Port: port})
	}
	*l = out
	return nil
}

// Config is the serialisable runtime configuration
type Config struct {
	Addr           string        `yaml:"addr" envconfig:"ADDR"`
	Password       string        `yaml:"password" envconfig:"PASSWORD"`
	DB             int           `yaml:"db" envconfig:"DB"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`

	Pool  PoolConfig   `yaml:"pool" envconfig:"POOL"`
	Retry retry.Config `yaml:"retry" envconfig:"RETRY"`
	Cache CacheConfig  `yaml:"cache" envconfig:"CACHE"`

	// ClientRegistrySize bounds the number of cache clients kept by
	// CacheWithPrefix
	ClientRegistrySize int `yaml:"client_registry_size" envconfig:"CLIENT_REGISTRY_SIZE"`

	PubSub      PubSubConfig      `yaml:"pubsub" envconfig:"PUBSUB"`
	Replication ReplicationConfig `yaml:"replication" envconfig:"REPLICATION"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:           "localhost:6379",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		Pool: PoolConfig{
			MinConnections: 2,
			MaxConnections: 10,
			AcquireTimeout: 5 * time.Second,
		},
		Retry: retry.DefaultConfig(),
		Cache: CacheConfig{
			KeyPrefix:  "cache",
			DefaultTTL: time.Hour,
			Compression: cache.Compression{
				Enabled:   true,
				Threshold: 1024,
			},
		},
		ClientRegistrySize: 16,
		PubSub: PubSubConfig{
			Enabled:       true,
			ChannelPrefix: "events",
			Validation:    ValidationConfig{Enabled: true},
		},
		Replication: ReplicationConfig{
			LagAggregate: replication.LagMax,
		},
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path when
// path is not empty, then the REDISRT_* environment variables, and
// validates the result
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every impossible value, wrapped in ErrInvalidConfig
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "addr is required")
	check(c.DB >= 0, "db must not be negative, got %d", c.DB)
	check(c.Pool.MaxConnections > 0, "pool.max_connections must be positive, got %d", c.Pool.MaxConnections)
	check(c.Pool.MinConnections >= 0 && c.Pool.MinConnections <= c.Pool.MaxConnections,
		"pool.min_connections must be in [0, %d], got %d", c.Pool.MaxConnections, c.Pool.MinConnections)
	check(c.Pool.AcquireTimeout > 0, "pool.acquire_timeout must be positive")
	check(c.Cache.DefaultTTL >= 0, "cache.default_ttl must not be negative")
	check(c.Cache.Compression.Threshold >= 0, "cache.compression.threshold must not be negative")
	if l := c.Cache.Compression.Level; l != nil {
		check(*l >= -2 && *l <= 9, "cache.compression.level must be in [-2, 9], got %d", *l)
	}
	check(c.ClientRegistrySize > 0, "client_registry_size must be positive")
	check(c.PubSub.Validation.MaxDataBytes >= 0, "pubsub.validation.max_data_bytes must not be negative")

	if c.Replication.Enabled {
		check(c.Replication.Master.Host != "" && c.Replication.Master.Port > 0, "replication.master host and port are required")
		for i, s := range c.Replication.Slaves {
			check(s.Host != "" && s.Port > 0, "replication.slaves[%d] host and port are required", i)
		}
	}
	check(c.Replication.LagAggregate == "" || c.Replication.LagAggregate.Valid(),
		"replication.lag_aggregate must be max, min or mean, got %q", c.Replication.LagAggregate)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
