// Package config loads server configuration from YAML with environment
// overrides. A zero configuration is runnable: every field has a default and
// the file is optional.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/objectwire/objectwire/discovery"
	"github.com/objectwire/objectwire/server"
	"github.com/objectwire/objectwire/statestore/redisstore"
	"github.com/objectwire/objectwire/stream"
	"github.com/objectwire/objectwire/tailer"
)

type (
	// Config is the full server configuration.
	Config struct {
		// Listen holds the transport listen addresses.
		Listen Listen `yaml:"listen"`
		// Stream holds replay buffer tuning.
		Stream Stream `yaml:"stream"`
		// Redis holds the Redis connection shared by the state store, the
		// change tailer and replicated discovery.
		Redis Redis `yaml:"redis"`
		// Store selects and tunes the state store backend.
		Store Store `yaml:"store"`
		// Discovery holds endpoint registration settings.
		Discovery Discovery `yaml:"discovery"`
		// Tailer holds change stream settings.
		Tailer Tailer `yaml:"tailer"`
		// DrainTimeout bounds graceful shutdown.
		DrainTimeout time.Duration `yaml:"drainTimeout"`
	}

	// Listen holds one address per enabled transport. An empty address
	// disables that transport.
	Listen struct {
		TCP       string `yaml:"tcp"`
		WebSocket string `yaml:"websocket"`
		HTTP      string `yaml:"http"`
		Health    string `yaml:"health"`
	}

	// Stream tunes the per-stream replay buffer.
	Stream struct {
		BufferCapacity int           `yaml:"bufferCapacity"`
		BufferTTL      time.Duration `yaml:"bufferTTL"`
	}

	// Redis is a Redis connection.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Store selects the state store backend.
	Store struct {
		// Backend is one of "memory", "redis" or "mongo".
		Backend string `yaml:"backend"`
		// KeyPrefix namespaces Redis keys.
		KeyPrefix string `yaml:"keyPrefix"`
		// MongoURI and MongoDatabase apply to the mongo backend.
		MongoURI      string `yaml:"mongoURI"`
		MongoDatabase string `yaml:"mongoDatabase"`
	}

	// Discovery holds endpoint registration settings. Registration is off
	// unless ActorID is set.
	Discovery struct {
		ActorID           string        `yaml:"actorID"`
		Address           string        `yaml:"address"`
		TTL               time.Duration `yaml:"ttl"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	}

	// Tailer names the change stream and this node's sink.
	Tailer struct {
		Stream string `yaml:"stream"`
		Sink   string `yaml:"sink"`
	}
)

// Backend values accepted by Store.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Default returns the runnable zero configuration.
func Default() Config {
	return Config{
		Listen: Listen{
			TCP:    ":7420",
			Health: ":7421",
		},
		Stream: Stream{
			BufferCapacity: stream.DefaultBufferCapacity,
			BufferTTL:      stream.DefaultBufferTTL,
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Store: Store{
			Backend:       BackendMemory,
			KeyPrefix:     redisstore.DefaultKeyPrefix,
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "objectwire",
		},
		Discovery: Discovery{
			TTL:               discovery.DefaultTTL,
			HeartbeatInterval: server.DefaultHeartbeatInterval,
		},
		Tailer: Tailer{
			Stream: tailer.DefaultStreamName,
			Sink:   tailer.DefaultSinkName,
		},
		DrainTimeout: server.DefaultDrainTimeout,
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	if c.Listen.TCP == "" && c.Listen.WebSocket == "" && c.Listen.HTTP == "" {
		return fmt.Errorf("no transport listen address configured")
	}
	if c.Stream.BufferCapacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.Stream.BufferCapacity)
	}
	if c.Stream.BufferTTL <= 0 {
		return fmt.Errorf("buffer TTL must be positive, got %s", c.Stream.BufferTTL)
	}
	if c.Discovery.ActorID != "" && c.Discovery.Address == "" {
		return fmt.Errorf("discovery actor %q has no address", c.Discovery.ActorID)
	}
	return nil
}

// applyEnv overlays OBJECTWIRE_* environment variables on the configuration.
func (c *Config) applyEnv() {
	c.Listen.TCP = envOr("OBJECTWIRE_TCP_ADDR", c.Listen.TCP)
	c.Listen.WebSocket = envOr("OBJECTWIRE_WS_ADDR", c.Listen.WebSocket)
	c.Listen.HTTP = envOr("OBJECTWIRE_HTTP_ADDR", c.Listen.HTTP)
	c.Listen.Health = envOr("OBJECTWIRE_HEALTH_ADDR", c.Listen.Health)
	c.Redis.Addr = envOr("REDIS_URL", c.Redis.Addr)
	c.Redis.Password = envOr("REDIS_PASSWORD", c.Redis.Password)
	c.Store.Backend = envOr("OBJECTWIRE_STORE", c.Store.Backend)
	c.Store.MongoURI = envOr("MONGO_URI", c.Store.MongoURI)
	c.Store.MongoDatabase = envOr("MONGO_DATABASE", c.Store.MongoDatabase)
	c.Discovery.ActorID = envOr("OBJECTWIRE_ACTOR_ID", c.Discovery.ActorID)
	c.Discovery.Address = envOr("OBJECTWIRE_ADVERTISE_ADDR", c.Discovery.Address)
	c.Stream.BufferCapacity = envIntOr("OBJECTWIRE_BUFFER_CAPACITY", c.Stream.BufferCapacity)
	c.Stream.BufferTTL = envDurationOr("OBJECTWIRE_BUFFER_TTL", c.Stream.BufferTTL)
	c.DrainTimeout = envDurationOr("OBJECTWIRE_DRAIN_TIMEOUT", c.DrainTimeout)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
