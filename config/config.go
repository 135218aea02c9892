// Package config aggregates the configuration of the relay and the client
// and loads it with viper from defaults, an optional file, the environment
// and bound command-line flags, in increasing priority. Environment variables
// use the SWB_ prefix and apply to keys that have a flag, e.g.
// SWB_RELAY_TCP_ADDR for relay.tcp-addr.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/alimasry/go-whiteboard/server"
	"github.com/alimasry/go-whiteboard/whiteboard"
)

// Store kinds.
const (
	StoreMemory    = "memory"
	StoreCached    = "cached"
	StoreFirestore = "firestore"
	StoreRedis     = "redis"
	StorePostgres  = "postgres"
)

// StoreConfig selects and configures the relay's log store.
type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	// Backing is the store behind the write-behind cache when Kind is cached.
	Backing       string        `mapstructure:"backing"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`

	FirestoreProject string `mapstructure:"firestore-project"`
	RedisAddr        string `mapstructure:"redis-addr"`
	RedisPrefix      string `mapstructure:"redis-prefix"`
	PostgresDSN      string `mapstructure:"postgres-dsn"`
}

// Config is the root configuration.
type Config struct {
	ConfigFile string `mapstructure:"config"`

	Log    LoggerConfig      `mapstructure:"log"`
	Relay  server.Config     `mapstructure:"relay"`
	Store  StoreConfig       `mapstructure:"store"`
	Client whiteboard.Config `mapstructure:"client"`
}

func DefaultConfig() Config {
	return Config{
		Log:   defaultLoggingConfig(),
		Relay: server.DefaultConfig(),
		Store: StoreConfig{
			Kind:          StoreMemory,
			Backing:       StoreFirestore,
			FlushInterval: 5 * time.Second,
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "swb",
		},
		Client: whiteboard.DefaultConfig(),
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory, StoreFirestore, StoreRedis, StorePostgres:
	case StoreCached:
		if c.Store.Backing == StoreCached || c.Store.Backing == StoreMemory {
			return fmt.Errorf("store: cached needs a persistent backing store, got %q", c.Store.Backing)
		}
	default:
		return fmt.Errorf("store: unknown kind %q", c.Store.Kind)
	}
	if c.Client.ReconnectTicks <= 0 {
		return fmt.Errorf("client: reconnect-ticks must be positive")
	}
	if c.Client.CompressionLevel < 0 || c.Client.CompressionLevel > 9 {
		return fmt.Errorf("client: compression-level %d out of range", c.Client.CompressionLevel)
	}
	return nil
}

// Load reads the configuration from vip, on top of DefaultConfig. If
// fileLocation is set the file must exist.
func Load(fileLocation string, vip *viper.Viper) (Config, error) {
	vip.SetEnvPrefix("swb")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()
	if fileLocation != "" {
		vip.SetConfigFile(fileLocation)
		if err := vip.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", fileLocation, err)
		}
	}

	conf := DefaultConfig()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(&conf, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}
