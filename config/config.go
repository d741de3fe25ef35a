// Package config loads the YAML configuration shared by the consumer and
// provider commands.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"poolrpc/codec"
	"poolrpc/loadbalance"
	"poolrpc/log"
)

// RegistryConfig locates the etcd directory.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"Endpoints"`
	Prefix      string        `yaml:"Prefix,omitempty"`
	DialTimeout time.Duration `yaml:"DialTimeout,omitempty"`
	// CacheSize is the number of service lookups kept between reloads
	CacheSize int `yaml:"CacheSize,omitempty"`
}

// ProviderConfig is read by the provider command only.
type ProviderConfig struct {
	// Listen is the local listen address, e.g. ":9000"
	Listen string `yaml:"Listen"`
	// Advertise is the routable host:port registered in the directory
	Advertise string `yaml:"Advertise"`
	// TTL of the directory lease, renewed while the provider runs
	TTL time.Duration `yaml:"TTL,omitempty"`
}

// Config holds all settings.
type Config struct {
	Registry RegistryConfig `yaml:"Registry"`
	Group    string         `yaml:"Group"`
	// Serializer is "json" or "msgpack"
	Serializer string `yaml:"Serializer,omitempty"`
	// LoadBalance is one of random, roundrobin, weighted, consistenthash
	LoadBalance string `yaml:"LoadBalance,omitempty"`
	// BalanceKey is the affinity key of the consistenthash strategy
	BalanceKey    string        `yaml:"BalanceKey,omitempty"`
	ConnectGrace  time.Duration `yaml:"ConnectGrace,omitempty"`
	RetryInterval time.Duration `yaml:"RetryInterval,omitempty"`
	DialTimeout   time.Duration `yaml:"DialTimeout,omitempty"`
	Heartbeat     time.Duration `yaml:"Heartbeat,omitempty"`
	MaxPayload    int           `yaml:"MaxPayload,omitempty"`
	LogLevel      string        `yaml:"LogLevel,omitempty"`

	Provider ProviderConfig `yaml:"Provider,omitempty"`
}

// Default returns a config pointing at a local etcd.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			Prefix:      "/poolrpc",
			DialTimeout: 3 * time.Second,
			CacheSize:   1024,
		},
		Group:         "default",
		Serializer:    "json",
		LoadBalance:   "random",
		ConnectGrace:  200 * time.Millisecond,
		RetryInterval: 2 * time.Second,
		DialTimeout:   3 * time.Second,
		Heartbeat:     30 * time.Second,
		MaxPayload:    16 << 20,
		LogLevel:      "info",
		Provider: ProviderConfig{
			TTL: 10 * time.Second,
		},
	}
}

// Load reads path on top of Default. Fields missing from the file keep their
// default values.
func Load(path string) (config *Config, err error) {
	var content []byte
	if content, err = os.ReadFile(path); err != nil {
		log.WithError(err).Error("failed to read config file")
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	config = Default()
	if err = yaml.Unmarshal(content, config); err != nil {
		log.WithError(err).Error("failed to unmarshal config file")
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the config can be used to build a client.
func (c *Config) Validate() error {
	if len(c.Registry.Endpoints) == 0 {
		return errors.New("config: Registry.Endpoints is empty")
	}
	if c.Group == "" {
		return errors.New("config: Group is empty")
	}
	if _, err := codec.ParseType(c.Serializer); err != nil {
		return errors.Wrap(err, "config: Serializer")
	}
	if _, err := loadbalance.ByName(c.LoadBalance, c.BalanceKey); err != nil {
		return errors.Wrap(err, "config: LoadBalance")
	}
	if c.ConnectGrace <= 0 {
		return errors.New("config: ConnectGrace must be positive")
	}
	if c.RetryInterval <= 0 {
		return errors.New("config: RetryInterval must be positive")
	}
	if c.MaxPayload < 0 {
		return errors.New("config: MaxPayload is negative")
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return errors.Wrap(err, "config: LogLevel")
		}
	}
	return nil
}
