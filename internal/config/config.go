// Package config loads server and client configuration from defaults, an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Broker backends.
const (
	BrokerLocal = "local"
	BrokerRedis = "redis"
	BrokerNATS  = "nats"
)

// Like-toggle lock backends.
const (
	LockerLocal = "local"
	LockerRedis = "redis"
)

type (
	// ServerConfig configures duochat-server.
	ServerConfig struct {
		Addr           string        `yaml:"addr"`
		Store          string        `yaml:"store"`
		Broker         string        `yaml:"broker"`
		Locker         string        `yaml:"locker"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		Mongo          MongoConfig   `yaml:"mongo"`
		Redis          RedisConfig   `yaml:"redis"`
		NATS           NATSConfig    `yaml:"nats"`
		Tokens         TokenConfig   `yaml:"tokens"`
		LockTTL        time.Duration `yaml:"lock_ttl"`
	}

	MongoConfig struct {
		URI            string        `yaml:"uri"`
		Database       string        `yaml:"database"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	NATSConfig struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	}

	TokenConfig struct {
		AccessTTL  time.Duration `yaml:"access_ttl"`
		RefreshTTL time.Duration `yaml:"refresh_ttl"`
		// RotationGrace keeps a rotated pair usable for requests that
		// were already in flight.
		RotationGrace time.Duration `yaml:"rotation_grace"`
		// SecureCookies marks the session cookies Secure and SameSite=None.
		// Enable it behind TLS.
		SecureCookies bool `yaml:"secure_cookies"`
	}

	// ClientConfig configures the terminal client.
	ClientConfig struct {
		ServerURL      string        `yaml:"server_url"`
		DataDir        string        `yaml:"data_dir"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	}
)

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           "localhost:8080",
		Store:          StoreMongo,
		Broker:         BrokerLocal,
		Locker:         LockerLocal,
		AllowedOrigins: []string{},
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "duochat",
			ConnectTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "duochat.signal",
		},
		Tokens: TokenConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    120 * time.Minute,
			RotationGrace: 30 * time.Second,
		},
		LockTTL: 5 * time.Second,
	}
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://localhost:8080",
		DataDir:        DefaultDataDir(),
		RequestTimeout: 10 * time.Second,
	}
}

// DefaultDataDir is where the client keeps its session file.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "duochat")
	}
	return ".duochat"
}

// LoadServer reads the server configuration. Missing files fall back to
// defaults.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads the client configuration. Missing files fall back to
// defaults.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("DUOCHAT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads a .env file if one exists. Variables already set in
// the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

func (c *ServerConfig) applyDefaults() {
	defaults := DefaultServerConfig()
	if c.Tokens.AccessTTL == 0 {
		c.Tokens.AccessTTL = defaults.Tokens.AccessTTL
	}
	if c.Tokens.RefreshTTL == 0 {
		c.Tokens.RefreshTTL = defaults.Tokens.RefreshTTL
	}
	if c.Tokens.RotationGrace == 0 {
		c.Tokens.RotationGrace = defaults.Tokens.RotationGrace
	}
	if c.LockTTL == 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.Mongo.ConnectTimeout == 0 {
		c.Mongo.ConnectTimeout = defaults.Mongo.ConnectTimeout
	}
	if c.Locker == "" {
		c.Locker = defaults.Locker
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = defaults.NATS.Subject
	}
}

func (c *ClientConfig) applyDefaults() {
	defaults := DefaultClientConfig()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
}

// Validate reports every problem found in the server configuration.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}

	switch c.Store {
	case StoreMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required for the mongo store"))
		}
		if c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo.database is required for the mongo store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreMongo, StoreMemory))
	}

	switch c.Broker {
	case BrokerLocal:
	case BrokerRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis broker"))
		}
	case BrokerNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q (want %s, %s or %s)", c.Broker, BrokerLocal, BrokerRedis, BrokerNATS))
	}

	switch c.Locker {
	case LockerLocal:
	case LockerRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis locker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown locker %q (want %s or %s)", c.Locker, LockerLocal, LockerRedis))
	}

	if c.Store == StoreMemory && c.Broker != BrokerLocal {
		errs = append(errs, errors.New("the memory store only runs as a single instance; use the local broker"))
	}

	if c.Tokens.AccessTTL > c.Tokens.RefreshTTL {
		errs = append(errs, errors.New("tokens.access_ttl must not exceed tokens.refresh_ttl"))
	}
	if c.Tokens.RotationGrace < 0 {
		errs = append(errs, errors.New("tokens.rotation_grace must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	var errs []error

	u, err := url.Parse(c.ServerURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("server_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("server_url: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("server_url: host is required"))
	}

	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}

	return errors.Join(errs...)
}

// SessionFile is the path of the persisted session credential.
func (c *ClientConfig) SessionFile() string {
	return filepath.Join(c.DataDir, "session.json")
}
