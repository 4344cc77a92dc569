package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	GRPC   GRPCConfig   `yaml:"grpc"`
	HTTP   HTTPConfig   `yaml:"http"`
	Auth   AuthConfig   `yaml:"-"`
	Pickup PickupConfig `yaml:"pickup"`
	Events EventsConfig `yaml:"events"`
}

// StoreConfig selects and configures the document store engine.
type StoreConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=sqlite memory mongo"`
	Path          string `yaml:"path"` // SQLite database file path
	MongoURI      string `yaml:"mongoUri"`
	MongoDatabase string `yaml:"mongoDatabase"`
	// EnforceIndexes rejects ordered queries not covered by a declared index.
	EnforceIndexes bool `yaml:"enforceIndexes"`
}

// GRPCConfig contains gRPC server settings.
type GRPCConfig struct {
	Address string `yaml:"address" validate:"required"` // e.g. ":50051"
}

// HTTPConfig contains the HTTP/websocket API settings.
type HTTPConfig struct {
	Address      string   `yaml:"address" validate:"required"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	JWTSecret string // JWT signing secret
}

// PickupConfig tunes the pickup board and the expiry sweeper.
type PickupConfig struct {
	ExpireAfter time.Duration `yaml:"expireAfter" validate:"gt=0"`
	BoardLimit  int           `yaml:"boardLimit" validate:"min=1,max=100"`
	SweepEvery  time.Duration `yaml:"sweepEvery" validate:"min=0"`
}

// EventsConfig selects where lifecycle events are appended. Both sinks may be set.
type EventsConfig struct {
	File         string   `yaml:"file"`
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`
}

var validate = validator.New()

func defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "kopikap.db",
			MongoDatabase: "kopikap",
		},
		GRPC: GRPCConfig{Address: ":50051"},
		HTTP: HTTPConfig{Address: ":8080", AllowOrigins: []string{"*"}},
		Pickup: PickupConfig{
			ExpireAfter: time.Hour,
			BoardLimit:  20,
			SweepEvery:  time.Minute,
		},
		Events: EventsConfig{KafkaTopic: "kopikap.order-events"},
	}
}

// Load loads configuration from an optional .env file, an optional YAML file named by
// CONFIG_FILE and environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	cfg, err := load("")
	if err != nil {
		return nil, err
	}
	// Validate critical settings
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is not set; required for production")
	}
	return cfg, nil
}

// LoadWithDefaults is like Load but uses a safe default for JWT_SECRET in development.
// WARNING: Only use in development! Use Load() in production.
func LoadWithDefaults() (*Config, error) {
	return load("dev-secret-change-me")
}

func load(devSecret string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	cfg := defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", devSecret)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Store.Driver == "mongo" && cfg.Store.MongoURI == "" {
		return nil, errors.New("invalid config: MONGO_URI is required for the mongo store")
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("DB_PATH", c.Store.Path)
	c.Store.MongoURI = getEnv("MONGO_URI", c.Store.MongoURI)
	c.Store.MongoDatabase = getEnv("MONGO_DATABASE", c.Store.MongoDatabase)
	if c.Store.EnforceIndexes, err = getEnvBool("STORE_ENFORCE_INDEXES", c.Store.EnforceIndexes); err != nil {
		return err
	}
	c.GRPC.Address = getEnv("GRPC_ADDRESS", c.GRPC.Address)
	c.HTTP.Address = getEnv("HTTP_ADDRESS", c.HTTP.Address)
	c.HTTP.AllowOrigins = getEnvList("HTTP_ALLOW_ORIGINS", c.HTTP.AllowOrigins)
	if c.Pickup.ExpireAfter, err = getEnvDuration("PICKUP_EXPIRE_AFTER", c.Pickup.ExpireAfter); err != nil {
		return err
	}
	if c.Pickup.BoardLimit, err = getEnvInt("PICKUP_BOARD_LIMIT", c.Pickup.BoardLimit); err != nil {
		return err
	}
	if c.Pickup.SweepEvery, err = getEnvDuration("PICKUP_SWEEP_EVERY", c.Pickup.SweepEvery); err != nil {
		return err
	}
	c.Events.File = getEnv("EVENTS_FILE", c.Events.File)
	c.Events.KafkaBrokers = getEnvList("KAFKA_BROKERS", c.Events.KafkaBrokers)
	c.Events.KafkaTopic = getEnv("KAFKA_TOPIC", c.Events.KafkaTopic)
	return nil
}

// getEnv retrieves an environment variable with a default fallback.
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

// getEnvInt retrieves an environment variable as an integer with a default fallback.
func getEnvInt(key string, defaultVal int) (int, error) {
	if value, exists := os.LookupEnv(key); exists {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return intVal, nil
	}
	return defaultVal, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		return d, nil
	}
	return defaultVal, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		return b, nil
	}
	return defaultVal, nil
}

// getEnvList splits a comma separated variable; empty items are dropped.
func getEnvList(key string, defaultVal []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// String returns a string representation of the config (sensitive values are masked).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Store: %s, gRPC: %s, HTTP: %s, ExpireAfter: %s, Auth: *** (masked) ***}",
		c.Store.Driver, c.GRPC.Address, c.HTTP.Address, c.Pickup.ExpireAfter)
}
