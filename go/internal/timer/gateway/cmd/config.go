package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mcdev12/timergate/go/internal/auth"
	"github.com/mcdev12/timergate/go/internal/dbconfig"
	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/mcdev12/timergate/go/internal/timer"
	"github.com/mcdev12/timergate/go/internal/timer/gateway"
	"gopkg.in/yaml.v3"
)

const (
	backendRedis    = "redis"
	backendNATS     = "nats"
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendMongo    = "mongo"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Auth  auth.Config             `yaml:"auth"`
	Redis sharedstore.RedisConfig `yaml:"redis"`
	NATS  sharedstore.NATSConfig  `yaml:"nats"`

	Fanout struct {
		gateway.FanoutConfig `yaml:",inline"`

		// Backend is redis, nats or memory. memory also keeps the shared
		// store in process and only suits a single gateway.
		Backend string `yaml:"backend"`
	} `yaml:"fanout"`

	Storage struct {
		Backend  string            `yaml:"backend"`
		Postgres dbconfig.Config   `yaml:"postgres"`
		Mongo    timer.MongoConfig `yaml:"mongo"`
	} `yaml:"storage"`

	Connection gateway.ConnectionConfig `yaml:"connection"`
	Timer      timer.Config             `yaml:"timer"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8081"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Auth = auth.DefaultConfig()
	cfg.Redis = sharedstore.DefaultRedisConfig()
	cfg.NATS = sharedstore.DefaultNATSConfig()
	cfg.Fanout.Backend = backendRedis
	cfg.Fanout.FanoutConfig = gateway.DefaultFanoutConfig()
	cfg.Storage.Backend = backendPostgres
	cfg.Storage.Postgres = dbconfig.NewConfigFromEnv()
	cfg.Storage.Mongo = timer.DefaultMongoConfig()
	cfg.Connection = gateway.DefaultConnectionConfig()
	cfg.Timer = timer.DefaultConfig()
	return cfg
}

// loadConfig reads an optional YAML file over the defaults, then applies
// environment overrides
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("GATEWAY_PORT", c.Server.Port)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Auth.Secret = getEnv("AUTH_SECRET", c.Auth.Secret)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.StreamName = getEnv("NATS_STREAM", c.NATS.StreamName)

	c.Fanout.Backend = getEnv("FANOUT_BACKEND", c.Fanout.Backend)
	c.Fanout.Channel = getEnv("FANOUT_CHANNEL", c.Fanout.Channel)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Postgres.Host = getEnv("DB_HOST", c.Storage.Postgres.Host)
	c.Storage.Postgres.Port = getEnvAsInt("DB_PORT", c.Storage.Postgres.Port)
	c.Storage.Postgres.User = getEnv("DB_USER", c.Storage.Postgres.User)
	c.Storage.Postgres.Password = getEnv("DB_PASSWORD", c.Storage.Postgres.Password)
	c.Storage.Postgres.Database = getEnv("DB_NAME", c.Storage.Postgres.Database)
	c.Storage.Postgres.SSLMode = getEnv("DB_SSLMODE", c.Storage.Postgres.SSLMode)
	c.Storage.Mongo.URI = getEnv("MONGO_URI", c.Storage.Mongo.URI)
	c.Storage.Mongo.Database = getEnv("MONGO_DATABASE", c.Storage.Mongo.Database)
}

func (c *Config) validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth secret is required (AUTH_SECRET)")
	}
	switch c.Fanout.Backend {
	case backendRedis, backendNATS, backendMemory:
	default:
		return fmt.Errorf("unknown fanout backend %q", c.Fanout.Backend)
	}
	switch c.Storage.Backend {
	case backendPostgres, backendMongo, backendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) gatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.Connection = c.Connection
	cfg.Connection.AllowedOrigins = c.Server.AllowedOrigins
	cfg.Fanout = c.Fanout.FanoutConfig
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
