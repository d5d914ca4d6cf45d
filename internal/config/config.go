package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BodyLimitMB int    `yaml:"bodyLimitMB"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig guards the compression routes. TokenHash is a bcrypt hash of
// the bearer token clients must present.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TokenHash string `yaml:"tokenHash"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// StorageConfig selects the blob backend. For the local backend uploads
// and compressed artifacts live under two directories; for minio they are
// key prefixes inside one bucket.
type StorageConfig struct {
	Backend       string      `yaml:"backend"`
	UploadsDir    string      `yaml:"uploadsDir"`
	CompressedDir string      `yaml:"compressedDir"`
	Minio         MinioConfig `yaml:"minio"`
}

// WorkerConfig selects how compression tasks are run. "inline" runs each
// task on its own goroutine inside the API process; "asynq" hands tasks to
// a Redis-backed queue consumed by processes started with -role worker.
type WorkerConfig struct {
	Backend     string `yaml:"backend"`
	Concurrency int    `yaml:"concurrency"`
	Queue       string `yaml:"queue"`
}

// NotifyConfig enables publishing job.finished events to RabbitMQ.
type NotifyConfig struct {
	AMQPURL  string `yaml:"amqpURL"`
	Exchange string `yaml:"exchange"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

const (
	StorageLocal = "local"
	StorageMinio = "minio"

	WorkerInline = "inline"
	WorkerAsynq  = "asynq"
)

// Load reads the YAML config at path, applies .env and environment
// overrides, and fills defaults. A missing config file is not fatal; the
// service can run from the environment alone.
func Load(path string) *Config {
	// .env is optional
	_ = godotenv.Load()

	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			log.Fatalf("failed to open config file: %v", err)
		}
		data = raw
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	return cfg
}

// Parse decodes YAML, then applies environment overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.Storage.UploadsDir = v
	}
	if v := os.Getenv("COMPRESSED_DIR"); v != "" {
		cfg.Storage.CompressedDir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AUTH_TOKEN_HASH"); v != "" {
		cfg.Auth.TokenHash = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Notify.AMQPURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.BodyLimitMB <= 0 {
		cfg.Server.BodyLimitMB = 100
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageLocal
	}
	if cfg.Storage.UploadsDir == "" {
		cfg.Storage.UploadsDir = "uploads"
	}
	if cfg.Storage.CompressedDir == "" {
		cfg.Storage.CompressedDir = "compressed"
	}

	cfg.Worker.Backend = strings.ToLower(strings.TrimSpace(cfg.Worker.Backend))
	if cfg.Worker.Backend == "" {
		cfg.Worker.Backend = WorkerInline
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.Queue == "" {
		cfg.Worker.Queue = "compression"
	}

	if cfg.Notify.Exchange == "" {
		cfg.Notify.Exchange = "squash.jobs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks combinations that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageLocal:
	case StorageMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (expected local|minio)", c.Storage.Backend)
	}

	switch c.Worker.Backend {
	case WorkerInline:
	case WorkerAsynq:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the asynq worker backend")
		}
	default:
		return fmt.Errorf("unknown worker backend %q (expected inline|asynq)", c.Worker.Backend)
	}

	if c.Auth.Enabled && c.Auth.TokenHash == "" {
		return fmt.Errorf("auth.tokenHash is required when auth is enabled")
	}
	return nil
}
