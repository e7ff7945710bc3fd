package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/rewind/internal/platform/config"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// Config selects and configures a backend. Env tags are relative to the
// REWIND_BLOB_ prefix.
type Config struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
	Dir     string `env:"DIR" envDefault:"data/blobs"`
	Path    string `env:"SQLITE_PATH" envDefault:"data/rewind.db"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Bucket   string `env:"BUCKET"`
	Region   string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint string `env:"S3_ENDPOINT"`
	Prefix   string `env:"PREFIX" envDefault:"rewind/"`
}

// EnvPrefix is the environment prefix for Config.
const EnvPrefix = "REWIND_BLOB_"

// ConfigFromEnv parses Config from REWIND_BLOB_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnvWithPrefix(&cfg, EnvPrefix); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		return NewFileStore(cfg.Dir)
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
