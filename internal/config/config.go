package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const envPrefix = "chat"

type Config struct {
	Port     int    `envconfig:"port" default:"8080"`
	Env      string `envconfig:"env" default:"development"`
	LogLevel string `envconfig:"log_level" default:"info"`

	DBDriver       string `envconfig:"db_driver" default:"postgres"`
	DatabaseURL    string `envconfig:"database_url"`
	DBMaxOpenConns int    `envconfig:"db_max_open_conns" default:"20"`

	JWTSecret         string `envconfig:"jwt_secret"`
	IdentityCacheSize int    `envconfig:"identity_cache_size" default:"4096"`

	RedisURL          string `envconfig:"redis_url"`
	NotificationQueue string `envconfig:"notification_queue" default:"chat:notifications"`

	StorageDriver   string `envconfig:"storage_driver" default:"local"`
	StorageDir      string `envconfig:"storage_dir" default:"./uploads"`
	StorageBaseURL  string `envconfig:"storage_base_url" default:"/files"`
	MaxUploadBytes  int64  `envconfig:"max_upload_bytes" default:"26214400"`
	S3Bucket        string `envconfig:"s3_bucket"`
	S3Region        string `envconfig:"s3_region" default:"us-east-1"`
	S3Endpoint      string `envconfig:"s3_endpoint"`
	S3AccessKey     string `envconfig:"s3_access_key"`
	S3SecretKey     string `envconfig:"s3_secret_key"`
	S3PublicBaseURL string `envconfig:"s3_public_base_url"`

	TypingTTL           time.Duration `envconfig:"typing_ttl" default:"5s"`
	TypingSweepInterval time.Duration `envconfig:"typing_sweep_interval" default:"30s"`
	ClientBufferSize    int           `envconfig:"client_buffer_size" default:"256"`

	AllowedOrigins []string `envconfig:"allowed_origins" default:"*"`
}

// Load reads CHAT_* variables. Outside production a .env file is loaded
// first when present.
func Load() (*Config, error) {
	if os.Getenv("CHAT_ENV") != "production" {
		_ = godotenv.Load()
	}

	c := &Config{}
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, errors.Wrap(err, "process env")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("CHAT_JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("CHAT_DATABASE_URL is required")
	}
	switch c.StorageDriver {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("CHAT_S3_BUCKET is required for the s3 storage driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	if c.TypingTTL <= 0 || c.TypingSweepInterval <= 0 {
		return errors.New("typing ttl and sweep interval must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
