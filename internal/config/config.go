// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration.
type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:":8080"`

	// BaseURL is the externally visible URL of this server, used to
	// build record file links in status manifests.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// DestinationDir is the root under which downloaded files land.
	DestinationDir string `env:"DESTINATION_DIR" envDefault:"./data"`

	// FHIRBaseURL anchors relative attachment references.
	FHIRBaseURL string `env:"FHIR_BASE_URL" envDefault:"http://localhost:8080/fhir/"`

	// RequestTimeout bounds every outbound HTTP request. The upstream
	// protocol leaves this open; we impose one deliberately.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"2m"`

	// JWTSecret enables bearer-token checking on the submit endpoints
	// when non-empty.
	JWTSecret string `env:"JWT_SECRET"`

	// RedisURL enables the Redis progress bus when non-empty.
	RedisURL string `env:"REDIS_URL"`

	// Retention windows for the registry sweep.
	RetentionComplete time.Duration `env:"RETENTION_COMPLETE" envDefault:"10m"`
	RetentionPending  time.Duration `env:"RETENTION_PENDING" envDefault:"24h"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// MinIO/S3 archival of completed submissions; disabled when the
	// endpoint is empty.
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"submissions"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &c, nil
}

// Development reports whether the server runs in development mode.
func (c *Config) Development() bool {
	return c.AppEnv == "development"
}
