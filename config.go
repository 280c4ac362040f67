package main

import (
	"context"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbsnapshot"
	"github.com/brandur/blackboard/internal/bbsnapshot/bbfilesnapshot"
	"github.com/brandur/blackboard/internal/bbsnapshot/bbgcssnapshot"
	"github.com/brandur/blackboard/internal/bbsnapshot/bbmemsnapshot"
	"github.com/brandur/blackboard/internal/bbsnapshot/bbredissnapshot"
)

const (
	defaultPort = 8080

	// Top of the registered port range. Anything above is ephemeral.
	maxPort = 49151
)

const (
	SnapshotBackendFile   = "file"
	SnapshotBackendGCS    = "gcs"
	SnapshotBackendMemory = "memory"
	SnapshotBackendRedis  = "redis"
)

type Config struct {
	AuditLogPath          string        `env:"AUDIT_LOG_PATH" envDefault:"log.csv"`
	GCSBucket             string        `env:"GCS_BUCKET"`
	GCSObject             string        `env:"GCS_OBJECT" envDefault:"boards.json"`
	GCSServiceAccountJSON string        `env:"GCS_SERVICE_ACCOUNT_JSON"`
	LockTimeout           time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`
	LogFormat             string        `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	Port                  int           `env:"PORT" envDefault:"8080"`
	RedisKey              string        `env:"REDIS_KEY" envDefault:"blackboard:snapshot"`
	RedisURL              string        `env:"REDIS_URL"`
	SnapshotBackend       string        `env:"SNAPSHOT_BACKEND" envDefault:"file"`
	SnapshotPath          string        `env:"SNAPSHOT_PATH" envDefault:"boards.json"`
}

// parseConfig reads configuration from environ, or from the process
// environment if environ is nil.
func parseConfig(environ map[string]string) (*Config, error) {
	config := &Config{}

	var opts []env.Options
	if environ != nil {
		opts = append(opts, env.Options{Environment: environ})
	}

	if err := env.Parse(config, opts...); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > maxPort {
		return xerrors.Errorf("port must be between 0 and %d, was %d", maxPort, c.Port)
	}

	if c.LockTimeout <= 0 {
		return xerrors.Errorf("lock timeout must be positive, was %v", c.LockTimeout)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return xerrors.Errorf("invalid log level: %w", err)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return xerrors.Errorf("log format must be json or text, was %q", c.LogFormat)
	}

	switch c.SnapshotBackend {
	case SnapshotBackendFile:
		if c.SnapshotPath == "" {
			return xerrors.New("SNAPSHOT_PATH is required for the file backend")
		}
	case SnapshotBackendGCS:
		// Without GCS_SERVICE_ACCOUNT_JSON, default credentials are used.
		if c.GCSBucket == "" {
			return xerrors.New("GCS_BUCKET is required for the gcs backend")
		}
	case SnapshotBackendMemory:
	case SnapshotBackendRedis:
		if c.RedisURL == "" {
			return xerrors.New("REDIS_URL is required for the redis backend")
		}
	default:
		return xerrors.Errorf("unknown snapshot backend %q", c.SnapshotBackend)
	}

	return nil
}

// ConfigureLogger applies level and format. Assumes a validated config.
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// NewSnapshotBackend builds the configured backend. The returned function
// releases whatever the backend holds open and is always safe to call.
func (c *Config) NewSnapshotBackend(ctx context.Context) (bbsnapshot.Backend, func() error, error) {
	noopClose := func() error { return nil }

	switch c.SnapshotBackend {
	case SnapshotBackendFile:
		return bbfilesnapshot.NewFileSnapshot(c.SnapshotPath), noopClose, nil

	case SnapshotBackendGCS:
		backend, err := bbgcssnapshot.NewGCSSnapshot(ctx, c.GCSServiceAccountJSON, c.GCSBucket, c.GCSObject)
		if err != nil {
			return nil, noopClose, err
		}
		return backend, noopClose, nil

	case SnapshotBackendMemory:
		return bbmemsnapshot.NewMemorySnapshot(), noopClose, nil

	case SnapshotBackendRedis:
		backend, err := bbredissnapshot.NewRedisSnapshot(c.RedisURL, c.RedisKey)
		if err != nil {
			return nil, noopClose, err
		}

		if err := backend.Ping(ctx); err != nil {
			_ = backend.Close()
			return nil, noopClose, xerrors.Errorf("error pinging Redis: %w", err)
		}

		return backend, backend.Close, nil
	}

	return nil, noopClose, xerrors.Errorf("unknown snapshot backend %q", c.SnapshotBackend)
}
