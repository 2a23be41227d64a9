// Package config loads static service configuration from YAML with
// environment overrides, and maintains the time-boxed cache of runtime
// settings stored in the shared table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bridge's static configuration, loaded once at startup.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Lock    LockConfig    `yaml:"lock"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	// Backend selects the item store: "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file when Backend is "sqlite".
	Path string `yaml:"path"`
	// Table is the single logical table holding tenant partitions, the
	// agent registry, locks, and runtime config rows.
	Table string `yaml:"table"`
	Blob  BlobConfig `yaml:"blob"`
}

type BlobConfig struct {
	// Backend selects the blob store: "memory" or "s3".
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type RuntimeConfig struct {
	// SyncTimeout bounds synchronous invocations end to end.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	// FireWindow is how long an async handoff waits before hanging up.
	FireWindow time.Duration `yaml:"fire_window"`
}

type AuthConfig struct {
	// Secret is the HS256 key shared with the edge authorizer.
	Secret string `yaml:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type LockConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	TokenFile string        `yaml:"token_file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage: StorageConfig{Backend: "memory", Table: "platform-data", Blob: BlobConfig{Backend: "memory"}},
		Runtime: RuntimeConfig{SyncTimeout: 60 * time.Second, FireWindow: 2 * time.Second},
		Log:     LogConfig{Level: "info", Format: "json"},
		Lock:    LockConfig{TTL: 5 * time.Minute, TokenFile: defaultTokenFile()},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. An empty path loads defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Storage.Blob.Backend {
	case "memory":
	case "s3":
		if c.Storage.Blob.Bucket == "" {
			return fmt.Errorf("storage.blob.bucket required for s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Storage.Blob.Backend)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("BRIDGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BRIDGE_TABLE"); v != "" {
		cfg.Storage.Table = v
	}
	if v := os.Getenv("BRIDGE_BLOB_BUCKET"); v != "" {
		cfg.Storage.Blob.Backend = "s3"
		cfg.Storage.Blob.Bucket = v
	}
	if v := os.Getenv("BRIDGE_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BRIDGE_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bridge-lock.json"
	}
	return home + "/.agentbridge/lock-token.json"
}
