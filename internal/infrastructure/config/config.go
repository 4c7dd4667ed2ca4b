package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// FileEnvVar names the environment variable holding an optional config file path.
const FileEnvVar = "ENVHOST_CONFIG"

// Config holds all host configuration.
type Config struct {
	Platform  PlatformConfig  `yaml:"platform" toml:"platform"`
	Allocator AllocatorConfig `yaml:"allocator" toml:"allocator"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Inspector InspectorConfig `yaml:"inspector" toml:"inspector"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
}

// PlatformConfig holds task platform configuration.
type PlatformConfig struct {
	WorkerThreads int `envconfig:"PLATFORM_WORKER_THREADS" default:"4" yaml:"worker_threads" toml:"worker_threads"`
}

// AllocatorConfig holds buffer allocator configuration.
type AllocatorConfig struct {
	Debug          bool  `envconfig:"ALLOCATOR_DEBUG" default:"false" yaml:"debug" toml:"debug"`
	ZeroFillAll    bool  `envconfig:"ALLOCATOR_ZERO_FILL_ALL" default:"false" yaml:"zero_fill_all" toml:"zero_fill_all"`
	MaxBufferBytes int64 `envconfig:"ALLOCATOR_MAX_BUFFER_BYTES" default:"4294967296" yaml:"max_buffer_bytes" toml:"max_buffer_bytes"`
}

// EngineConfig holds isolate settings.
type EngineConfig struct {
	AbortOnUncaughtException bool   `envconfig:"ENGINE_ABORT_ON_UNCAUGHT" default:"false" yaml:"abort_on_uncaught_exception" toml:"abort_on_uncaught_exception"`
	MessageListener          bool   `envconfig:"ENGINE_MESSAGE_LISTENER" default:"true" yaml:"message_listener" toml:"message_listener"`
	DetailedSourcePositions  bool   `envconfig:"ENGINE_DETAILED_SOURCE_POSITIONS" default:"false" yaml:"detailed_source_positions" toml:"detailed_source_positions"`
	MicrotasksPolicy         string `envconfig:"ENGINE_MICROTASKS_POLICY" default:"auto" yaml:"microtasks_policy" toml:"microtasks_policy"`
	ModulePath               string `envconfig:"ENGINE_MODULE_PATH" default:"" yaml:"module_path" toml:"module_path"`
	ModulePattern            string `envconfig:"ENGINE_MODULE_PATTERN" default:"**/*.js" yaml:"module_pattern" toml:"module_pattern"`
}

// InspectorConfig holds debugging session configuration.
type InspectorConfig struct {
	Enabled bool `envconfig:"INSPECTOR_ENABLED" default:"false" yaml:"enabled" toml:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// ServerConfig holds the diagnostics HTTP server configuration.
type ServerConfig struct {
	Enabled bool   `envconfig:"SERVER_ENABLED" default:"false" yaml:"enabled" toml:"enabled"`
	Host    string `envconfig:"SERVER_HOST" default:"127.0.0.1" yaml:"host" toml:"host"`
	Port    string `envconfig:"SERVER_PORT" default:"9464" yaml:"port" toml:"port"`

	AllowOrigins []string `envconfig:"SERVER_ALLOW_ORIGINS" default:"*" yaml:"allow_origins" toml:"allow_origins"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit int `envconfig:"SERVER_RATE_LIMIT" default:"50" yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int `envconfig:"SERVER_RATE_BURST" default:"100" yaml:"rate_burst" toml:"rate_burst"`
}

// Load loads configuration from environment variables, then overlays the
// file named by ENVHOST_CONFIG when set.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path := os.Getenv(FileEnvVar); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment and overlays the given file.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := overlayFile(&cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			WorkerThreads: 4,
		},
		Allocator: AllocatorConfig{
			MaxBufferBytes: 1 << 32,
		},
		Engine: EngineConfig{
			MessageListener:  true,
			MicrotasksPolicy: "auto",
			ModulePattern:    "**/*.js",
		},
		Logging: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         "9464",
			AllowOrigins: []string{"*"},
			RateLimit:    50,
			RateBurst:    100,
		},
	}
}

// Validate checks values that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Platform.WorkerThreads < 0 {
		return fmt.Errorf("platform worker threads must not be negative: %d", c.Platform.WorkerThreads)
	}
	if c.Allocator.MaxBufferBytes < 0 {
		return fmt.Errorf("allocator max buffer bytes must not be negative: %d", c.Allocator.MaxBufferBytes)
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limit must not be negative: %d/%d", c.Server.RateLimit, c.Server.RateBurst)
	}
	switch c.Engine.MicrotasksPolicy {
	case "auto", "explicit", "scoped":
	default:
		return fmt.Errorf("unknown microtasks policy %q", c.Engine.MicrotasksPolicy)
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file type: %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
