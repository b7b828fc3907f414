package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = ":8080"
	DefaultLogLevel        = "info"
	DefaultAssetType       = "gsplat"
	DefaultGraceDelay      = 500 * time.Millisecond
	DefaultRequestTimeout  = 0 // rely on the transport's own timeouts
	DefaultChunkSize       = 64 * 1024
	DefaultCacheGeneration = "ply-model-cache-v1"
	DefaultCacheExtension  = ".ply"
)

// CacheConfig holds the processed runtime cache settings.
type CacheConfig struct {
	// Dir is the root directory of the persistent store. Empty keeps the cache in memory.
	Dir        string
	Generation string
	Extension  string
	Compress   bool
	Disabled   bool
}

// Config holds the fully processed application configuration.
type Config struct {
	Listen         string
	LogLevel       string
	LogFormat      string
	UserAgent      string
	AssetType      string
	RequestTimeout time.Duration
	ChunkSize      int
	// GraceDelay is how long loading stays true after the terminal load event.
	GraceDelay time.Duration
	Cache      CacheConfig
}

// rawCache mirrors the cache block of the YAML file.
type rawCache struct {
	Dir        string `yaml:"dir"`
	Generation string `yaml:"generation"`
	Extension  string `yaml:"extension"`
	Compress   *bool  `yaml:"compress"`
	Disabled   bool   `yaml:"disabled"`
}

// rawConfig is the intermediate structure that maps directly to the YAML file.
// Durations are kept as strings so that "500ms" style values can be validated with context.
type rawConfig struct {
	Listen         string   `yaml:"listen"`
	LogLevel       string   `yaml:"logLevel"`
	LogFormat      string   `yaml:"logFormat"`
	UserAgent      string   `yaml:"userAgent"`
	AssetType      string   `yaml:"assetType"`
	RequestTimeout string   `yaml:"requestTimeout"`
	ChunkSize      int      `yaml:"chunkSize"`
	GraceDelay     string   `yaml:"graceDelay"`
	Cache          rawCache `yaml:"cache"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, _ := process(rawConfig{})
	return cfg
}

// LoadConfig reads and parses the configuration file from the given path.
// An empty path yields the defaults. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	var raw rawConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}

	applyEnv(&raw)
	return process(raw)
}

// LoadEnvFile loads KEY=VALUE pairs from an env file into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv lets SPLAT_* variables override values from the file.
func applyEnv(raw *rawConfig) {
	if v := os.Getenv("SPLAT_LISTEN"); v != "" {
		raw.Listen = v
	}
	if v := os.Getenv("SPLAT_LOG_LEVEL"); v != "" {
		raw.LogLevel = v
	}
	if v := os.Getenv("SPLAT_USER_AGENT"); v != "" {
		raw.UserAgent = v
	}
	if v := os.Getenv("SPLAT_CACHE_DIR"); v != "" {
		raw.Cache.Dir = v
	}
	if v := os.Getenv("SPLAT_CACHE_GENERATION"); v != "" {
		raw.Cache.Generation = v
	}
}

func process(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Listen:    orDefault(raw.Listen, DefaultListen),
		LogLevel:  orDefault(raw.LogLevel, DefaultLogLevel),
		LogFormat: orDefault(raw.LogFormat, "json"),
		UserAgent: raw.UserAgent,
		AssetType: orDefault(raw.AssetType, DefaultAssetType),
		ChunkSize: raw.ChunkSize,
		Cache: CacheConfig{
			Dir:        raw.Cache.Dir,
			Generation: orDefault(raw.Cache.Generation, DefaultCacheGeneration),
			Extension:  orDefault(raw.Cache.Extension, DefaultCacheExtension),
			Compress:   true,
			Disabled:   raw.Cache.Disabled,
		},
	}
	if raw.Cache.Compress != nil {
		cfg.Cache.Compress = *raw.Cache.Compress
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if !strings.HasPrefix(cfg.Cache.Extension, ".") {
		cfg.Cache.Extension = "." + cfg.Cache.Extension
	}

	var err error
	if cfg.GraceDelay, err = parseDuration(raw.GraceDelay, DefaultGraceDelay); err != nil {
		return nil, fmt.Errorf("invalid graceDelay %q: %w", raw.GraceDelay, err)
	}
	if cfg.RequestTimeout, err = parseDuration(raw.RequestTimeout, DefaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("invalid requestTimeout %q: %w", raw.RequestTimeout, err)
	}
	if cfg.GraceDelay < 0 || cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("durations must not be negative")
	}

	return cfg, nil
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
