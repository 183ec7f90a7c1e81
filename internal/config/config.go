// Package config handles configuration loading for the tile server.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file configuration.
const (
	EnvBucket = "S3_BUCKET"
	EnvPrefix = "S3_PREFIX"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
	Sources  SourcesConfig  `yaml:"sources"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig locates metadata documents.
type StorageConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint replaces http://{bucket}.s3.amazonaws.com when set.
	Endpoint string `yaml:"endpoint"`
}

// MetadataConfig contains metadata cache settings.
type MetadataConfig struct {
	TTLSeconds         int `yaml:"ttl_seconds"`
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
	MaxEntries         int `yaml:"max_entries"`
}

// SourcesConfig contains source registry settings.
type SourcesConfig struct {
	Capacity int `yaml:"capacity"`
	// ZarrChunkCache is the number of decoded chunks kept per Zarr array.
	ZarrChunkCache int `yaml:"zarr_chunk_cache"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize           int `yaml:"tile_size"`
	Workers            int `yaml:"workers"`
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`
	MaxScale           int `yaml:"max_scale"`
}

// LogConfig configures an optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Fall back to defaults if the file doesn't exist
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Metadata: MetadataConfig{
			TTLSeconds:         300,
			HTTPTimeoutSeconds: 30,
			MaxEntries:         10000,
		},
		Sources: SourcesConfig{
			Capacity:       1024,
			ZarrChunkCache: 256,
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
		},
		Render: RenderConfig{
			TileSize:           256,
			Workers:            100,
			ReadTimeoutSeconds: 30,
			MaxScale:           4,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Metadata.TTLSeconds == 0 {
		cfg.Metadata.TTLSeconds = defaults.Metadata.TTLSeconds
	}
	if cfg.Metadata.HTTPTimeoutSeconds == 0 {
		cfg.Metadata.HTTPTimeoutSeconds = defaults.Metadata.HTTPTimeoutSeconds
	}
	if cfg.Metadata.MaxEntries == 0 {
		cfg.Metadata.MaxEntries = defaults.Metadata.MaxEntries
	}
	if cfg.Sources.Capacity == 0 {
		cfg.Sources.Capacity = defaults.Sources.Capacity
	}
	if cfg.Sources.ZarrChunkCache == 0 {
		cfg.Sources.ZarrChunkCache = defaults.Sources.ZarrChunkCache
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.Workers == 0 {
		cfg.Render.Workers = defaults.Render.Workers
	}
	if cfg.Render.ReadTimeoutSeconds == 0 {
		cfg.Render.ReadTimeoutSeconds = defaults.Render.ReadTimeoutSeconds
	}
	if cfg.Render.MaxScale == 0 {
		cfg.Render.MaxScale = defaults.Render.MaxScale
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}
}

// applyEnv overrides the bucket and prefix from the environment and
// normalizes the prefix.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvBucket); ok {
		cfg.Storage.Bucket = v
	}
	if v, ok := os.LookupEnv(EnvPrefix); ok {
		cfg.Storage.Prefix = v
	}
	cfg.Storage.Prefix = NormalizePrefix(cfg.Storage.Prefix)
}

// NormalizePrefix makes a key prefix end with "/" and not begin with one.
// An empty prefix or "/" becomes "".
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix == "" {
		return ""
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	if c.Storage.Bucket == "" && c.Storage.Endpoint == "" {
		return fmt.Errorf("no metadata bucket configured: set %s or storage.bucket", EnvBucket)
	}
	if c.Render.TileSize <= 0 {
		return fmt.Errorf("render.tile_size must be positive, got %d", c.Render.TileSize)
	}
	return nil
}

// MetadataTTL returns the metadata cache TTL.
func (c *Config) MetadataTTL() time.Duration {
	return time.Duration(c.Metadata.TTLSeconds) * time.Second
}

// MetadataHTTPTimeout returns the timeout of metadata requests.
func (c *Config) MetadataHTTPTimeout() time.Duration {
	return time.Duration(c.Metadata.HTTPTimeoutSeconds) * time.Second
}

// ReadTimeout returns the bound on each source read.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Render.ReadTimeoutSeconds) * time.Second
}

// TileTTL returns the encoded tile cache TTL.
func (c *Config) TileTTL() time.Duration {
	return time.Duration(c.Cache.TileTTLMinutes) * time.Minute
}

// SetLogger sends log output to a rotating file if one is configured.
func (c *LogConfig) SetLogger() {
	if c == nil || c.File == "" {
		log.Printf("Sending log messages to stderr since no log file specified.")
		return
	}
	log.Printf("Sending log messages to: %s", c.File)
	log.SetOutput(&lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,  // megabytes
		MaxAge:     c.MaxAgeDays, // days
		MaxBackups: c.MaxBackups,
	})
}
