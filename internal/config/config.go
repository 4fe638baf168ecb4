// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Raster    RasterConfig    `mapstructure:"raster"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// DatastoreConfig holds the import target configuration.
type DatastoreConfig struct {
	// Type selects the target backend: postgis or geopackage.
	Type string `mapstructure:"type"`

	// DSN is the PostGIS connection string.
	DSN string `mapstructure:"dsn"`

	// Path is the GeoPackage output file for the geopackage backend.
	Path string `mapstructure:"path"`
}

// UploadsConfig holds upload handling configuration.
type UploadsConfig struct {
	// WorkDir is where fetched uploads and reprojection artifacts are
	// written.
	WorkDir string `mapstructure:"work_dir"`

	// ValidExtensions overrides the built-in upload extension
	// allow-list.
	ValidExtensions []string `mapstructure:"valid_extensions"`

	// CSV column-name candidates for locating geometry in tabular
	// sources.
	CSVGeometryFields []string `mapstructure:"csv_geometry_fields"`
	CSVXFields        []string `mapstructure:"csv_x_fields"`
	CSVYFields        []string `mapstructure:"csv_y_fields"`
}

// RasterConfig holds raster re-encoding configuration.
type RasterConfig struct {
	// OutputDir is where optimized raster artifacts are written.
	OutputDir string `mapstructure:"output_dir"`
}

// PipelineConfig holds handler pipeline configuration.
type PipelineConfig struct {
	// Handlers is the ordered list of handler names to run after each
	// layer import. Order is semantically significant.
	Handlers []string `mapstructure:"handlers"`

	// OnError is "continue" or "stop".
	OnError string `mapstructure:"on_error"`
}

// JobsConfig holds the async job runner configuration.
type JobsConfig struct {
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// CatalogConfig holds map-server catalog configuration. The publish
// and cache handlers are inert when no base URL is configured.
type CatalogConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	Workspace   string            `mapstructure:"workspace"`
	Username    string            `mapstructure:"username"`
	Password    string            `mapstructure:"password"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	StoreName   string            `mapstructure:"store_name"`
	StoreParams map[string]string `mapstructure:"store_params"`
}

// Enabled returns true if a catalog endpoint is configured.
func (c *CatalogConfig) Enabled() bool {
	return c.BaseURL != ""
}

// WatcherConfig holds drop-directory watcher configuration.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Paths    []string      `mapstructure:"paths"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 5*time.Minute)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Datastore defaults
	viper.SetDefault("datastore.type", "geopackage")
	viper.SetDefault("datastore.path", "./data/imports.gpkg")

	// Upload defaults
	viper.SetDefault("uploads.work_dir", "./data/uploads")

	// Raster defaults
	viper.SetDefault("raster.output_dir", "./data/rasters")

	// Pipeline defaults: converters before publish, publish before
	// everything that reads the publish result.
	viper.SetDefault("pipeline.handlers", []string{
		"field_converter",
		"bigdate_field_converter",
		"publish",
		"publish_coverage",
		"time_dimension",
		"bounds",
		"web_cache",
		"tile_cache_publish",
		"catalog_record",
	})
	viper.SetDefault("pipeline.on_error", "continue")

	// Job defaults
	viper.SetDefault("jobs.max_concurrent", 4)

	// Storage defaults
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local_path", "./data/incoming")
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 5*time.Minute)

	// Catalog defaults
	viper.SetDefault("catalog.workspace", "strata")
	viper.SetDefault("catalog.store_name", "strata")
	viper.SetDefault("catalog.timeout", 30*time.Second)

	// Watcher defaults
	viper.SetDefault("watcher.enabled", false)
	viper.SetDefault("watcher.debounce", 500*time.Millisecond)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("STRATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/strata")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Datastore.Type {
	case "postgis":
		if c.Datastore.DSN == "" {
			return fmt.Errorf("postgis datastore requires a dsn")
		}
	case "geopackage":
		if c.Datastore.Path == "" {
			return fmt.Errorf("geopackage datastore requires a path")
		}
	default:
		return fmt.Errorf("unknown datastore type: %s", c.Datastore.Type)
	}

	switch c.Pipeline.OnError {
	case "", "continue", "stop":
	default:
		return fmt.Errorf("invalid pipeline.on_error: %s", c.Pipeline.OnError)
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("local storage path is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("S3 region is required")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("azure container is required")
		}
		if c.Storage.Azure.AccountName == "" && c.Storage.Azure.ConnectionString == "" {
			return fmt.Errorf("azure account name or connection string is required")
		}
	case "http":
		if c.Storage.HTTP.BaseURL == "" {
			return fmt.Errorf("HTTP base URL is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	if c.Watcher.Enabled && len(c.Watcher.Paths) == 0 {
		return fmt.Errorf("watcher enabled but no paths configured")
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
