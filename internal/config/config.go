// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/cribrum/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Source     SourceConfig     `mapstructure:"source"`
	Relational RelationalConfig `mapstructure:"relational"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the control API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig holds filter engine tuning.
type EngineConfig struct {
	// LargeLayerThreshold is the feature count above which automatic
	// backend selection prefers the fastest compatible backend over the
	// layer's native one.
	LargeLayerThreshold int64 `mapstructure:"large_layer_threshold"`

	HistoryDepth int `mapstructure:"history_depth"` // Undo entries kept per session
	Workers      int `mapstructure:"workers"`       // Executor worker count
	QueueSize    int `mapstructure:"queue_size"`    // Executor queue capacity
	CacheSize    int `mapstructure:"cache_size"`    // Geometry cache entries per batch

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`

	// OverridesPath points to the session overrides file with per-layer
	// forced backends.
	OverridesPath string `mapstructure:"overrides_path"`

	// DataDir is where downloaded datasets are stored.
	DataDir string `mapstructure:"data_dir"`
}

// SourceConfig holds layer source configuration.
type SourceConfig struct {
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

// HTTPConfig holds HTTP layer source configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// RelationalConfig holds the PostGIS backend configuration, including the
// database-resident layers registered at startup.
type RelationalConfig struct {
	Enabled bool                    `mapstructure:"enabled"`
	DSN     string                  `mapstructure:"dsn"`
	Layers  []RelationalLayerConfig `mapstructure:"layers"`
}

// RelationalLayerConfig describes one PostGIS-backed layer.
type RelationalLayerConfig struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Table          string `mapstructure:"table"`
	PrimaryKey     string `mapstructure:"primary_key"`
	GeometryColumn string `mapstructure:"geometry_column"`
	GeometryType   string `mapstructure:"geometry_type"`
	SRID           int    `mapstructure:"srid"`
	FeatureCount   int64  `mapstructure:"feature_count"`
}

// Descriptor converts the layer configuration to a registry descriptor,
// filling conventional PostGIS column defaults.
func (l RelationalLayerConfig) Descriptor() domain.LayerDescriptor {
	desc := domain.LayerDescriptor{
		ID:             l.ID,
		Name:           l.Name,
		StorageKind:    domain.KindRelational,
		PrimaryKey:     l.PrimaryKey,
		GeometryColumn: l.GeometryColumn,
		GeometryType:   l.GeometryType,
		SRID:           l.SRID,
		FeatureCount:   l.FeatureCount,
		Source:         l.Table,
	}
	if desc.Name == "" {
		desc.Name = l.ID
	}
	if desc.PrimaryKey == "" {
		desc.PrimaryKey = "gid"
	}
	if desc.GeometryColumn == "" {
		desc.GeometryColumn = "geom"
	}
	return desc
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
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Engine defaults
	viper.SetDefault("engine.large_layer_threshold", int64(100000))
	viper.SetDefault("engine.history_depth", 100)
	viper.SetDefault("engine.workers", 2)
	viper.SetDefault("engine.queue_size", 64)
	viper.SetDefault("engine.cache_size", 4096)
	viper.SetDefault("engine.retry_max_attempts", 5)
	viper.SetDefault("engine.retry_base_delay", 50*time.Millisecond)
	viper.SetDefault("engine.retry_max_delay", 2*time.Second)
	viper.SetDefault("engine.data_dir", "./data")

	// Source defaults
	viper.SetDefault("source.type", "local")
	viper.SetDefault("source.local_path", "./data")
	viper.SetDefault("source.http.index_file", "index.txt")
	viper.SetDefault("source.http.timeout", 5*time.Minute)

	// Relational defaults
	viper.SetDefault("relational.enabled", false)

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
	viper.SetEnvPrefix("CRIBRUM")
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
		viper.AddConfigPath("/etc/cribrum")
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

	if c.Engine.LargeLayerThreshold < 0 {
		return fmt.Errorf("large layer threshold must not be negative: %d", c.Engine.LargeLayerThreshold)
	}
	if c.Engine.HistoryDepth < 1 {
		return fmt.Errorf("history depth must be at least 1: %d", c.Engine.HistoryDepth)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1: %d", c.Engine.Workers)
	}

	if c.Relational.Enabled && c.Relational.DSN == "" {
		return fmt.Errorf("relational backend enabled but no DSN specified")
	}
	for _, layer := range c.Relational.Layers {
		if layer.ID == "" || layer.Table == "" {
			return fmt.Errorf("relational layer needs id and table: id=%q table=%q", layer.ID, layer.Table)
		}
	}

	switch c.Source.Type {
	case "local":
		if c.Source.LocalPath == "" {
			return fmt.Errorf("local source path is required")
		}
	case "s3":
		if c.Source.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required")
		}
		if c.Source.S3.Region == "" {
			return fmt.Errorf("S3 region is required")
		}
	case "azure":
		if c.Source.Azure.Container == "" {
			return fmt.Errorf("azure container is required")
		}
		if c.Source.Azure.AccountName == "" && c.Source.Azure.ConnectionString == "" {
			return fmt.Errorf("azure account name or connection string is required")
		}
	case "http":
		if c.Source.HTTP.BaseURL == "" {
			return fmt.Errorf("HTTP base URL is required")
		}
	default:
		return fmt.Errorf("unknown source type: %s", c.Source.Type)
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
