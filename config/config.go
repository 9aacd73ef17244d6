// Package config loads the service configuration from YAML files,
// .env files and environment variables.
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.datapub/config.yaml, /etc/datapub/config.yaml)
//  3. .env files
//  4. Environment variables with the DATAPUB_ prefix
//
// Environment variables use underscores for nested keys:
//   - DATAPUB_SERVER_PORT=8095
//   - DATAPUB_BACKEND_DEFAULT_DSN=postgres://localhost/datapub
//   - DATAPUB_MANIFEST_PATH=manifest.csv
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging
	Debug bool `mapstructure:"debug"`
}

// ManifestConfig points at the tabular schema source.
type ManifestConfig struct {
	// Path is the manifest CSV file
	Path string `mapstructure:"path"`
}

// BackendConfig contains storage engine settings.
type BackendConfig struct {
	// DefaultDSN is the internal Postgres store connection string
	DefaultDSN string `mapstructure:"default_dsn"`

	// Sources maps "dataset/resource" keys to external SQL DSNs,
	// overriding the DSNs declared in the manifest
	Sources map[string]string `mapstructure:"sources"`
}

// KeyMapConfig contains the surrogate key store settings.
type KeyMapConfig struct {
	// Path is the embedded keymap database file
	Path string `mapstructure:"path"`
}

// AccessLogConfig contains audit log settings.
type AccessLogConfig struct {
	// Target is the sink: empty disables, "stdout" or a file path
	Target string `mapstructure:"target"`

	// BufferSize is the file sink write buffer in bytes
	BufferSize int `mapstructure:"buffer_size"`
}

// AuthConfig contains token issuing settings.
type AuthConfig struct {
	// Secret signs issued tokens, required to enable the auth server
	Secret string `mapstructure:"secret"`

	// Issuer is the iss claim on issued tokens
	Issuer string `mapstructure:"issuer"`

	// ClientsDir holds the per-client YAML credential files
	ClientsDir string `mapstructure:"clients_dir"`

	// TokenTTL is the issued token lifetime (default: 1h)
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Manifest  ManifestConfig  `mapstructure:"manifest"`
	Backend   BackendConfig   `mapstructure:"backend"`
	KeyMap    KeyMapConfig    `mapstructure:"keymap"`
	AccessLog AccessLogConfig `mapstructure:"accesslog"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets arbitrary default values, keyed by dotted path.
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("manifest.path", "manifest.csv")

	l.v.SetDefault("backend.default_dsn", "")

	l.v.SetDefault("keymap.path", "keymap.db")

	l.v.SetDefault("accesslog.target", "")
	l.v.SetDefault("accesslog.buffer_size", 64*1024)

	l.v.SetDefault("auth.issuer", "datapub")
	l.v.SetDefault("auth.clients_dir", "clients")
	l.v.SetDefault("auth.token_ttl", "1h")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.datapub")
		l.v.AddConfigPath("/etc/datapub")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads the full configuration with standard defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("DATAPUB")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Manifest.Path == "" {
		return fmt.Errorf("manifest path is required")
	}
	return nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
