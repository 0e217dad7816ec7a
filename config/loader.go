// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "SNIPC"

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{
		".",
		"./config",
		"./configs",
		"/etc/snipc",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".snipc"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file. An empty filename
// yields the defaults plus environment overrides.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	config, err := l.loadFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	return l.loadFromFile(filename)
}

// LoadFromReader loads configuration from an io.Reader. The result is
// merged over the defaults but not validated.
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.mergeConfig(l.defaults(), config), nil
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, _, err := l.findConfigFile()
	if err != nil {
		if errors.Is(err, ErrConfigFileNotFound) {
			return l.finish(l.defaults())
		}
		return nil, err
	}
	return l.loadFromFile(configFile)
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"snipc.yaml", "snipc.yml",
		"config.yaml", "config.yml",
		"snipc.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				format, ok := formatOf(filename)
				if !ok {
					continue
				}
				return fullPath, format, nil
			}
		}
	}

	return "", "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// loadFromFile loads configuration from a file
func (l *Loader) loadFromFile(filename string) (*Config, error) {
	format, ok := formatOf(filename)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported config file format %q", ErrConfigParseError, filepath.Ext(filename))
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}

	// Merge with default config to fill missing fields
	return l.finish(l.mergeConfig(l.defaults(), config))
}

// finish applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// parseConfig parses configuration data based on format
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := &Config{}

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: YAML: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: JSON: %w", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %s", ErrConfigParseError, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	// App configuration
	if val := l.env("APP_NAME"); val != "" {
		config.App.Name = val
	}
	if val := l.env("APP_ENVIRONMENT"); val != "" {
		config.App.Environment = Environment(val)
	}
	if val := l.env("APP_MANAGER_ID"); val != "" {
		id, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return fmt.Errorf("%w: %s_APP_MANAGER_ID=%q", ErrEnvironmentVarError, l.envPrefix, val)
		}
		config.App.ManagerID = uint32(id)
	}

	// Log configuration
	if val := l.env("LOG_LEVEL"); val != "" {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	if val := l.env("LOG_FORMAT"); val != "" {
		config.Log.Format = val
	}
	if val := l.env("LOG_OUTPUT"); val != "" {
		config.Log.Output = val
	}

	// Transport configuration
	if val := l.env("TRANSPORT_KIND"); val != "" {
		config.Transport.Kind = val
	}
	if val := l.env("TRANSPORT_CODEC"); val != "" {
		config.Transport.Codec = val
	}
	if val := l.env("TRANSPORT_RING_CAPACITY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s_TRANSPORT_RING_CAPACITY=%q", ErrEnvironmentVarError, l.envPrefix, val)
		}
		config.Transport.RingCapacity = n
	}

	// Shared memory configuration
	if val := l.env("SHM_DIR"); val != "" {
		config.SharedMemory.Dir = val
	}

	// Loop configuration
	if val := l.env("LOOP_MAX_NESTING"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s_LOOP_MAX_NESTING=%q", ErrEnvironmentVarError, l.envPrefix, val)
		}
		config.Loop.MaxNesting = n
	}

	return nil
}

func (l *Loader) env(name string) string {
	return os.Getenv(l.envPrefix + "_" + name)
}

// mergeConfig merges user config with default config
func (l *Loader) mergeConfig(defaultConfig, userConfig *Config) *Config {
	// Start with default config
	merged := defaultConfig.Clone()

	// App config
	if userConfig.App.Name != "" {
		merged.App.Name = userConfig.App.Name
	}
	if userConfig.App.Environment != "" {
		merged.App.Environment = userConfig.App.Environment
	}
	if userConfig.App.ManagerID != 0 {
		merged.App.ManagerID = userConfig.App.ManagerID
	}

	// Log config
	if userConfig.Log.Level != "" {
		merged.Log.Level = userConfig.Log.Level
	}
	if userConfig.Log.Format != "" {
		merged.Log.Format = userConfig.Log.Format
	}
	if userConfig.Log.Output != "" {
		merged.Log.Output = userConfig.Log.Output
	}

	// Transport config
	if userConfig.Transport.Kind != "" {
		merged.Transport.Kind = userConfig.Transport.Kind
	}
	if userConfig.Transport.Codec != "" {
		merged.Transport.Codec = userConfig.Transport.Codec
	}
	if userConfig.Transport.MaxFrameSize != 0 {
		merged.Transport.MaxFrameSize = userConfig.Transport.MaxFrameSize
	}
	if userConfig.Transport.RingCapacity != 0 {
		merged.Transport.RingCapacity = userConfig.Transport.RingCapacity
	}
	if userConfig.Transport.WriteTimeout != 0 {
		merged.Transport.WriteTimeout = userConfig.Transport.WriteTimeout
	}

	// Process config
	for name, exe := range userConfig.Process.Executables {
		merged.Process.Executables[name] = exe
	}
	if userConfig.Process.HandshakeTimeout != 0 {
		merged.Process.HandshakeTimeout = userConfig.Process.HandshakeTimeout
	}
	if userConfig.Process.KillWait != 0 {
		merged.Process.KillWait = userConfig.Process.KillWait
	}

	// Shared memory config
	if userConfig.SharedMemory.Dir != "" {
		merged.SharedMemory.Dir = userConfig.SharedMemory.Dir
	}
	if userConfig.SharedMemory.MaxCreateAttempts != 0 {
		merged.SharedMemory.MaxCreateAttempts = userConfig.SharedMemory.MaxCreateAttempts
	}
	if userConfig.SharedMemory.Prefix != "" {
		merged.SharedMemory.Prefix = userConfig.SharedMemory.Prefix
	}

	// Loop config
	if userConfig.Loop.MaxNesting != 0 {
		merged.Loop.MaxNesting = userConfig.Loop.MaxNesting
	}
	if userConfig.Loop.PumpTimeout != 0 {
		merged.Loop.PumpTimeout = userConfig.Loop.PumpTimeout
	}

	return merged
}
