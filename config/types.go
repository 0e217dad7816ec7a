// Package config provides configuration management for snipc
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/shm"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Duration is a time.Duration written as "250ms" or "5s" in config files
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the string representation of Duration
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %q", value.Value)
	}
	return d.parse(value.Value)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("invalid duration %s", data)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the complete snipc configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Transport configuration
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Component process configuration
	Process ProcessConfig `yaml:"process" json:"process"`

	// Shared memory configuration
	SharedMemory SharedMemoryConfig `yaml:"shared_memory" json:"shared_memory"`

	// Event loop configuration
	Loop LoopConfig `yaml:"loop" json:"loop"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Manager id of the root process
	ManagerID uint32 `yaml:"manager_id" json:"manager_id"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// TransportConfig selects how component processes are connected
type TransportConfig struct {
	// Transport kind (pipe, ring)
	Kind string `yaml:"kind" json:"kind"`

	// Envelope codec (binary, msgpack)
	Codec string `yaml:"codec" json:"codec"`

	// Largest frame accepted from a peer
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`

	// Data capacity of each shared memory ring
	RingCapacity int `yaml:"ring_capacity" json:"ring_capacity"`

	// Bound on a blocked ring write
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// ExecutableConfig describes how a component type is launched
type ExecutableConfig struct {
	Path string   `yaml:"path" json:"path"`
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env  []string `yaml:"env,omitempty" json:"env,omitempty"`
}

// ProcessConfig contains component process settings
type ProcessConfig struct {
	// Executables by component type name
	Executables map[string]ExecutableConfig `yaml:"executables,omitempty" json:"executables,omitempty"`

	// How long a child may take to handshake
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// How long to wait for a killed child to be reaped
	KillWait Duration `yaml:"kill_wait" json:"kill_wait"`
}

// SharedMemoryConfig contains shared memory settings
type SharedMemoryConfig struct {
	// Directory holding segment files
	Dir string `yaml:"dir" json:"dir"`

	// Identifier collisions tolerated before giving up
	MaxCreateAttempts int `yaml:"max_create_attempts" json:"max_create_attempts"`

	// Segment name prefix
	Prefix string `yaml:"prefix" json:"prefix"`
}

// LoopConfig contains event loop settings
type LoopConfig struct {
	// Bound on nested PumpNow calls
	MaxNesting int `yaml:"max_nesting" json:"max_nesting"`

	// Upper bound of a single PumpNow call
	PumpTimeout Duration `yaml:"pump_timeout" json:"pump_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "snipc",
			Environment: EnvDevelopment,
			ManagerID:   1,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Transport: TransportConfig{
			Kind:         network.TransportPipe.String(),
			Codec:        string(network.CodecBinary),
			MaxFrameSize: network.DefaultMaxFrameSize,
			RingCapacity: network.DefaultRingCapacity,
			WriteTimeout: Duration(30 * time.Second),
		},
		Process: ProcessConfig{
			Executables:      make(map[string]ExecutableConfig),
			HandshakeTimeout: Duration(10 * time.Second),
			KillWait:         Duration(5 * time.Second),
		},
		SharedMemory: SharedMemoryConfig{
			Dir:               shm.DefaultDir(),
			MaxCreateAttempts: shm.DefaultMaxCreateAttempts,
			Prefix:            shm.DefaultPrefix,
		},
		Loop: LoopConfig{
			MaxNesting:  8,
			PumpTimeout: Duration(100 * time.Millisecond),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}
	if c.App.ManagerID == 0 {
		return ErrInvalidManagerID
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}

	// Validate transport config
	if _, err := network.ParseTransportKind(c.Transport.Kind); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTransport, c.Transport.Kind)
	}
	if !network.CodecKind(c.Transport.Codec).IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidCodec, c.Transport.Codec)
	}
	if c.Transport.MaxFrameSize <= network.MessageHeaderSize {
		return ErrInvalidFrameSize
	}
	if c.Transport.RingCapacity < 64 {
		return ErrInvalidRingCapacity
	}

	// Validate process config
	for name, exe := range c.Process.Executables {
		if _, err := core.ParseComponentType(name); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidComponentType, name)
		}
		if exe.Path == "" {
			return fmt.Errorf("%w: %s has no path", ErrInvalidExecutable, name)
		}
	}

	// Validate shared memory config
	if c.SharedMemory.MaxCreateAttempts <= 0 {
		return ErrInvalidCreateAttempts
	}
	if strings.ContainsAny(c.SharedMemory.Prefix, "./,") {
		return fmt.Errorf("%w: %q", ErrInvalidPrefix, c.SharedMemory.Prefix)
	}

	// Validate loop config
	if c.Loop.MaxNesting <= 0 {
		return ErrInvalidMaxNesting
	}

	return nil
}

// Clone returns a deep copy of c
func (c *Config) Clone() *Config {
	clone := *c
	clone.Process.Executables = make(map[string]ExecutableConfig, len(c.Process.Executables))
	for name, exe := range c.Process.Executables {
		exe.Args = append([]string(nil), exe.Args...)
		exe.Env = append([]string(nil), exe.Env...)
		clone.Process.Executables[name] = exe
	}
	return &clone
}

// TransportKind returns the configured transport kind
func (c *Config) TransportKind() network.TransportKind {
	kind, _ := network.ParseTransportKind(c.Transport.Kind)
	return kind
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// GetLogLevel returns the log level
func (c *Config) GetLogLevel() LogLevel {
	return c.Log.Level
}
