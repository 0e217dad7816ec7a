// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidManagerID      = errors.New("invalid manager id")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidTransport      = errors.New("invalid transport kind")
	ErrInvalidCodec          = errors.New("invalid envelope codec")
	ErrInvalidFrameSize      = errors.New("invalid max frame size")
	ErrInvalidRingCapacity   = errors.New("invalid ring capacity")
	ErrInvalidComponentType  = errors.New("invalid component type")
	ErrInvalidExecutable     = errors.New("invalid executable")
	ErrInvalidCreateAttempts = errors.New("invalid max create attempts")
	ErrInvalidPrefix         = errors.New("invalid segment prefix")
	ErrInvalidMaxNesting     = errors.New("invalid max nesting")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrConfigValidateError = errors.New("configuration validation error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
)
