// Package config loads the JSON settings file shared by the unwind
// diagnostic front ends.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tombergan/unwinddiag/corefile"
	"github.com/tombergan/unwinddiag/unwind"
)

// DefaultMaxWalkFrames bounds the simple stack walk when neither the file
// nor the command line sets a limit.
const DefaultMaxWalkFrames = 1024

// Config holds the settings. Zero values mean "use the default".
type Config struct {
	// MaxWalkFrames bounds the frame-pointer walk of each report.
	MaxWalkFrames uint `json:"maxWalkFrames,omitempty"`
	// SymbolCacheSize is the number of resolved addresses cached per core.
	SymbolCacheSize int `json:"symbolCacheSize,omitempty"`
	// DisassembleLimit bounds the bytes decoded per function.
	DisassembleLimit int `json:"disassembleLimit,omitempty"`
	// Sysroot is prepended to the module paths recorded in a core.
	Sysroot string `json:"sysroot,omitempty"`
	// HostVersion overrides the version string a core session advertises.
	HostVersion string `json:"hostVersion,omitempty"`
	DebugLevel  int    `json:"debugLevel,omitempty"`
}

// Default returns the settings used without a config file.
func Default() *Config {
	return &Config{MaxWalkFrames: DefaultMaxWalkFrames}
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a configuration. Fields missing from data
// keep their defaults.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func validate(config *Config) error {
	if config.SymbolCacheSize < 0 {
		return fmt.Errorf("symbolCacheSize %d is negative", config.SymbolCacheSize)
	}
	if config.DisassembleLimit < 0 {
		return fmt.Errorf("disassembleLimit %d is negative", config.DisassembleLimit)
	}
	if config.DebugLevel < 0 || config.DebugLevel > 2 {
		return fmt.Errorf("debugLevel %d out of range [0, 2]", config.DebugLevel)
	}
	if config.Sysroot != "" {
		info, err := os.Stat(config.Sysroot)
		if err != nil {
			return fmt.Errorf("sysroot: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sysroot %q is not a directory", config.Sysroot)
		}
	}
	return nil
}

// OpenOptions returns the options for opening a core whose executable is
// at execPath, which may be empty.
func (c *Config) OpenOptions(execPath string) *corefile.OpenOptions {
	return &corefile.OpenOptions{
		ExecutablePath:  execPath,
		SysRoot:         c.Sysroot,
		SymbolCacheSize: c.SymbolCacheSize,
	}
}

// SessionOptions returns the options for a core session.
func (c *Config) SessionOptions() *corefile.SessionOptions {
	return &corefile.SessionOptions{
		HostVersion:      c.HostVersion,
		DisassembleLimit: c.DisassembleLimit,
	}
}

// ReportOptions returns the options for unwind.Diagnose.
func (c *Config) ReportOptions() *unwind.Options {
	return &unwind.Options{MaxWalkFrames: c.MaxWalkFrames}
}

// InstallDebugLogf installs a logging hook at the configured level in the unwind
// and corefile packages. Level 0 leaves logging off.
func (c *Config) InstallDebugLogf(logf func(format string, args ...interface{})) {
	if c.DebugLevel <= 0 {
		return
	}
	hook := func(level int, format string, args ...interface{}) {
		if level <= c.DebugLevel {
			logf(format, args...)
		}
	}
	unwind.DebugLogf = hook
	corefile.DebugLogf = hook
}
