// Package config handles runtime configuration for sluice-runtime.
//
// Configuration is an explicit value threaded through construction of the
// scheduler, store client and sidecar — never ambient process state. A YAML
// file provides defaults; CLI flags always override file values.
package config

import (
	"fmt"
	"time"
)

// Runtime holds the process-wide runtime switches.
type Runtime struct {
	// SkipRealTriggers replaces provider invocations with simulated-trigger
	// log lines. Intended for tests and dry runs.
	SkipRealTriggers bool `yaml:"skip_real_triggers"`

	// UseLocalFileSystem redirects put-file writes under LocalFileSystemDir
	// instead of the object store.
	UseLocalFileSystem bool `yaml:"use_local_file_system"`

	// LocalFileSystemDir is the root directory for local-filesystem mode.
	LocalFileSystemDir string `yaml:"local_file_system_dir"`

	// TransportErrorsFatal keeps the historical contract where an OpenWhisk
	// connection error aborts the whole dispatch. Disable for a uniform
	// log-and-continue policy across drivers.
	TransportErrorsFatal bool `yaml:"transport_errors_fatal"`

	// HTTPTimeout bounds every outbound provider call.
	HTTPTimeout Duration `yaml:"http_timeout"`

	// ServerPort is the loopback port for the RPC sidecar.
	ServerPort int `yaml:"server_port"`
}

// Default returns the runtime configuration with documented defaults.
func Default() Runtime {
	return Runtime{
		TransportErrorsFatal: true,
		HTTPTimeout:          Duration{30 * time.Second},
		ServerPort:           8000,
	}
}

// Validate checks configuration consistency.
func (r *Runtime) Validate() error {
	if r.UseLocalFileSystem && r.LocalFileSystemDir == "" {
		return fmt.Errorf("config: use_local_file_system requires local_file_system_dir")
	}
	if r.ServerPort < 1 || r.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range", r.ServerPort)
	}
	if r.HTTPTimeout.Duration <= 0 {
		return fmt.Errorf("config: http_timeout must be positive")
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
