package restconf

import (
	"fmt"
	"time"
)

// Config holds RESTCONF connection settings shared by every device.
type Config struct {
	// Scheme is http or https (default: https)
	Scheme string `yaml:"scheme" validate:"omitempty,oneof=http https"`

	// Port is used when a device sets no RESTCONF port (default: 443)
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// RootPath is the RESTCONF API root (default: /restconf)
	RootPath string `yaml:"root_path"`

	// Username and Password are sent with HTTP basic authentication
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// InsecureSkipVerify disables TLS certificate verification (lab devices only)
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Timeout bounds a single HTTP exchange
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Scheme:   "https",
		Port:     443,
		RootPath: "/restconf",
		Timeout:  30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("invalid scheme: %q", c.Scheme)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	def := DefaultConfig()
	if out.Scheme == "" {
		out.Scheme = def.Scheme
	}
	if out.Port == 0 {
		out.Port = def.Port
	}
	if out.RootPath == "" {
		out.RootPath = def.RootPath
	}
	if out.Timeout == 0 {
		out.Timeout = def.Timeout
	}
	return out
}
