package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fleetconf/pkg/backends/netconf"
	"github.com/openfroyo/fleetconf/pkg/backends/restconf"
	"github.com/openfroyo/fleetconf/pkg/engine"
	"github.com/openfroyo/fleetconf/pkg/telemetry"
)

// Environment variables that override credentials from the config file.
const (
	EnvNETCONFPassword  = "FLEETCONF_NETCONF_PASSWORD"
	EnvRESTCONFPassword = "FLEETCONF_RESTCONF_PASSWORD"
)

// AppConfig is the fleetconf configuration file.
type AppConfig struct {
	Engine    EngineConfig       `yaml:"engine"`
	Retry     engine.RetryPolicy `yaml:"retry" validate:"-"`
	Inventory InventoryConfig    `yaml:"inventory"`
	Backends  BackendsConfig     `yaml:"backends" validate:"-"`
	Store     StoreConfig        `yaml:"store"`
	Policy    PolicyConfig       `yaml:"policy"`
	Telemetry telemetry.Config   `yaml:"telemetry" validate:"-"`
}

// EngineConfig tunes fleet execution.
type EngineConfig struct {
	// Concurrency is the default number of devices in flight; a plan may lower or raise it.
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// FleetTimeout bounds a run whose plan has no deadline. Zero means none.
	FleetTimeout time.Duration `yaml:"fleet_timeout" validate:"min=0"`

	// StepTimeout bounds a single backend call.
	StepTimeout time.Duration `yaml:"step_timeout" validate:"min=0"`

	// LockWait is how long a transaction keeps retrying a denied lock.
	LockWait time.Duration `yaml:"lock_wait" validate:"min=0"`

	// VerifyAfterCommit re-reads edited paths after commit and after rollback.
	VerifyAfterCommit bool `yaml:"verify_after_commit"`

	// RollbackTimeout bounds fleet compensation.
	RollbackTimeout time.Duration `yaml:"rollback_timeout" validate:"gt=0"`
}

// InventoryConfig locates the device inventory.
type InventoryConfig struct {
	Path  string `yaml:"path" validate:"required"`
	Watch bool   `yaml:"watch"`
}

// BackendsConfig holds the protocol adapters' settings.
type BackendsConfig struct {
	NETCONF  NETCONFConfig  `yaml:"netconf"`
	RESTCONF RESTCONFConfig `yaml:"restconf"`
}

// NETCONFConfig enables and configures the NETCONF backend.
type NETCONFConfig struct {
	Enabled        bool `yaml:"enabled"`
	netconf.Config `yaml:",inline"`
}

// RESTCONFConfig enables and configures the RESTCONF backend.
type RESTCONFConfig struct {
	Enabled         bool `yaml:"enabled"`
	restconf.Config `yaml:",inline"`
}

// StoreConfig locates the audit database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// PolicyConfig configures the plan policy gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dirs are extra directories of .rego files loaded next to the built-in rules.
	Dirs []string `yaml:"dirs" validate:"dive,required"`

	// FailOnWarning rejects plans that only raise warnings.
	FailOnWarning bool `yaml:"fail_on_warning"`
}

var validate = validator.New()

// DefaultAppConfig returns a configuration that works against a local inventory.
func DefaultAppConfig() *AppConfig {
	exec := engine.DefaultExecutorConfig()
	return &AppConfig{
		Engine: EngineConfig{
			Concurrency:       exec.Concurrency,
			FleetTimeout:      exec.FleetTimeout,
			StepTimeout:       exec.Coordinator.StepTimeout,
			LockWait:          exec.Coordinator.LockWait,
			VerifyAfterCommit: exec.Coordinator.VerifyAfterCommit,
			RollbackTimeout:   exec.RollbackTimeout,
		},
		Retry:     engine.DefaultRetryPolicy(),
		Inventory: InventoryConfig{Path: "inventory.yaml"},
		Backends: BackendsConfig{
			NETCONF:  NETCONFConfig{Enabled: true, Config: netconf.DefaultConfig()},
			RESTCONF: RESTCONFConfig{Enabled: true, Config: restconf.DefaultConfig()},
		},
		Store:     StoreConfig{Path: "fleetconf.db"},
		Policy:    PolicyConfig{Enabled: true},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path over the defaults. An empty path
// yields the defaults. Credentials from the environment win over the file.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv copies credentials from the environment into the backend settings.
func (c *AppConfig) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvNETCONFPassword); ok {
		c.Backends.NETCONF.Password = v
	}
	if v, ok := os.LookupEnv(EnvRESTCONFPassword); ok {
		c.Backends.RESTCONF.Password = v
	}
}

// Validate reports every invalid field.
func (c *AppConfig) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, fmt.Errorf("invalid config: %w", err))
	}
	if err := validateRetry(c.Retry); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	if !c.Backends.NETCONF.Enabled && !c.Backends.RESTCONF.Enabled {
		errs = append(errs, fmt.Errorf("backends: at least one backend must be enabled"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// ValidateBackends checks the settings of every enabled backend, credentials
// included. Commands that never touch a device skip it.
func (c *AppConfig) ValidateBackends() error {
	var errs []error
	if c.Backends.NETCONF.Enabled {
		if err := c.Backends.NETCONF.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("backends.netconf: %w", err))
		}
	}
	if c.Backends.RESTCONF.Enabled {
		if err := c.Backends.RESTCONF.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("backends.restconf: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateRetry(p engine.RetryPolicy) error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1")
	case p.InitialInterval <= 0:
		return fmt.Errorf("initial_interval must be positive")
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("max_interval must not be below initial_interval")
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1")
	case p.RandomizationFactor < 0 || p.RandomizationFactor > 1:
		return fmt.Errorf("randomization_factor must be between 0 and 1")
	case p.MaxElapsed < 0:
		return fmt.Errorf("max_elapsed must not be negative")
	}
	return nil
}

// ExecutorConfig converts the engine and retry sections for engine.NewFleetExecutor.
func (c *AppConfig) ExecutorConfig() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		Concurrency:     c.Engine.Concurrency,
		FleetTimeout:    c.Engine.FleetTimeout,
		RollbackTimeout: c.Engine.RollbackTimeout,
		Coordinator: engine.CoordinatorConfig{
			Retry:             c.Retry,
			LockWait:          c.Engine.LockWait,
			StepTimeout:       c.Engine.StepTimeout,
			VerifyAfterCommit: c.Engine.VerifyAfterCommit,
		},
	}
}
