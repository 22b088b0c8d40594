package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the fleetconf configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stderr, stdout or a file path appended to.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// TimeFormat is the timestamp encoding of JSON logs.
	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none. With none spans are sampled but dropped.
	Exporter string `yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. localhost:4317.
	Endpoint string `yaml:"endpoint"`

	SamplingRate       float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" validate:"gte=0"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves the registry over HTTP. Empty keeps metrics in-process.
	ListenAddress string `yaml:"listen_address"`

	Path      string    `yaml:"path" validate:"omitempty,startswith=/"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets" validate:"dive,gt=0"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize bounds the async queue; a full queue drops events.
	BufferSize int `yaml:"buffer_size" validate:"required_if=Enabled true,gte=0"`

	// EnableAsync delivers events from a background goroutine instead of the publisher's.
	EnableAsync bool `yaml:"async"`
}

var validate = validator.New()

// DefaultConfig logs at info to stderr, keeps metrics in-process and traces nothing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fleetconf",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "fleetconf",
			// Device steps range from tens of milliseconds to a lock wait of minutes.
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// Validate checks field constraints and the exporter settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("tracing: the otlp exporter requires an endpoint")
	}
	return nil
}
