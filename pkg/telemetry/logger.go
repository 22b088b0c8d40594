package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Logger is a zerolog logger carrying the identifiers fleetconf logs are keyed by.
type Logger struct {
	zerolog.Logger
}

// NewLogger opens the configured output and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewLoggerWithWriter(cfg, w), nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewLoggerWithWriter builds a logger writing to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{Logger: zctx.Logger()}
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

// FromContext returns the logger stored by WithContext, or a disabled one.
func FromContext(ctx context.Context) *Logger {
	return &Logger{Logger: *zerolog.Ctx(ctx)}
}

// Zerolog returns the underlying zerolog logger, for packages that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.Logger
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger { return l.with("component", component) }

func (l *Logger) WithPlanID(planID string) *Logger     { return l.with("plan_id", planID) }
func (l *Logger) WithRunID(runID string) *Logger       { return l.with("run_id", runID) }
func (l *Logger) WithDeviceID(deviceID string) *Logger { return l.with("device", deviceID) }
func (l *Logger) WithTxnID(txnID string) *Logger       { return l.with("txn_id", txnID) }
func (l *Logger) WithBackend(backend string) *Logger   { return l.with("backend", backend) }

func (l *Logger) Debugf(format string, args ...any) { l.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Error().Msgf(format, args...) }

// EventSubscriber writes every engine event to the log at the event's level.
// Step and retry events go out at debug.
func (l *Logger) EventSubscriber() EventSubscriber {
	return func(e engine.Event) {
		level := eventLogLevel(e)
		ev := l.WithLevel(level)
		if ev == nil {
			return
		}
		ev = ev.Str("event", string(e.Type)).Str("run_id", e.RunID)
		if e.DeviceID != "" {
			ev = ev.Str("device", e.DeviceID)
		}
		if len(e.Details) > 0 {
			ev = ev.Fields(e.Details)
		}
		ev.Msg(e.Message)
	}
}

func eventLogLevel(e engine.Event) zerolog.Level {
	switch {
	case e.Type == engine.EventTypeDeviceStep, e.Type == engine.EventTypeDeviceRetry:
		return zerolog.DebugLevel
	case e.Level == EventLevelError:
		return zerolog.ErrorLevel
	case e.Level == EventLevelWarning:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// ParseLevel converts a level name to a zerolog level. Unknown or empty names
// mean info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
