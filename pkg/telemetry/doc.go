// Package telemetry provides observability for fleetconf runs.
//
// It bundles structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics and an in-process event bus behind a single Telemetry value.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	exec := engine.NewFleetExecutor(catalog, selector, cfg, tel.ExecutorOptions()...)
//
// # Logging
//
// Logger wraps zerolog with the fields used across the engine:
//
//	logger := tel.Logger.NewComponentLogger("cli").WithRunID(runID).WithDeviceID("r1")
//	logger.Infof("device %s committed", "r1")
//
// Packages below the CLI take a plain zerolog.Logger; Logger.Zerolog hands one out.
//
// # Metrics
//
// Metrics implements engine.Observer and registers, under the configured namespace:
//
//   - fleet_runs_total{verdict}, fleet_run_duration_seconds
//   - transactions_total{backend,outcome}, transaction_duration_seconds{backend}
//   - step_duration_seconds{backend,step}, step_attempts_total{backend,step,result}
//   - rollbacks_total{kind,result}, indeterminate_total
//   - inflight_transactions, events_published_total{type}
//
// The last two are fed from the event bus through Metrics.HandleEvent.
//
// # Tracing
//
// When enabled, the tracer provider is installed globally so the engine's
// fleet.execute, device.transaction and step.* spans are exported through the
// stdout or OTLP gRPC exporter.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive events in
// publish order, optionally filtered:
//
//	tel.Events.Subscribe(printProgress, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
