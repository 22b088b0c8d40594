package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/fleetconf/pkg/backends/netconf"
	"github.com/openfroyo/fleetconf/pkg/backends/restconf"
	"github.com/openfroyo/fleetconf/pkg/catalog"
	"github.com/openfroyo/fleetconf/pkg/config"
	"github.com/openfroyo/fleetconf/pkg/engine"
	"github.com/openfroyo/fleetconf/pkg/policy"
	"github.com/openfroyo/fleetconf/pkg/stores"
	"github.com/openfroyo/fleetconf/pkg/telemetry"
)

// needs lists the collaborators a command uses beyond config and inventory.
type needs struct {
	// devices means the command talks to devices, so backend credentials must be valid.
	devices bool

	// store opens the audit database and records runs and events into it.
	store bool

	// watch reloads the inventory while the command runs.
	watch bool
}

// runtime is everything a command needs, built from the configuration file.
type runtime struct {
	cfg       *config.AppConfig
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	catalog   *catalog.Catalog
	selector  *engine.Selector
	executor  *engine.FleetExecutor
	policy    *policy.Engine
	store     *stores.SQLiteStore
	span      trace.Span
}

// newRuntime loads the configuration and wires the engine for one command.
// The returned context carries the command span. The caller must Close the runtime.
func newRuntime(cmd *cobra.Command, n needs) (context.Context, *runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	applyLogFlags(cfg)
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))

	if n.devices {
		if err := cfg.ValidateBackends(); err != nil {
			return nil, nil, fmt.Errorf("invalid backend configuration: %w", err)
		}
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("cli").Zerolog(),
	}
	ctx, span := tel.Tracer.StartCommandSpan(cmd.Context(), cmd.Name())
	rt.span = span

	if err := rt.init(ctx, n); err != nil {
		rt.Close(err)
		return nil, nil, err
	}
	return ctx, rt, nil
}

func (rt *runtime) init(ctx context.Context, n needs) error {
	cat, err := catalog.New(rt.cfg.Inventory.Path, rt.component("catalog"))
	if err != nil {
		return err
	}
	rt.catalog = cat
	if n.watch && rt.cfg.Inventory.Watch {
		if err := cat.Watch(ctx); err != nil {
			return err
		}
	}

	rt.selector = engine.NewSelector(rt.backends()...)

	if rt.cfg.Policy.Enabled {
		pe, err := policy.NewEngine(rt.component("policy"))
		if err != nil {
			return err
		}
		if len(rt.cfg.Policy.Dirs) > 0 {
			if err := pe.LoadPolicies(ctx, rt.cfg.Policy.Dirs); err != nil {
				return err
			}
		}
		rt.policy = pe
	}

	opts := rt.telemetry.ExecutorOptions()
	if n.store {
		storeLogger := rt.component("store")
		store, err := stores.NewSQLiteStore(stores.Config{
			Path:   rt.cfg.Store.Path,
			Logger: &storeLogger,
		})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		rt.store = store
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		rt.telemetry.Events.Subscribe(store.HandleEvent, nil)
		opts = append(opts, engine.WithRecorder(store))
	}
	if verbose {
		rt.telemetry.Events.Subscribe(rt.telemetry.Logger.NewComponentLogger("events").EventSubscriber(), nil)
	}

	if n.devices {
		errc := make(chan error, 1)
		if err := rt.telemetry.Metrics.StartMetricsServer(errc); err != nil {
			return err
		}
		go func() {
			for err := range errc {
				rt.logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	rt.executor = engine.NewFleetExecutor(rt.catalog, rt.selector, rt.cfg.ExecutorConfig(), opts...)
	return nil
}

// backends builds the enabled protocol adapters.
func (rt *runtime) backends() []engine.Backend {
	var backends []engine.Backend
	if rt.cfg.Backends.NETCONF.Enabled {
		backends = append(backends, netconf.New(rt.cfg.Backends.NETCONF.Config,
			netconf.WithLogger(rt.component("netconf"))))
	}
	if rt.cfg.Backends.RESTCONF.Enabled {
		backends = append(backends, restconf.New(rt.cfg.Backends.RESTCONF.Config,
			restconf.WithLogger(rt.component("restconf"))))
	}
	return backends
}

func (rt *runtime) component(name string) zerolog.Logger {
	return rt.telemetry.Logger.NewComponentLogger(name).Zerolog()
}

// Close drains the event bus into the store before closing it. cmdErr, if
// set, is recorded on the command span.
func (rt *runtime) Close(cmdErr error) {
	telemetry.EndSpan(rt.span, cmdErr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := rt.telemetry.Shutdown(ctx)
	if rt.store != nil {
		err = errors.Join(err, rt.store.Close())
	}
	if err != nil {
		rt.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// gate evaluates the policy engine against plan. A denied plan returns a
// *policy.DeniedError along with the result.
func (rt *runtime) gate(ctx context.Context, plan *engine.ChangePlan, operation string, dryRun bool) (*policy.Result, error) {
	if rt.policy == nil {
		return nil, nil
	}

	fleet := policy.NewFleet(rt.catalog.Snapshot().Devices(), plan, rt.cfg.Engine.Concurrency)
	result, err := rt.policy.EvaluatePlan(ctx, plan, fleet, policy.Context{
		User:      currentUser(),
		Operation: operation,
		DryRun:    dryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, w := range result.Warnings {
		rt.logger.Warn().Str("policy", w.Policy).Str("device", w.Device).Msg(w.Message)
	}
	return result, result.Err(rt.cfg.Policy.FailOnWarning)
}

// audit records an operator action. Failures are only logged.
func (rt *runtime) audit(ctx context.Context, action, target string, details map[string]any) {
	if rt.store == nil {
		return
	}

	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    currentUser(),
		TargetID: &target,
	}
	if len(details) > 0 {
		if data, err := marshalJSON(details); err == nil {
			d := string(data)
			entry.Details = &d
		}
	}
	if err := rt.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		rt.logger.Error().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func applyLogFlags(cfg *config.AppConfig) {
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.Logging.Format = logFormat
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
