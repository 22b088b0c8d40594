package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ExecutorConfig tunes fleet execution.
type ExecutorConfig struct {
	// Concurrency is the default number of devices in flight.
	Concurrency int

	// FleetTimeout bounds a whole run when the plan sets no deadline. Zero means none.
	FleetTimeout time.Duration

	// RollbackTimeout bounds the compensation phase, which ignores fleet cancellation.
	RollbackTimeout time.Duration

	// Coordinator configures every per-device transaction.
	Coordinator CoordinatorConfig
}

// DefaultExecutorConfig returns the default fleet settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Concurrency:     10,
		FleetTimeout:    30 * time.Minute,
		RollbackTimeout: 10 * time.Minute,
		Coordinator:     DefaultCoordinatorConfig(),
	}
}

// target is a device resolved and bound to a backend before dispatch.
type target struct {
	device  Device
	backend Backend
	plan    *DevicePlan
}

// FleetExecutor fans a change plan out to per-device transactions with bounded
// concurrency, honoring the plan's dependency DAG, and aggregates the outcome.
// Cross-device atomicity is best-effort: committed devices are reverted through
// compensating transactions, not a two-phase commit.
type FleetExecutor struct {
	catalog     CapabilityCatalog
	selector    *Selector
	coordinator *Coordinator
	cfg         ExecutorConfig
	logger      zerolog.Logger
	observer    Observer
	events      EventPublisher
	recorder    RunRecorder
	tracer      trace.Tracer
}

// ExecutorOption configures a FleetExecutor.
type ExecutorOption func(*FleetExecutor)

// WithLogger sets the executor and coordinator logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *FleetExecutor) { e.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *FleetExecutor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) ExecutorOption {
	return func(e *FleetExecutor) { e.events = p }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r RunRecorder) ExecutorOption {
	return func(e *FleetExecutor) { e.recorder = r }
}

// NewFleetExecutor creates a fleet executor.
func NewFleetExecutor(
	catalog CapabilityCatalog,
	selector *Selector,
	cfg ExecutorConfig,
	opts ...ExecutorOption,
) *FleetExecutor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	e := &FleetExecutor{
		catalog:  catalog,
		selector: selector,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.coordinator = NewCoordinator(cfg.Coordinator,
		WithCoordinatorLogger(e.logger.With().Str("component", "coordinator").Logger()),
		WithCoordinatorObserver(e.observer),
		WithCoordinatorEvents(e.events),
	)
	return e
}

// Resolve validates the plan and binds every device to a backend without device I/O.
// It is the plan-level check Execute performs before dispatch.
func (e *FleetExecutor) Resolve(plan *ChangePlan) (*DeviceGraph, map[string]Protocol, error) {
	graph, targets, err := e.prepare(plan)
	if err != nil {
		return nil, nil, err
	}
	selected := make(map[string]Protocol, len(targets))
	for id, t := range targets {
		selected[id] = t.backend.Protocol()
	}
	return graph, selected, nil
}

func (e *FleetExecutor) prepare(plan *ChangePlan) (*DeviceGraph, map[string]*target, error) {
	graph, err := ValidatePlan(plan)
	if err != nil {
		return nil, nil, err
	}

	targets := make(map[string]*target, len(plan.Devices))
	for i := range plan.Devices {
		dp := &plan.Devices[i]
		device, err := e.catalog.Lookup(dp.DeviceID)
		if err != nil {
			return nil, nil, NewFatalError("device not found in catalog", err).
				WithCode(ErrCodeUnknownDevice).WithDevice(dp.DeviceID)
		}
		backend, err := e.selector.Select(device, RequirementFor(dp.Edits))
		if err != nil {
			return nil, nil, err
		}
		targets[dp.DeviceID] = &target{device: device, backend: backend, plan: dp}
	}
	return graph, targets, nil
}

// Execute submits a change plan and returns the fleet result. Structurally
// invalid plans, unknown devices and devices with no compatible backend are
// rejected with an error before any device I/O. Per-device failures never
// produce an error; they are reported in the result.
func (e *FleetExecutor) Execute(ctx context.Context, plan *ChangePlan) (*FleetResult, error) {
	graph, targets, err := e.prepare(plan)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger := e.logger.With().Str("run_id", runID).Str("plan_id", plan.ID).Logger()

	deadline := plan.Deadline
	if deadline == 0 {
		deadline = e.cfg.FleetTimeout
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "fleet.execute", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("plan.id", plan.ID),
		attribute.Int("devices", len(plan.Devices)),
	))
	defer span.End()

	concurrency := e.cfg.Concurrency
	if plan.Concurrency > 0 {
		concurrency = plan.Concurrency
	}

	result := &FleetResult{
		RunID:                runID,
		PlanID:               plan.ID,
		RollbackOnAnyFailure: plan.RollbackPolicy(),
		StartedAt:            time.Now(),
	}

	logger.Info().
		Int("devices", len(plan.Devices)).
		Int("concurrency", concurrency).
		Bool("rollback_on_any_failure", result.RollbackOnAnyFailure).
		Msg("Starting fleet run")
	e.publish(runCtx, runID, "", EventTypeRunStarted, fmt.Sprintf("Run started for plan %s", plan.ID), "info", nil)

	results := e.dispatch(runCtx, runID, plan, graph, targets, concurrency)
	result.Cancelled = runCtx.Err() != nil

	if result.RollbackOnAnyFailure {
		if failed := notCommitted(plan, results); len(failed) > 0 {
			reason := fmt.Sprintf("reverted because %s did not commit", strings.Join(failed, ", "))
			e.compensate(runCtx, runID, graph.Levels, targets, results, concurrency, reason)
		}
	}

	for _, id := range plan.DeviceIDs() {
		result.Devices = append(result.Devices, *results[id])
	}
	result.Verdict = ComputeVerdict(result.Devices)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	span.SetAttributes(attribute.String("verdict", string(result.Verdict)))
	if !result.Succeeded() {
		span.SetStatus(codes.Error, string(result.Verdict))
	}

	e.observer.ObserveFleet(result)
	e.report(ctx, logger, plan, result)
	return result, nil
}

// dispatch runs devices in topological order. A device is dispatched once all
// of its dependencies committed; a device whose dependency did not commit is
// skipped together with everything downstream of it.
func (e *FleetExecutor) dispatch(
	ctx context.Context,
	runID string,
	plan *ChangePlan,
	graph *DeviceGraph,
	targets map[string]*target,
	concurrency int,
) map[string]*DeviceResult {
	total := len(plan.Devices)
	if concurrency > total {
		concurrency = total
	}

	results := make(map[string]*DeviceResult, total)
	remaining := make(map[string]int, total)
	queue := make([]string, 0, total)
	for _, id := range plan.DeviceIDs() {
		remaining[id] = len(graph.Nodes[id].Dependencies)
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	done := make(chan *DeviceResult, total)
	var g errgroup.Group
	g.SetLimit(concurrency)

	record := func(res *DeviceResult) {
		results[res.DeviceID] = res
		e.observer.ObserveTransaction(res)
		e.publish(ctx, runID, res.DeviceID, EventTypeDeviceSkipped, res.Reason, "warning", nil)
	}
	// skip marks id and everything downstream of it. No descendant of an
	// unresolved device can have been dispatched yet.
	skip := func(id string, err *EngineError) {
		if _, ok := results[id]; ok {
			return
		}
		record(skippedResult(id, err))
		for _, dep := range graph.Descendants(id) {
			if _, ok := results[dep]; ok {
				continue
			}
			record(skippedResult(dep, NewFatalError(fmt.Sprintf("upstream device %s did not commit", id), nil).
				WithCode(ErrCodeDependencyFailed)))
		}
	}

	inflight := 0
	for len(results) < total {
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, ok := results[id]; ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				skip(id, NewFatalError("fleet operation cancelled before dispatch", err).
					WithCode(ErrCodeCancelled))
				continue
			}

			t := targets[id]
			inflight++
			e.publish(ctx, runID, id, EventTypeDeviceDispatched,
				fmt.Sprintf("Dispatching %s via %s", id, t.backend.Protocol()), "info", nil)
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					done <- skippedResult(t.device.ID, NewFatalError("fleet operation cancelled before dispatch", err).
						WithCode(ErrCodeCancelled))
					return nil
				}
				done <- e.coordinator.Execute(ctx, runID, t.device, t.backend, t.plan.Edits)
				return nil
			})
		}

		if len(results) >= total {
			break
		}
		if inflight == 0 {
			// Unreachable for a validated DAG; keep the run terminating regardless.
			for _, id := range plan.DeviceIDs() {
				skip(id, NewFatalError("device never became ready", nil).WithCode(ErrCodeInternal))
			}
			break
		}

		res := <-done
		inflight--
		results[res.DeviceID] = res
		e.logResult(res)
		if res.Outcome == OutcomeSkipped {
			e.observer.ObserveTransaction(res)
		}
		e.publish(ctx, runID, res.DeviceID, EventTypeDeviceCompleted,
			fmt.Sprintf("%s finished: %s", res.DeviceID, res.Outcome), levelFor(res.Outcome),
			map[string]interface{}{"outcome": string(res.Outcome), "reason": res.Reason})

		for _, dep := range graph.Nodes[res.DeviceID].Dependents {
			if res.Outcome != OutcomeCommitted {
				skip(dep, NewFatalError(fmt.Sprintf("dependency %s did not commit", res.DeviceID), nil).
					WithCode(ErrCodeDependencyFailed))
				continue
			}
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	_ = g.Wait()
	return results
}

// compensate reverts committed devices once a sibling failed. Dependents are
// reverted before their dependencies, level by level in reverse.
func (e *FleetExecutor) compensate(
	ctx context.Context,
	runID string,
	levels [][]string,
	targets map[string]*target,
	results map[string]*DeviceResult,
	concurrency int,
	reason string,
) {
	rctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if e.cfg.RollbackTimeout > 0 {
		rctx, cancel = context.WithTimeout(rctx, e.cfg.RollbackTimeout)
	}
	defer cancel()

	rctx, span := e.tracer.Start(rctx, "fleet.compensate")
	defer span.End()

	var mu sync.Mutex
	for i := len(levels) - 1; i >= 0; i-- {
		// Snapshot the level's committed devices before any worker writes results.
		var committed []*DeviceResult
		for _, id := range levels[i] {
			if prior := results[id]; prior != nil && prior.Outcome == OutcomeCommitted {
				committed = append(committed, prior)
			}
		}

		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, prior := range committed {
			t := targets[prior.DeviceID]
			backend := t.backend
			if b, ok := e.selector.Backend(prior.Backend); ok {
				backend = b
			}

			g.Go(func() error {
				reverted := e.coordinator.Revert(rctx, runID, t.device, backend, prior, reason)
				mu.Lock()
				results[t.device.ID] = reverted
				mu.Unlock()

				e.logResult(reverted)
				e.publish(rctx, runID, t.device.ID, EventTypeDeviceCompensated,
					fmt.Sprintf("%s compensated: %s", t.device.ID, reverted.Outcome), levelFor(reverted.Outcome),
					map[string]interface{}{"outcome": string(reverted.Outcome)})
				return nil
			})
		}
		_ = g.Wait()
	}
}

// Revert restores every device that committed in a previous run to the backup
// recorded for it. plan, when given, orders the reverts by its dependency DAG.
func (e *FleetExecutor) Revert(ctx context.Context, plan *ChangePlan, prior *FleetResult) (*FleetResult, error) {
	if prior == nil {
		return nil, NewFatalError("no run to revert", nil).WithCode(ErrCodeInvalidPlan)
	}

	levels := [][]string{prior.deviceOrder()}
	if plan != nil {
		graph, err := NewDAGBuilder().BuildGraph(plan.Devices)
		if err != nil {
			return nil, err
		}
		levels = graph.Levels
	}

	targets := make(map[string]*target)
	results := make(map[string]*DeviceResult)
	order := make([]string, 0)
	for i := range prior.Devices {
		res := prior.Devices[i]
		if res.Outcome != OutcomeCommitted {
			continue
		}
		device, err := e.catalog.Lookup(res.DeviceID)
		if err != nil {
			return nil, NewFatalError("device not found in catalog", err).
				WithCode(ErrCodeUnknownDevice).WithDevice(res.DeviceID)
		}
		backend, ok := e.selector.Backend(res.Backend)
		if !ok {
			backend, err = e.selector.Select(device, RequireStagedWrite)
			if err != nil {
				return nil, err
			}
		}
		targets[res.DeviceID] = &target{device: device, backend: backend}
		results[res.DeviceID] = &res
		order = append(order, res.DeviceID)
	}

	// Committed devices the plan does not name have no known dependents, so
	// they form a trailing level and are reverted first.
	planned := make(map[string]bool)
	for _, level := range levels {
		for _, id := range level {
			planned[id] = true
		}
	}
	var unplanned []string
	for _, id := range order {
		if !planned[id] {
			unplanned = append(unplanned, id)
		}
	}
	if len(unplanned) > 0 {
		levels = append(levels, unplanned)
	}

	runID := uuid.New().String()
	result := &FleetResult{
		RunID:                runID,
		PlanID:               prior.PlanID,
		RollbackOnAnyFailure: true,
		RevertsRun:           prior.RunID,
		StartedAt:            time.Now(),
	}
	logger := e.logger.With().Str("run_id", runID).Str("reverts_run", prior.RunID).Logger()
	logger.Info().Int("devices", len(order)).Msg("Reverting committed devices")

	e.compensate(ctx, runID, levels, targets, results, e.cfg.Concurrency,
		fmt.Sprintf("reverted run %s on request", prior.RunID))

	for _, id := range order {
		result.Devices = append(result.Devices, *results[id])
	}
	result.Verdict = ComputeVerdict(result.Devices)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	e.observer.ObserveFleet(result)
	e.report(ctx, logger, plan, result)
	return result, nil
}

func (e *FleetExecutor) report(ctx context.Context, logger zerolog.Logger, plan *ChangePlan, result *FleetResult) {
	counts := result.Counts()
	ev := logger.Info()
	if !result.Succeeded() {
		ev = logger.Warn()
	}
	ev.Str("verdict", string(result.Verdict)).
		Int("committed", counts[OutcomeCommitted]).
		Int("rolled_back", counts[OutcomeRolledBack]).
		Int("failed", counts[OutcomeFailed]).
		Int("skipped", counts[OutcomeSkipped]).
		Bool("indeterminate", result.HasIndeterminate()).
		Dur("duration", result.Duration).
		Msg("Fleet run finished")

	e.publish(ctx, result.RunID, "", EventTypeRunCompleted,
		fmt.Sprintf("Run finished: %s", result.Verdict), levelForVerdict(result.Verdict),
		map[string]interface{}{"verdict": string(result.Verdict)})

	if e.recorder != nil {
		if err := e.recorder.RecordRun(context.WithoutCancel(ctx), plan, result); err != nil {
			logger.Error().Err(err).Msg("Failed to record run")
		}
	}
}

func (e *FleetExecutor) logResult(res *DeviceResult) {
	var ev *zerolog.Event
	switch res.Outcome {
	case OutcomeCommitted:
		ev = e.logger.Info()
	case OutcomeFailed:
		ev = e.logger.Error()
	default:
		ev = e.logger.Warn()
	}
	ev.Str("device", res.DeviceID).
		Str("outcome", string(res.Outcome)).
		Str("backend", string(res.Backend)).
		Bool("indeterminate", res.Indeterminate).
		Str("reason", res.Reason).
		Msg("Device finished")
}

func (e *FleetExecutor) publish(
	ctx context.Context,
	runID, deviceID string,
	eventType EventType,
	message, level string,
	details map[string]interface{},
) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		DeviceID:  deviceID,
		Message:   message,
		Details:   details,
		Level:     level,
	}); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func skippedResult(id string, err *EngineError) *DeviceResult {
	now := time.Now()
	err.Device = id
	return &DeviceResult{
		DeviceID:    id,
		Outcome:     OutcomeSkipped,
		State:       TxnStateIdle,
		Reason:      err.Message,
		Error:       err,
		StartedAt:   now,
		CompletedAt: now,
	}
}

func notCommitted(plan *ChangePlan, results map[string]*DeviceResult) []string {
	var out []string
	for _, id := range plan.DeviceIDs() {
		if r := results[id]; r == nil || r.Outcome != OutcomeCommitted {
			out = append(out, id)
		}
	}
	return out
}

func (r *FleetResult) deviceOrder() []string {
	ids := make([]string, 0, len(r.Devices))
	for i := range r.Devices {
		ids = append(ids, r.Devices[i].DeviceID)
	}
	sort.Strings(ids)
	return ids
}

func levelFor(o Outcome) string {
	switch o {
	case OutcomeCommitted:
		return "info"
	case OutcomeFailed:
		return "error"
	default:
		return "warning"
	}
}

func levelForVerdict(v Verdict) string {
	if v == VerdictAllCommitted {
		return "info"
	}
	return "error"
}
