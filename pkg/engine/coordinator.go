package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/fleetconf/pkg/engine"

// CoordinatorConfig tunes the per-device lifecycle.
type CoordinatorConfig struct {
	// Retry wraps every lifecycle transition.
	Retry RetryPolicy

	// LockWait is the wall-clock budget for acquiring a datastore lock. Retry.MaxAttempts does
	// not apply to the lock step while it is set. Zero falls back to Retry.
	LockWait time.Duration

	// StepTimeout bounds a single backend call. Zero means no per-call timeout.
	StepTimeout time.Duration

	// VerifyAfterCommit re-reads edited paths after commit and after a live rollback.
	VerifyAfterCommit bool
}

// DefaultCoordinatorConfig returns the default lifecycle settings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Retry:             DefaultRetryPolicy(),
		LockWait:          30 * time.Second,
		StepTimeout:       30 * time.Second,
		VerifyAfterCommit: true,
	}
}

// Transaction is the runtime record of one device's progress through the lifecycle.
// It is owned by a single coordinator call and never shared.
type Transaction struct {
	ID         string
	RunID      string
	Device     Device
	Edits      []FieldEdit
	Backend    Backend
	Descriptor Descriptor
	State      TxnState
	Backup     *Snapshot
	Applied    []FieldEdit
	Attempts   map[Step]int
	StartedAt  time.Time

	// expect, when set, is the exact state the edited paths must hold after commit.
	expect *Snapshot

	session  Session
	token    LockToken
	locks    int
	unlocks  int
	staged   bool
	live     bool
	warnings []string
	logger   zerolog.Logger
}

// Coordinator drives one device through lock, stage, validate and commit,
// or through abort and rollback. Steps the backend's descriptor does not
// support are identity transitions.
type Coordinator struct {
	cfg      CoordinatorConfig
	logger   zerolog.Logger
	observer Observer
	events   EventPublisher
	tracer   trace.Tracer
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithCoordinatorObserver sets the metrics observer.
func WithCoordinatorObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCoordinatorEvents sets the event publisher.
func WithCoordinatorEvents(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = p }
}

// NewCoordinator creates a transaction coordinator.
func NewCoordinator(cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// transition is one forward edge of the lifecycle state machine.
type transition struct {
	from, to  TxnState
	step      Step
	supported func(Descriptor) bool
	run       func(c *Coordinator, ctx context.Context, txn *Transaction) error
}

// lifecycle is the single state machine shared by every backend variant.
var lifecycle = []transition{
	{
		from: TxnStateIdle, to: TxnStateLocked, step: StepLock,
		supported: func(d Descriptor) bool { return d.Locking },
		run:       (*Coordinator).lock,
	},
	{
		from: TxnStateLocked, to: TxnStateStaged, step: StepStage,
		supported: func(Descriptor) bool { return true },
		run:       (*Coordinator).stage,
	},
	{
		from: TxnStateStaged, to: TxnStateValidated, step: StepValidate,
		supported: func(d Descriptor) bool { return d.Staging && d.Validate },
		run: func(c *Coordinator, ctx context.Context, txn *Transaction) error {
			return c.step(ctx, txn, StepValidate, c.cfg.Retry, func(sctx context.Context) error {
				return txn.session.Validate(sctx, txn.token)
			})
		},
	},
	{
		from: TxnStateValidated, to: TxnStateCommitted, step: StepCommit,
		supported: func(Descriptor) bool { return true },
		run:       (*Coordinator).commit,
	},
}

// Execute runs the full lifecycle for one device and always returns a terminal result.
func (c *Coordinator) Execute(
	ctx context.Context,
	runID string,
	device Device,
	backend Backend,
	edits []FieldEdit,
) *DeviceResult {
	txn := c.newTransaction(runID, device, backend, edits)
	return c.run(ctx, txn, "device.transaction")
}

// Revert restores a previously committed device to the backup recorded in prior.
// The revert runs as its own locked transaction and is checked against the backup.
// The returned result keeps prior's backup and applied edits.
func (c *Coordinator) Revert(
	ctx context.Context,
	runID string,
	device Device,
	backend Backend,
	prior *DeviceResult,
	reason string,
) *DeviceResult {
	if prior.Backup == nil || len(prior.Applied) == 0 {
		res := *prior
		res.Outcome = OutcomeRolledBack
		res.State = TxnStateRolledBack
		res.Reason = reason
		res.Compensated = true
		return &res
	}

	txn := c.newTransaction(runID, device, backend, CompensatingEdits(prior.Applied, prior.Backup))
	txn.expect = prior.Backup
	res := c.run(ctx, txn, "device.revert")

	out := *prior
	out.Compensated = true
	out.Warnings = append(append([]string{}, prior.Warnings...), res.Warnings...)
	out.Locks += res.Locks
	out.Unlocks += res.Unlocks
	out.CompletedAt = res.CompletedAt
	out.Duration = out.CompletedAt.Sub(out.StartedAt)

	if res.Outcome == OutcomeCommitted {
		out.Outcome = OutcomeRolledBack
		out.State = TxnStateRolledBack
		out.Reason = reason
		out.Error = nil
	} else {
		out.Outcome = OutcomeFailed
		out.State = TxnStateFailed
		out.Indeterminate = res.Indeterminate
		var cause error
		if res.Error != nil {
			cause = res.Error
		}
		out.Error = NewFatalError("compensating rollback failed", cause).
			WithCode(ErrCodeRollbackFailed).WithDevice(device.ID)
		if res.Indeterminate {
			out.Error = res.Error
		}
		out.Reason = fmt.Sprintf("%s; device still holds the change: %s", reason, res.Reason)
	}

	c.observer.ObserveTransaction(&out)
	return &out
}

func (c *Coordinator) newTransaction(runID string, device Device, backend Backend, edits []FieldEdit) *Transaction {
	id := uuid.New().String()
	return &Transaction{
		ID:         id,
		RunID:      runID,
		Device:     device,
		Edits:      edits,
		Backend:    backend,
		Descriptor: backend.Describe(device.Capabilities),
		State:      TxnStateIdle,
		Attempts:   make(map[Step]int),
		StartedAt:  time.Now(),
		logger: c.logger.With().
			Str("device", device.ID).
			Str("txn_id", id).
			Str("backend", string(backend.Protocol())).
			Logger(),
	}
}

func (c *Coordinator) run(ctx context.Context, txn *Transaction, spanName string) *DeviceResult {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("device.id", txn.Device.ID),
		attribute.String("txn.id", txn.ID),
		attribute.String("backend", string(txn.Backend.Protocol())),
		attribute.Int("edits", len(txn.Edits)),
	))
	defer span.End()

	txn.logger.Debug().
		Bool("locking", txn.Descriptor.Locking).
		Bool("staging", txn.Descriptor.Staging).
		Bool("validate", txn.Descriptor.Validate).
		Bool("atomic_direct", txn.Descriptor.AtomicDirect).
		Msg("Starting transaction")

	result := c.drive(ctx, txn)

	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, string(result.Outcome))
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	if txn.expect == nil {
		c.observer.ObserveTransaction(result)
	}
	return result
}

// drive runs the forward path and, on failure, the abort path. The session
// and any lock are released before the result is built, on every exit.
func (c *Coordinator) drive(ctx context.Context, txn *Transaction) *DeviceResult {
	outcome, cause, reason := c.settle(ctx, txn)
	c.release(ctx, txn)
	return c.finish(txn, outcome, cause, reason)
}

func (c *Coordinator) settle(ctx context.Context, txn *Transaction) (Outcome, *EngineError, string) {
	err := c.forward(ctx, txn)
	if err == nil {
		txn.State = TxnStateCommitted
		return OutcomeCommitted, nil, ""
	}

	cause := Classify(err)
	if cause.Class == ErrorClassIndeterminate {
		txn.State = TxnStateFailed
		txn.logger.Error().Err(cause).Msg("Commit outcome unknown, manual verification required")
		return OutcomeFailed, cause, "indeterminate, manual verification required: " + cause.Error()
	}

	txn.logger.Warn().Err(cause).Str("state", string(txn.State)).Msg("Aborting transaction")
	txn.State = TxnStateAborting
	if rbErr := c.abort(ctx, txn); rbErr != nil {
		txn.State = TxnStateFailed
		failure := NewFatalError("rollback failed", rbErr).
			WithCode(ErrCodeRollbackFailed).WithDevice(txn.Device.ID).
			WithDetail("cause", cause.Error())
		if IsIndeterminate(rbErr) {
			failure = Classify(rbErr)
		}
		txn.logger.Error().Err(rbErr).Msg("Rollback failed, device may be in a mixed state")
		return OutcomeFailed, failure, fmt.Sprintf("rollback failed after %s: %v", cause.Message, rbErr)
	}

	txn.State = TxnStateRolledBack
	return OutcomeRolledBack, cause, cause.Error()
}

// forward walks the lifecycle from Idle to Committed.
func (c *Coordinator) forward(ctx context.Context, txn *Transaction) error {
	if err := c.step(ctx, txn, StepConnect, c.cfg.Retry, func(sctx context.Context) error {
		s, err := txn.Backend.Open(sctx, txn.Device)
		if err != nil {
			return err
		}
		txn.session = s
		return nil
	}); err != nil {
		return err
	}

	for _, tr := range lifecycle {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		if txn.State != tr.from {
			return NewFatalError(
				fmt.Sprintf("illegal transition %s -> %s from %s", tr.from, tr.to, txn.State), nil,
			).WithCode(ErrCodeInternal)
		}

		if tr.supported(txn.Descriptor) {
			if err := tr.run(c, ctx, txn); err != nil {
				return err
			}
		} else {
			txn.logger.Debug().Str("step", string(tr.step)).Msg("Step unsupported by backend, skipping")
		}

		// The backup is taken once the datastore is held and before any mutation.
		if tr.to == TxnStateLocked {
			if err := c.backup(ctx, txn); err != nil {
				return err
			}
		}

		txn.State = tr.to
		c.publish(ctx, txn, EventTypeDeviceStep, fmt.Sprintf("%s -> %s", tr.from, tr.to), "info",
			map[string]interface{}{"step": string(tr.step), "state": string(tr.to)})
	}
	return nil
}

func (c *Coordinator) lock(ctx context.Context, txn *Transaction) error {
	policy := c.cfg.Retry
	waitCtx := ctx
	if c.cfg.LockWait > 0 {
		// Lock retries are bounded by the wait budget alone.
		policy.MaxAttempts = math.MaxInt32
		policy.MaxElapsed = 0
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.LockWait)
		defer cancel()
	}

	err := c.step(waitCtx, txn, StepLock, policy, func(sctx context.Context) error {
		token, err := txn.session.Lock(sctx, txn.Descriptor.Datastore)
		if err != nil {
			return err
		}
		txn.token = token
		txn.locks++
		return nil
	})
	if err == nil || ctx.Err() != nil {
		return err
	}

	if IsLockContention(err) || IsLockContention(exhaustedCause(err)) {
		return NewLockContentionError(
			fmt.Sprintf("datastore %q is locked by another session", txn.Descriptor.Datastore), err,
		).WithDevice(txn.Device.ID).WithStep(string(StepLock))
	}
	if waitCtx.Err() != nil {
		return NewFatalError(fmt.Sprintf("lock not acquired within %s", c.cfg.LockWait), exhaustedCause(err)).
			WithCode(ErrCodeBudgetExceeded).WithDevice(txn.Device.ID).WithStep(string(StepLock))
	}
	return err
}

func (c *Coordinator) backup(ctx context.Context, txn *Transaction) error {
	if !txn.Descriptor.Locking {
		txn.token = LockToken{Datastore: txn.Descriptor.Datastore}
	}

	snap := &Snapshot{Values: make([]PathValue, 0, len(txn.Edits))}
	for _, edit := range txn.Edits {
		var pv PathValue
		if err := c.step(ctx, txn, StepBackup, c.cfg.Retry, func(sctx context.Context) error {
			v, err := txn.session.Read(sctx, edit.Path)
			if err != nil {
				return err
			}
			pv = v
			return nil
		}); err != nil {
			return err
		}
		pv.Path = edit.Path
		snap.Values = append(snap.Values, pv)
	}
	snap.CapturedAt = time.Now()
	txn.Backup = snap

	txn.Applied = make([]FieldEdit, 0, len(txn.Edits))
	for i, edit := range txn.Edits {
		if IsNoop(edit, snap.Values[i]) {
			continue
		}
		txn.Applied = append(txn.Applied, edit)
	}
	if skipped := len(txn.Edits) - len(txn.Applied); skipped > 0 {
		txn.logger.Debug().Int("noop_edits", skipped).Msg("Device already holds some desired values")
	}
	return nil
}

func (c *Coordinator) stage(ctx context.Context, txn *Transaction) error {
	if len(txn.Applied) == 0 {
		return nil
	}
	if txn.Descriptor.Staging {
		txn.staged = true
		return c.step(ctx, txn, StepStage, c.cfg.Retry, func(sctx context.Context) error {
			return txn.session.Stage(sctx, txn.token, txn.Applied)
		})
	}

	// Without a candidate the edits go live here and commit is trivial.
	txn.live = true
	err := c.step(ctx, txn, StepStage, c.cfg.Retry, func(sctx context.Context) error {
		return txn.session.ReplaceDirect(sctx, txn.Applied)
	})
	if err != nil && txn.Descriptor.AtomicDirect && !IsIndeterminate(err) {
		// A refused atomic write left running untouched.
		txn.live = false
	}
	return err
}

func (c *Coordinator) commit(ctx context.Context, txn *Transaction) error {
	if len(txn.Applied) == 0 {
		return nil
	}
	if txn.Descriptor.Staging {
		if err := c.step(ctx, txn, StepCommit, c.cfg.Retry, func(sctx context.Context) error {
			return txn.session.Commit(sctx, txn.token)
		}); err != nil {
			return err
		}
		txn.live = true
	}

	if txn.expect != nil {
		return c.verifyEquals(ctx, txn, txn.expect)
	}
	if c.cfg.VerifyAfterCommit {
		return c.verifyChanged(ctx, txn)
	}
	return nil
}

// verifyChanged checks that every applied path no longer holds its backup value.
func (c *Coordinator) verifyChanged(ctx context.Context, txn *Transaction) error {
	for _, edit := range txn.Applied {
		after, err := c.read(ctx, txn, StepVerify, edit.Path)
		if err != nil {
			return err
		}
		before, _ := txn.Backup.Lookup(edit.Path)
		if after.Exists == before.Exists && (!after.Exists || ValuesEqual(after.Data, before.Data)) {
			return NewFatalError(fmt.Sprintf("%s unchanged after commit", edit.Path), nil).
				WithCode(ErrCodeVerifyFailed).WithDevice(txn.Device.ID).WithStep(string(StepVerify))
		}
	}
	return nil
}

// verifyEquals checks that every applied path holds exactly the value recorded in want.
func (c *Coordinator) verifyEquals(ctx context.Context, txn *Transaction, want *Snapshot) error {
	for _, edit := range txn.Applied {
		after, err := c.read(ctx, txn, StepVerify, edit.Path)
		if err != nil {
			return err
		}
		expected, ok := want.Lookup(edit.Path)
		if !ok {
			continue
		}
		if after.Exists != expected.Exists || (after.Exists && !ValuesEqual(after.Data, expected.Data)) {
			return NewFatalError(fmt.Sprintf("%s does not match its backup", edit.Path), nil).
				WithCode(ErrCodeVerifyFailed).WithDevice(txn.Device.ID).WithStep(string(StepVerify))
		}
	}
	return nil
}

func (c *Coordinator) read(ctx context.Context, txn *Transaction, step Step, path string) (PathValue, error) {
	var pv PathValue
	err := c.step(ctx, txn, step, c.cfg.Retry, func(sctx context.Context) error {
		v, err := txn.session.Read(sctx, path)
		if err != nil {
			return err
		}
		pv = v
		return nil
	})
	return pv, err
}

// abort restores the backup through compensating edits. It runs detached from
// cancellation because a half-restored device is worse than a late one.
func (c *Coordinator) abort(ctx context.Context, txn *Transaction) error {
	if txn.Backup == nil || len(txn.Applied) == 0 || (!txn.staged && !txn.live) {
		return nil
	}

	actx := context.WithoutCancel(ctx)
	comp := CompensatingEdits(txn.Applied, txn.Backup)
	c.publish(actx, txn, EventTypeDeviceStep, "applying compensating edits", "warning",
		map[string]interface{}{"edits": len(comp), "live": txn.live})

	if !txn.live {
		// Only the candidate holds the change; restore it and leave running untouched.
		return c.step(actx, txn, StepRollback, c.cfg.Retry, func(sctx context.Context) error {
			return txn.session.Stage(sctx, txn.token, comp)
		})
	}

	if txn.Descriptor.Staging {
		if err := c.step(actx, txn, StepRollback, c.cfg.Retry, func(sctx context.Context) error {
			return txn.session.Stage(sctx, txn.token, comp)
		}); err != nil {
			return err
		}
		if err := c.step(actx, txn, StepRollback, c.cfg.Retry, func(sctx context.Context) error {
			return txn.session.Commit(sctx, txn.token)
		}); err != nil {
			return err
		}
	} else {
		if err := c.step(actx, txn, StepRollback, c.cfg.Retry, func(sctx context.Context) error {
			return txn.session.ReplaceDirect(sctx, comp)
		}); err != nil {
			return err
		}
	}

	if c.cfg.VerifyAfterCommit {
		return c.verifyEquals(actx, txn, txn.Backup)
	}
	return nil
}

// release unlocks and closes the session. Exactly one unlock is issued per
// successful lock, whatever the outcome.
func (c *Coordinator) release(ctx context.Context, txn *Transaction) {
	if txn.session == nil {
		return
	}
	rctx := context.WithoutCancel(ctx)

	for txn.unlocks < txn.locks {
		txn.unlocks++
		sctx, cancel := c.stepContext(rctx)
		err := txn.session.Unlock(sctx, txn.token)
		cancel()
		txn.Attempts[StepUnlock]++
		if err != nil {
			txn.warnings = append(txn.warnings, fmt.Sprintf("unlock failed: %v", err))
			txn.logger.Warn().Err(err).Msg("Failed to release datastore lock")
		}
	}

	if err := txn.session.Close(); err != nil {
		txn.logger.Debug().Err(err).Msg("Failed to close session")
	}
	txn.session = nil
}

// step runs one backend operation under the retry policy. Backend calls get a
// context detached from cancellation and bounded by StepTimeout, so a call in
// flight always completes; ctx only interrupts waits between retries.
func (c *Coordinator) step(
	ctx context.Context,
	txn *Transaction,
	step Step,
	policy RetryPolicy,
	fn func(ctx context.Context) error,
) error {
	ctx, span := c.tracer.Start(ctx, "step."+string(step))
	defer span.End()

	start := time.Now()
	attempts, err := policy.Do(ctx, func() error {
		sctx, cancel := c.stepContext(ctx)
		defer cancel()
		return fn(sctx)
	}, func(attempt int, err error, wait time.Duration) {
		txn.logger.Debug().Err(err).Str("step", string(step)).Int("attempt", attempt).
			Dur("backoff", wait).Msg("Transient failure, retrying")
		c.publish(ctx, txn, EventTypeDeviceRetry,
			fmt.Sprintf("retrying %s after transient failure (attempt %d)", step, attempt), "warning",
			map[string]interface{}{"step": string(step), "attempt": attempt})
	})

	txn.Attempts[step] += attempts
	c.observer.ObserveStep(StepReport{
		RunID:    txn.RunID,
		DeviceID: txn.Device.ID,
		Backend:  txn.Backend.Protocol(),
		Step:     step,
		Attempts: attempts,
		Duration: time.Since(start),
		Err:      err,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return annotate(Classify(err), txn.Device.ID, step)
	}
	return nil
}

func (c *Coordinator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if c.cfg.StepTimeout > 0 {
		return context.WithTimeout(base, c.cfg.StepTimeout)
	}
	return context.WithCancel(base)
}

func (c *Coordinator) finish(txn *Transaction, outcome Outcome, err *EngineError, reason string) *DeviceResult {
	completed := time.Now()
	return &DeviceResult{
		DeviceID:      txn.Device.ID,
		TxnID:         txn.ID,
		Outcome:       outcome,
		State:         txn.State,
		Reason:        reason,
		Error:         err,
		Indeterminate: err != nil && err.Class == ErrorClassIndeterminate,
		Backend:       txn.Backend.Protocol(),
		Descriptor:    txn.Descriptor,
		Backup:        txn.Backup,
		Applied:       txn.Applied,
		Attempts:      txn.Attempts,
		Locks:         txn.locks,
		Unlocks:       txn.unlocks,
		Warnings:      txn.warnings,
		StartedAt:     txn.StartedAt,
		CompletedAt:   completed,
		Duration:      completed.Sub(txn.StartedAt),
	}
}

func (c *Coordinator) publish(
	ctx context.Context,
	txn *Transaction,
	eventType EventType,
	message, level string,
	details map[string]interface{},
) {
	if c.events == nil {
		return
	}
	if details == nil {
		details = make(map[string]interface{})
	}
	details["txn_id"] = txn.ID
	details["backend"] = string(txn.Backend.Protocol())

	if err := c.events.Publish(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     txn.RunID,
		DeviceID:  txn.Device.ID,
		Message:   message,
		Details:   details,
		Level:     level,
	}); err != nil {
		txn.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewFatalError("fleet operation cancelled", err).WithCode(ErrCodeCancelled)
	}
	return nil
}

// annotate returns a copy of e carrying device and step context, leaving e untouched.
func annotate(e *EngineError, deviceID string, step Step) *EngineError {
	cp := *e
	if cp.Device == "" {
		cp.Device = deviceID
	}
	if cp.Step == "" {
		cp.Step = string(step)
	}
	return &cp
}
