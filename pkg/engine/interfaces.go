package engine

import (
	"context"
	"time"
)

// CapabilityCatalog reports what each device supports.
// Implementations must be safe for concurrent use and must not perform device I/O.
type CapabilityCatalog interface {
	// Lookup returns the device with its current capability snapshot.
	Lookup(deviceID string) (Device, error)
}

// Backend is a protocol adapter. One instance serves every device speaking its protocol.
type Backend interface {
	// Protocol identifies the protocol this backend speaks.
	Protocol() Protocol

	// Stateful reports whether the backend keeps a session with locking and a candidate datastore.
	Stateful() bool

	// Describe returns the lifecycle steps this backend can perform for a device
	// with the given capabilities.
	Describe(caps Capabilities) Descriptor

	// Open establishes a session with the device. The caller must Close it.
	Open(ctx context.Context, device Device) (Session, error)
}

// LockToken is the opaque handle returned by Lock and passed to staged operations.
type LockToken struct {
	// Datastore is the locked datastore.
	Datastore string

	// ID is a backend-specific lock identifier.
	ID string
}

// Session is a per-device, per-transaction handle through which every backend
// operation runs. Each operation is independently failable and returns a
// classified *EngineError on failure.
type Session interface {
	// Read returns the current value at path from the running configuration.
	Read(ctx context.Context, path string) (PathValue, error)

	// Lock acquires an exclusive lock on datastore.
	Lock(ctx context.Context, datastore string) (LockToken, error)

	// Unlock releases a lock previously acquired with Lock.
	Unlock(ctx context.Context, token LockToken) error

	// Stage applies edits to the working copy named by token.
	Stage(ctx context.Context, token LockToken, edits []FieldEdit) error

	// Validate asks the device to validate the staged change.
	Validate(ctx context.Context, token LockToken) error

	// Commit makes the staged change durable.
	Commit(ctx context.Context, token LockToken) error

	// ReplaceDirect applies edits straight to the live configuration.
	ReplaceDirect(ctx context.Context, edits []FieldEdit) error

	// Close releases the session's transport.
	Close() error
}

// EventPublisher publishes execution events.
type EventPublisher interface {
	// Publish publishes an event. It must not block for long.
	Publish(ctx context.Context, event *Event) error
}

// StepReport describes one finished step for observers.
type StepReport struct {
	RunID    string
	DeviceID string
	Backend  Protocol
	Step     Step
	Attempts int
	Duration time.Duration
	Err      error
}

// Observer receives execution measurements. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveStep(report StepReport)
	ObserveTransaction(result *DeviceResult)
	ObserveFleet(result *FleetResult)
}

// RunRecorder persists fleet results for audit.
type RunRecorder interface {
	RecordRun(ctx context.Context, plan *ChangePlan, result *FleetResult) error
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) ObserveStep(report StepReport) {
	for _, obs := range o {
		obs.ObserveStep(report)
	}
}

func (o Observers) ObserveTransaction(result *DeviceResult) {
	for _, obs := range o {
		obs.ObserveTransaction(result)
	}
}

func (o Observers) ObserveFleet(result *FleetResult) {
	for _, obs := range o {
		obs.ObserveFleet(result)
	}
}

type nopObserver struct{}

func (nopObserver) ObserveStep(StepReport) {}
func (nopObserver) ObserveTransaction(*DeviceResult) {}
func (nopObserver) ObserveFleet(*FleetResult) {}
