package engine

import (
	"time"
)

// Protocol identifies a device management protocol served by one Backend.
type Protocol string

const (
	// ProtocolNETCONF is the SSH/XML transactional protocol.
	ProtocolNETCONF Protocol = "netconf"

	// ProtocolRESTCONF is the HTTP/JSON stateless protocol.
	ProtocolRESTCONF Protocol = "restconf"
)

// Capabilities is the catalog's advisory snapshot of what a device supports.
type Capabilities struct {
	// Protocols lists the management protocols the device exposes.
	Protocols []Protocol `json:"protocols"`

	// LockingSupported reports whether datastore locks are available.
	LockingSupported bool `json:"locking_supported"`

	// StagingSupported reports whether a candidate datastore is available.
	StagingSupported bool `json:"staging_supported"`

	// ValidateSupported reports whether the candidate can be validated before commit.
	ValidateSupported bool `json:"validate_supported"`

	// Features lists optional protocol features (e.g. "yang-patch").
	Features []string `json:"features,omitempty"`

	// Models lists the data models the device advertises.
	Models []string `json:"models,omitempty"`
}

// HasProtocol returns true if the device exposes the given protocol.
func (c Capabilities) HasProtocol(p Protocol) bool {
	for _, have := range c.Protocols {
		if have == p {
			return true
		}
	}
	return false
}

// HasFeature returns true if the device advertises the named optional feature.
func (c Capabilities) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Device is a managed network device as described by the capability catalog.
// The engine never mutates a Device.
type Device struct {
	// ID is the unique identifier of the device within the inventory.
	ID string `json:"id"`

	// Address is the hostname or IP address used by every backend.
	Address string `json:"address"`

	// Ports maps a protocol to the port it listens on. Zero means the backend default.
	Ports map[Protocol]int `json:"ports,omitempty"`

	// Capabilities is the capability snapshot at lookup time.
	Capabilities Capabilities `json:"capabilities"`

	// Labels are key-value pairs for organizing and selecting devices.
	Labels map[string]string `json:"labels,omitempty"`
}

// Port returns the configured port for a protocol, or fallback when none is set.
func (d Device) Port(p Protocol, fallback int) int {
	if port, ok := d.Ports[p]; ok && port > 0 {
		return port
	}
	return fallback
}

// EditOperation is the kind of change a FieldEdit performs.
type EditOperation string

const (
	// EditReplace sets the node to the value, creating it if needed.
	EditReplace EditOperation = "replace"

	// EditMerge merges an object value into the existing node.
	EditMerge EditOperation = "merge"

	// EditCreate creates the node and fails if it already exists.
	EditCreate EditOperation = "create"

	// EditDelete removes the node.
	EditDelete EditOperation = "delete"
)

// Validate checks if the edit operation is valid.
func (o EditOperation) Validate() bool {
	switch o {
	case EditReplace, EditMerge, EditCreate, EditDelete:
		return true
	default:
		return false
	}
}

// FieldEdit is one path + operation + value unit within a change plan.
type FieldEdit struct {
	// Path is the data-model location, e.g. /ietf-interfaces:interfaces/interface[name=Gi1]/description.
	Path string `json:"path"`

	// Operation is the kind of change.
	Operation EditOperation `json:"op"`

	// Value is the desired JSON-compatible value. Nil for delete.
	Value any `json:"value,omitempty"`
}

// PathValue is the value found at a path on a device.
type PathValue struct {
	// Path is the location that was read.
	Path string `json:"path"`

	// Data is the JSON-compatible value at Path. Meaningless when Exists is false.
	Data any `json:"data,omitempty"`

	// Exists reports whether the node is present.
	Exists bool `json:"exists"`
}

// DevicePlan is the ordered slice of a change plan that targets one device.
type DevicePlan struct {
	// DeviceID is the catalog identity of the target device.
	DeviceID string `json:"device"`

	// Edits are applied in order.
	Edits []FieldEdit `json:"edits"`

	// DependsOn lists devices that must commit before this one is dispatched.
	DependsOn []string `json:"depends_on,omitempty"`
}

// ChangePlan is the immutable request submitted to the fleet executor.
type ChangePlan struct {
	// ID identifies the plan for audit and logging.
	ID string `json:"id"`

	// Description is free-form operator text.
	Description string `json:"description,omitempty"`

	// Devices is the ordered mapping from device to edits.
	Devices []DevicePlan `json:"devices"`

	// Concurrency is the maximum number of devices in flight. Zero uses the executor default.
	Concurrency int `json:"concurrency,omitempty"`

	// RollbackOnAnyFailure reverts committed devices once any sibling fails.
	// Nil means the default, which is true.
	RollbackOnAnyFailure *bool `json:"rollback_on_any_failure,omitempty"`

	// Deadline bounds the whole fleet operation. Zero uses the executor default.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// RollbackPolicy returns the effective rollback-on-any-failure flag.
func (p *ChangePlan) RollbackPolicy() bool {
	if p.RollbackOnAnyFailure == nil {
		return true
	}
	return *p.RollbackOnAnyFailure
}

// DeviceIDs returns the plan's devices in submission order.
func (p *ChangePlan) DeviceIDs() []string {
	ids := make([]string, 0, len(p.Devices))
	for _, d := range p.Devices {
		ids = append(ids, d.DeviceID)
	}
	return ids
}

// Descriptor states which lifecycle steps a backend can perform for one device.
// Unsupported steps become identity transitions in the coordinator.
type Descriptor struct {
	// Locking means lock/unlock are meaningful.
	Locking bool `json:"locking"`

	// Staging means edits go to a candidate datastore and need an explicit commit.
	Staging bool `json:"staging"`

	// Validate means the staged candidate can be validated before commit.
	Validate bool `json:"validate"`

	// AtomicDirect means replaceDirect applies all edits atomically.
	AtomicDirect bool `json:"atomic_direct"`

	// Datastore is the datastore named in lock and stage calls.
	Datastore string `json:"datastore,omitempty"`
}

// Snapshot is the backup captured before any mutation of a device.
type Snapshot struct {
	// Values holds the pre-change value of every edited path, in edit order.
	Values []PathValue `json:"values"`

	// CapturedAt is when the backup was read.
	CapturedAt time.Time `json:"captured_at"`
}

// Lookup returns the backed-up value for path.
func (s *Snapshot) Lookup(path string) (PathValue, bool) {
	for _, v := range s.Values {
		if v.Path == path {
			return v, true
		}
	}
	return PathValue{}, false
}

// DeviceResult is the terminal record of one device in a fleet run.
type DeviceResult struct {
	// DeviceID is the device this result belongs to.
	DeviceID string `json:"device_id"`

	// TxnID identifies the transaction for audit.
	TxnID string `json:"txn_id,omitempty"`

	// Outcome is the terminal outcome.
	Outcome Outcome `json:"outcome"`

	// State is the final lifecycle state reached.
	State TxnState `json:"state,omitempty"`

	// Reason explains any outcome other than committed.
	Reason string `json:"reason,omitempty"`

	// Error is the classified error that caused the outcome, if any.
	Error *EngineError `json:"error,omitempty"`

	// Indeterminate is set when the commit outcome is unknown.
	Indeterminate bool `json:"indeterminate,omitempty"`

	// Backend is the protocol that executed the transaction.
	Backend Protocol `json:"backend,omitempty"`

	// Descriptor is the capability descriptor the transaction ran under.
	Descriptor Descriptor `json:"descriptor"`

	// Backup is the pre-change snapshot.
	Backup *Snapshot `json:"backup,omitempty"`

	// Applied lists the edits that were actually sent (no-ops removed).
	Applied []FieldEdit `json:"applied,omitempty"`

	// Attempts counts tries per step.
	Attempts map[Step]int `json:"attempts,omitempty"`

	// Locks and Unlocks count successful lock calls and issued unlock calls.
	Locks   int `json:"locks"`
	Unlocks int `json:"unlocks"`

	// Compensated is set when the device was reverted because a sibling failed.
	Compensated bool `json:"compensated,omitempty"`

	// Warnings records non-fatal problems such as an unlock failure.
	Warnings []string `json:"warnings,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// RequiresEscalation returns true when an operator must inspect the device.
func (r *DeviceResult) RequiresEscalation() bool {
	return r.Outcome == OutcomeFailed
}

// FleetResult is the aggregated outcome of one fleet run.
type FleetResult struct {
	// RunID identifies this execution.
	RunID string `json:"run_id"`

	// PlanID is the submitted plan's ID.
	PlanID string `json:"plan_id"`

	// Verdict is the overall result.
	Verdict Verdict `json:"verdict"`

	// Devices lists every device's result in plan order.
	Devices []DeviceResult `json:"devices"`

	// RollbackOnAnyFailure is the effective policy the run used.
	RollbackOnAnyFailure bool `json:"rollback_on_any_failure"`

	// Cancelled is set when the caller cancelled or the fleet deadline expired.
	Cancelled bool `json:"cancelled,omitempty"`

	// RevertsRun is the run this one reverted, when it was started by Revert.
	RevertsRun string `json:"reverts_run,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Succeeded returns true only when every device committed.
func (r *FleetResult) Succeeded() bool {
	return r.Verdict == VerdictAllCommitted
}

// HasIndeterminate returns true if any device ended with an unknown commit outcome.
func (r *FleetResult) HasIndeterminate() bool {
	for i := range r.Devices {
		if r.Devices[i].Indeterminate {
			return true
		}
	}
	return false
}

// Device returns the result for one device.
func (r *FleetResult) Device(id string) (*DeviceResult, bool) {
	for i := range r.Devices {
		if r.Devices[i].DeviceID == id {
			return &r.Devices[i], true
		}
	}
	return nil, false
}

// Counts returns the number of devices per outcome.
func (r *FleetResult) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for i := range r.Devices {
		counts[r.Devices[i].Outcome]++
	}
	return counts
}

// DeviceGraph is the dependency DAG over the devices of a plan.
type DeviceGraph struct {
	// Nodes maps device IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Levels groups device IDs by topological depth.
	Levels [][]string `json:"levels"`

	// Roots are the device IDs with no dependencies.
	Roots []string `json:"roots"`
}

// GraphNode represents a device in the dependency graph.
type GraphNode struct {
	// ID is the device ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the devices this one waits for.
	Dependencies []string `json:"dependencies"`

	// Dependents are the devices waiting for this one.
	Dependents []string `json:"dependents"`
}

// EventType identifies a kind of engine event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run.started"
	EventTypeRunCompleted      EventType = "run.completed"
	EventTypeDeviceDispatched  EventType = "device.dispatched"
	EventTypeDeviceStep        EventType = "device.step"
	EventTypeDeviceRetry       EventType = "device.retry"
	EventTypeDeviceCompleted   EventType = "device.completed"
	EventTypeDeviceSkipped     EventType = "device.skipped"
	EventTypeDeviceCompensated EventType = "device.compensated"
)

// Event represents a timeline event during execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// DeviceID is the device, if applicable.
	DeviceID string `json:"device_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
