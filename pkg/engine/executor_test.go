package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func boolPtr(b bool) *bool { return &b }

func newTestExecutor(catalog CapabilityCatalog, backends ...Backend) (*FleetExecutor, *recordingPublisher) {
	events := &recordingPublisher{}
	cfg := ExecutorConfig{
		Concurrency:     4,
		RollbackTimeout: 5 * time.Second,
		Coordinator:     testCoordinatorConfig(),
	}
	return NewFleetExecutor(catalog, NewSelector(backends...), cfg, WithEventPublisher(events)), events
}

func replaceEdit(path string, value any) []FieldEdit {
	return []FieldEdit{{Path: path, Operation: EditReplace, Value: value}}
}

func TestFleetExecutor_Execute_AllCommitted(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{}
	plan := &ChangePlan{ID: "banner"}
	for _, id := range []string{"r1", "r2", "r3"} {
		catalog[id] = netconfDevice(id)
		backend.device(id, map[string]any{"/banner": "old"})
		plan.Devices = append(plan.Devices, DevicePlan{DeviceID: id, Edits: replaceEdit("/banner", "new")})
	}
	exec, events := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Verdict != VerdictAllCommitted {
		t.Fatalf("Expected all committed, got %s", result.Verdict)
	}
	if !result.Succeeded() {
		t.Error("Expected Succeeded to be true")
	}
	if len(result.Devices) != 3 {
		t.Fatalf("Expected 3 device results, got %d", len(result.Devices))
	}
	for i, id := range []string{"r1", "r2", "r3"} {
		if result.Devices[i].DeviceID != id {
			t.Errorf("Expected results in plan order, position %d is %s", i, result.Devices[i].DeviceID)
		}
	}
	if events.count(EventTypeRunStarted) != 1 || events.count(EventTypeRunCompleted) != 1 {
		t.Error("Expected run started and completed events")
	}
	if events.count(EventTypeDeviceDispatched) != 3 {
		t.Errorf("Expected 3 dispatch events, got %d", events.count(EventTypeDeviceDispatched))
	}
}

func TestFleetExecutor_Execute_DependencyFailureSkipsDependent(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"A": netconfDevice("A"), "B": netconfDevice("B"), "C": netconfDevice("C")}
	for id := range catalog {
		backend.device(id, map[string]any{"/x": "old"})
	}
	backend.failAlways("A", "validate", NewFatalError("invalid", nil).WithCode(ErrCodeValidationFailed))

	plan := &ChangePlan{
		ID: "peers",
		Devices: []DevicePlan{
			{DeviceID: "A", Edits: replaceEdit("/x", "new")},
			{DeviceID: "B", Edits: replaceEdit("/x", "new"), DependsOn: []string{"A"}},
			{DeviceID: "C", Edits: replaceEdit("/x", "new")},
		},
	}
	exec, _ := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, _, _, calls := backend.snapshot("B"); len(calls) != 0 {
		t.Errorf("Expected B never dispatched, got calls %v", calls)
	}
	b, _ := result.Device("B")
	if b.Outcome != OutcomeSkipped || CodeOf(b.Error) != ErrCodeDependencyFailed {
		t.Errorf("Expected B skipped for failed dependency, got %s (%v)", b.Outcome, b.Error)
	}
	if backend.countCalls("C", "commit") == 0 {
		t.Error("Expected C to be attempted")
	}
	if result.Verdict != VerdictPartialFailure {
		t.Errorf("Expected partial failure, got %s", result.Verdict)
	}

	// C committed and was then reverted because the plan rolls back on any failure.
	c, _ := result.Device("C")
	if c.Outcome != OutcomeRolledBack || !c.Compensated {
		t.Errorf("Expected C compensated, got %s", c.Outcome)
	}
	running, _, _, _ := backend.snapshot("C")
	if running["/x"] != "old" {
		t.Errorf("Expected C restored to old, got %v", running["/x"])
	}
}

func TestFleetExecutor_Execute_NoRollbackPolicyKeepsCommitted(t *testing.T) {
	backend := newStatelessBackend()
	catalog := staticCatalog{"s1": restconfDevice("s1"), "s2": restconfDevice("s2")}
	backend.device("s1", map[string]any{"/x": "old"})
	backend.device("s2", map[string]any{"/x": "old"})
	backend.failAlways("s2", "replace_direct", NewFatalError("rejected", nil))

	plan := &ChangePlan{
		ID:                   "ntp",
		RollbackOnAnyFailure: boolPtr(false),
		Devices: []DevicePlan{
			{DeviceID: "s1", Edits: replaceEdit("/x", "new")},
			{DeviceID: "s2", Edits: replaceEdit("/x", "new")},
		},
	}
	exec, _ := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	s1, _ := result.Device("s1")
	if s1.Outcome != OutcomeCommitted {
		t.Errorf("Expected s1 to stay committed, got %s", s1.Outcome)
	}
	if result.Verdict != VerdictPartialFailure {
		t.Errorf("Expected partial failure for a mixed fleet, got %s", result.Verdict)
	}
	if result.Succeeded() {
		t.Error("Expected a mixed fleet not to report success")
	}
}

func TestFleetExecutor_Execute_AllRolledBack(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"r1": netconfDevice("r1"), "r2": netconfDevice("r2")}
	backend.device("r1", map[string]any{"/x": "old"})
	backend.device("r2", map[string]any{"/x": "old"})
	backend.failAlways("r2", "validate", NewFatalError("invalid", nil))

	plan := &ChangePlan{
		ID: "acl",
		Devices: []DevicePlan{
			{DeviceID: "r1", Edits: replaceEdit("/x", "new")},
			{DeviceID: "r2", Edits: replaceEdit("/x", "new")},
		},
	}
	exec, _ := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Verdict != VerdictAllRolledBack {
		t.Errorf("Expected all rolled back, got %s", result.Verdict)
	}
	for _, id := range []string{"r1", "r2"} {
		running, locks, unlocks, _ := backend.snapshot(id)
		if running["/x"] != "old" {
			t.Errorf("%s: expected old, got %v", id, running["/x"])
		}
		if locks != unlocks {
			t.Errorf("%s: leaked lock, %d locks / %d unlocks", id, locks, unlocks)
		}
	}
}

func TestFleetExecutor_Execute_CommitIndeterminate(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"r1": netconfDevice("r1")}
	backend.device("r1", map[string]any{"/x": "old"})
	backend.failAlways("r1", "commit", NewIndeterminateError("session dropped", nil))

	exec, _ := newTestExecutor(catalog, backend)
	result, err := exec.Execute(context.Background(), &ChangePlan{
		ID:      "one",
		Devices: []DevicePlan{{DeviceID: "r1", Edits: replaceEdit("/x", "new")}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Verdict != VerdictPartialFailure {
		t.Errorf("Expected partial failure, got %s", result.Verdict)
	}
	if !result.HasIndeterminate() {
		t.Error("Expected indeterminate device to be surfaced")
	}
	if n := backend.countCalls("r1", "commit"); n != 1 {
		t.Errorf("Expected no automatic retry of commit, got %d calls", n)
	}
}

func TestFleetExecutor_Execute_CyclicDependency(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"a": netconfDevice("a"), "b": netconfDevice("b")}
	exec, _ := newTestExecutor(catalog, backend)

	_, err := exec.Execute(context.Background(), &ChangePlan{
		ID: "loop",
		Devices: []DevicePlan{
			{DeviceID: "a", Edits: replaceEdit("/x", 1), DependsOn: []string{"b"}},
			{DeviceID: "b", Edits: replaceEdit("/x", 1), DependsOn: []string{"a"}},
		},
	})
	if CodeOf(err) != ErrCodeCyclicDependency {
		t.Fatalf("Expected cyclic dependency, got %v", err)
	}
	if len(backend.devices) != 0 {
		t.Error("Expected no device I/O for an invalid plan")
	}
}

func TestFleetExecutor_Execute_NoCompatibleBackend(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"r1": netconfDevice("r1"), "sw1": restconfDevice("sw1")}
	exec, _ := newTestExecutor(catalog, backend)

	_, err := exec.Execute(context.Background(), &ChangePlan{
		ID: "mixed",
		Devices: []DevicePlan{
			{DeviceID: "r1", Edits: replaceEdit("/x", 1)},
			{DeviceID: "sw1", Edits: replaceEdit("/x", 1)},
		},
	})
	if CodeOf(err) != ErrCodeNoCompatibleBackend {
		t.Fatalf("Expected no compatible backend, got %v", err)
	}
	if len(backend.devices) != 0 {
		t.Error("Expected no device I/O before dispatch")
	}
}

func TestFleetExecutor_Execute_UnknownDevice(t *testing.T) {
	exec, _ := newTestExecutor(staticCatalog{}, newStatefulBackend())
	_, err := exec.Execute(context.Background(), &ChangePlan{
		ID:      "ghost",
		Devices: []DevicePlan{{DeviceID: "nope", Edits: replaceEdit("/x", 1)}},
	})
	if CodeOf(err) != ErrCodeUnknownDevice {
		t.Fatalf("Expected unknown device, got %v", err)
	}
}

func TestFleetExecutor_Execute_BoundedConcurrency(t *testing.T) {
	backend := newStatelessBackend()
	backend.delay = 20 * time.Millisecond
	catalog := staticCatalog{}
	plan := &ChangePlan{ID: "wide", Concurrency: 2}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		catalog[id] = restconfDevice(id)
		backend.device(id, map[string]any{"/x": "old"})
		plan.Devices = append(plan.Devices, DevicePlan{DeviceID: id, Edits: replaceEdit("/x", "new")})
	}
	exec, _ := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Verdict != VerdictAllCommitted {
		t.Fatalf("Expected all committed, got %s", result.Verdict)
	}
	if backend.maxActive > 2 {
		t.Errorf("Expected at most 2 concurrent sessions, saw %d", backend.maxActive)
	}
	if backend.maxActive < 2 {
		t.Errorf("Expected independent devices to run in parallel, saw %d", backend.maxActive)
	}
}

func TestFleetExecutor_Execute_Cancelled(t *testing.T) {
	backend := newStatelessBackend()
	catalog := staticCatalog{"s1": restconfDevice("s1"), "s2": restconfDevice("s2")}
	backend.device("s1", map[string]any{"/x": "old"})
	backend.device("s2", map[string]any{"/x": "old"})
	exec, _ := newTestExecutor(catalog, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.Execute(ctx, &ChangePlan{
		ID: "late",
		Devices: []DevicePlan{
			{DeviceID: "s1", Edits: replaceEdit("/x", "new")},
			{DeviceID: "s2", Edits: replaceEdit("/x", "new"), DependsOn: []string{"s1"}},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Cancelled {
		t.Error("Expected cancelled flag")
	}
	for _, d := range result.Devices {
		if d.Outcome != OutcomeSkipped {
			t.Errorf("%s: expected skipped, got %s", d.DeviceID, d.Outcome)
		}
	}
	if result.Verdict == VerdictAllCommitted {
		t.Error("Expected a cancelled run not to report success")
	}
	running, _, _, _ := backend.snapshot("s1")
	if running["/x"] != "old" {
		t.Errorf("Expected no change after cancellation, got %v", running["/x"])
	}
}

func TestFleetExecutor_Execute_FleetDeadline(t *testing.T) {
	backend := newStatelessBackend()
	backend.delay = 50 * time.Millisecond
	catalog := staticCatalog{"s1": restconfDevice("s1"), "s2": restconfDevice("s2")}
	backend.device("s1", map[string]any{"/x": "old"})
	backend.device("s2", map[string]any{"/x": "old"})
	exec, _ := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), &ChangePlan{
		ID:       "slow",
		Deadline: 10 * time.Millisecond,
		Devices: []DevicePlan{
			{DeviceID: "s1", Edits: replaceEdit("/x", "new")},
			{DeviceID: "s2", Edits: replaceEdit("/x", "new"), DependsOn: []string{"s1"}},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Cancelled {
		t.Error("Expected the deadline to cancel the run")
	}

	// s1's in-flight write completes, then it aborts instead of proceeding.
	s1, _ := result.Device("s1")
	if s1.Outcome != OutcomeRolledBack {
		t.Errorf("Expected s1 rolled back after the deadline, got %s (%s)", s1.Outcome, s1.Reason)
	}
	s2, _ := result.Device("s2")
	if s2.Outcome != OutcomeSkipped {
		t.Errorf("Expected s2 never dispatched, got %s", s2.Outcome)
	}
	running, _, _, _ := backend.snapshot("s1")
	if running["/x"] != "old" {
		t.Errorf("Expected s1 restored, got %v", running["/x"])
	}
}

func TestFleetExecutor_Revert(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"r1": netconfDevice("r1"), "r2": netconfDevice("r2")}
	backend.device("r1", map[string]any{"/x": "old"})
	backend.device("r2", map[string]any{"/x": "old"})
	exec, _ := newTestExecutor(catalog, backend)

	plan := &ChangePlan{
		ID: "motd",
		Devices: []DevicePlan{
			{DeviceID: "r1", Edits: replaceEdit("/x", "new")},
			{DeviceID: "r2", Edits: replaceEdit("/x", "new"), DependsOn: []string{"r1"}},
		},
	}
	applied, err := exec.Execute(context.Background(), plan)
	if err != nil || applied.Verdict != VerdictAllCommitted {
		t.Fatalf("Expected committed run, got %v / %v", applied, err)
	}

	reverted, err := exec.Revert(context.Background(), plan, applied)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if reverted.Verdict != VerdictAllRolledBack {
		t.Errorf("Expected all rolled back, got %s", reverted.Verdict)
	}
	if reverted.RevertsRun != applied.RunID {
		t.Errorf("Expected RevertsRun %s, got %q", applied.RunID, reverted.RevertsRun)
	}
	for _, id := range []string{"r1", "r2"} {
		running, _, _, _ := backend.snapshot(id)
		if running["/x"] != "old" {
			t.Errorf("%s: expected old, got %v", id, running["/x"])
		}
	}
}

func TestFleetExecutor_Revert_DeviceMissingFromPlan(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"r1": netconfDevice("r1"), "r2": netconfDevice("r2")}
	backend.device("r1", map[string]any{"/x": "old"})
	backend.device("r2", map[string]any{"/x": "old"})
	exec, _ := newTestExecutor(catalog, backend)

	applied, err := exec.Execute(context.Background(), &ChangePlan{
		ID: "motd",
		Devices: []DevicePlan{
			{DeviceID: "r1", Edits: replaceEdit("/x", "new")},
			{DeviceID: "r2", Edits: replaceEdit("/x", "new")},
		},
	})
	if err != nil || applied.Verdict != VerdictAllCommitted {
		t.Fatalf("Expected committed run, got %v / %v", applied, err)
	}

	// The ordering plan only names r1; r2 committed and must be reverted too.
	reverted, err := exec.Revert(context.Background(), &ChangePlan{
		ID:      "motd",
		Devices: []DevicePlan{{DeviceID: "r1", Edits: replaceEdit("/x", "new")}},
	}, applied)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if reverted.Verdict != VerdictAllRolledBack {
		t.Errorf("Expected all rolled back, got %s", reverted.Verdict)
	}
	r2, ok := reverted.Device("r2")
	if !ok || r2.Outcome != OutcomeRolledBack {
		t.Errorf("Expected r2 rolled back, got %+v", r2)
	}
	running, _, _, _ := backend.snapshot("r2")
	if running["/x"] != "old" {
		t.Errorf("Expected r2 restored to old, got %v", running["/x"])
	}
}

func TestFleetExecutor_Execute_FailureSkipsTransitiveDependents(t *testing.T) {
	backend := newStatefulBackend()
	catalog := staticCatalog{"core": netconfDevice("core"), "agg": netconfDevice("agg"), "edge": netconfDevice("edge")}
	for id := range catalog {
		backend.device(id, map[string]any{"/x": "old"})
	}
	backend.failAlways("core", "validate", NewFatalError("invalid", nil).WithCode(ErrCodeValidationFailed))
	exec, _ := newTestExecutor(catalog, backend)

	result, err := exec.Execute(context.Background(), &ChangePlan{
		ID: "chain",
		Devices: []DevicePlan{
			{DeviceID: "core", Edits: replaceEdit("/x", "new")},
			{DeviceID: "agg", Edits: replaceEdit("/x", "new"), DependsOn: []string{"core"}},
			{DeviceID: "edge", Edits: replaceEdit("/x", "new"), DependsOn: []string{"agg"}},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, id := range []string{"agg", "edge"} {
		d, _ := result.Device(id)
		if d.Outcome != OutcomeSkipped || CodeOf(d.Error) != ErrCodeDependencyFailed {
			t.Errorf("%s: expected skipped for failed dependency, got %s (%v)", id, d.Outcome, d.Error)
		}
		if _, _, _, calls := backend.snapshot(id); len(calls) != 0 {
			t.Errorf("%s: expected never dispatched, got calls %v", id, calls)
		}
	}
}

func TestFleetExecutor_Resolve(t *testing.T) {
	stateful := newStatefulBackend()
	stateless := newStatelessBackend()
	both := netconfDevice("r1")
	both.Capabilities.Protocols = []Protocol{ProtocolNETCONF, ProtocolRESTCONF}
	catalog := staticCatalog{"r1": both, "sw1": restconfDevice("sw1")}
	exec, _ := newTestExecutor(catalog, stateful, stateless)

	graph, selected, err := exec.Resolve(&ChangePlan{
		ID: "preview",
		Devices: []DevicePlan{
			{DeviceID: "r1", Edits: []FieldEdit{
				{Path: "/a", Operation: EditReplace, Value: 1},
				{Path: "/b", Operation: EditDelete},
			}},
			{DeviceID: "sw1", Edits: replaceEdit("/a", 1), DependsOn: []string{"r1"}},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if selected["r1"] != ProtocolNETCONF {
		t.Errorf("Expected netconf for a multi-edit write, got %s", selected["r1"])
	}
	if selected["sw1"] != ProtocolRESTCONF {
		t.Errorf("Expected restconf, got %s", selected["sw1"])
	}
	if len(graph.Levels) != 2 {
		t.Errorf("Expected 2 levels, got %d", len(graph.Levels))
	}
}
