package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func boolPtr(b bool) *bool { return &b }

func inventory() []engine.Device {
	netconfOnly := engine.Capabilities{Protocols: []engine.Protocol{engine.ProtocolNETCONF}}
	return []engine.Device{
		{ID: "core-1", Capabilities: netconfOnly, Labels: map[string]string{"role": "core"}},
		{ID: "core-2", Capabilities: netconfOnly, Labels: map[string]string{"role": "core", "frozen": "true"}},
		{ID: "edge-1", Capabilities: netconfOnly},
	}
}

func replaceEdit(path string, value any) engine.FieldEdit {
	return engine.FieldEdit{Path: path, Operation: engine.EditReplace, Value: value}
}

func evaluate(t *testing.T, eng *Engine, plan *engine.ChangePlan) *Result {
	t.Helper()
	result, err := eng.EvaluatePlan(context.Background(), plan, NewFleet(inventory(), plan, 10), Context{Operation: "apply"})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	return result
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"concurrency", "frozen-device", "management-interface", "non-empty-plan", "rollback-policy"}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestEvaluatePlan(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		plan         *engine.ChangePlan
		allowed      bool
		wantPolicies []string
		wantWarnings int
	}{
		{
			name: "clean single device plan",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
				DeviceID: "core-1",
				Edits:    []engine.FieldEdit{replaceEdit("/ietf-system:system/hostname", "core-1")},
			}}},
			allowed: true,
		},
		{
			name:         "empty plan",
			plan:         &engine.ChangePlan{ID: "p"},
			allowed:      false,
			wantPolicies: []string{"non-empty-plan"},
		},
		{
			name: "device without edits",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{DeviceID: "core-1"}}},
			allowed:      false,
			wantPolicies: []string{"non-empty-plan"},
		},
		{
			name: "delete management interface",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
				DeviceID: "core-1",
				Edits: []engine.FieldEdit{{
					Path:      "/ietf-interfaces:interfaces/interface[name=Mgmt0]",
					Operation: engine.EditDelete,
				}},
			}}},
			allowed:      false,
			wantPolicies: []string{"management-interface"},
		},
		{
			name: "disable management interface by leaf",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
				DeviceID: "core-1",
				Edits:    []engine.FieldEdit{replaceEdit("/ietf-interfaces:interfaces/interface[name=fxp0]/enabled", false)},
			}}},
			allowed:      false,
			wantPolicies: []string{"management-interface"},
		},
		{
			name: "disable management interface by merge",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
				DeviceID: "core-1",
				Edits: []engine.FieldEdit{{
					Path:      "/ietf-interfaces:interfaces/interface[name=MgmtEth0/RP0/CPU0/0]",
					Operation: engine.EditMerge,
					Value:     map[string]any{"enabled": false},
				}},
			}}},
			allowed:      false,
			wantPolicies: []string{"management-interface"},
		},
		{
			name: "disable data interface",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
				DeviceID: "core-1",
				Edits:    []engine.FieldEdit{replaceEdit("/ietf-interfaces:interfaces/interface[name=Gi1]/enabled", false)},
			}}},
			allowed: true,
		},
		{
			name: "multi-device plan without rollback policy",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{
				{DeviceID: "core-1", Edits: []engine.FieldEdit{replaceEdit("/ietf-system:system/location", "ams")}},
				{DeviceID: "edge-1", Edits: []engine.FieldEdit{replaceEdit("/ietf-system:system/location", "ams")}},
			}},
			allowed:      false,
			wantPolicies: []string{"rollback-policy"},
		},
		{
			name: "multi-device plan with explicit rollback policy",
			plan: &engine.ChangePlan{ID: "p", RollbackOnAnyFailure: boolPtr(false), Devices: []engine.DevicePlan{
				{DeviceID: "core-1", Edits: []engine.FieldEdit{replaceEdit("/ietf-system:system/location", "ams")}},
				{DeviceID: "edge-1", Edits: []engine.FieldEdit{replaceEdit("/ietf-system:system/location", "ams")}},
			}},
			allowed: true,
		},
		{
			name: "frozen device",
			plan: &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
				DeviceID: "core-2",
				Edits:    []engine.FieldEdit{replaceEdit("/ietf-system:system/hostname", "core-2")},
			}}},
			allowed:      false,
			wantPolicies: []string{"frozen-device"},
		},
		{
			name: "concurrency above fleet size",
			plan: &engine.ChangePlan{ID: "p", Concurrency: 50, Devices: []engine.DevicePlan{{
				DeviceID: "core-1",
				Edits:    []engine.FieldEdit{replaceEdit("/ietf-system:system/hostname", "core-1")},
			}}},
			allowed:      true,
			wantWarnings: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := evaluate(t, eng, tt.plan)

			if result.Allowed != tt.allowed {
				t.Errorf("expected allowed=%v, got %v (violations: %v)", tt.allowed, result.Allowed, result.Violations)
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("expected %d warnings, got %v", tt.wantWarnings, result.Warnings)
			}
			for _, want := range tt.wantPolicies {
				found := false
				for _, v := range result.Violations {
					if v.Policy == want {
						found = true
					}
				}
				if !found {
					t.Errorf("expected a violation from %s, got %v", want, result.Violations)
				}
			}
		})
	}
}

func TestEvaluatePlan_ViolationFields(t *testing.T) {
	eng := newTestEngine(t)

	plan := &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{
		DeviceID: "core-1",
		Edits: []engine.FieldEdit{{
			Path:      "/ietf-interfaces:interfaces/interface[name=management1]",
			Operation: engine.EditDelete,
		}},
	}}}
	result := evaluate(t, eng, plan)

	if len(result.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %v", result.Violations)
	}
	v := result.Violations[0]
	if v.Device != "core-1" {
		t.Errorf("expected device core-1, got '%s'", v.Device)
	}
	if v.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", v.Severity)
	}
	if !strings.Contains(v.Message, "management1") {
		t.Errorf("expected message to name the path, got '%s'", v.Message)
	}

	err := result.Err(false)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "core-1") {
		t.Errorf("expected error to name the device, got '%v'", err)
	}
}

func TestResultErr_Strict(t *testing.T) {
	result := &Result{Allowed: true, Warnings: []Violation{{Policy: "concurrency", Message: "too many", Severity: SeverityWarning}}}

	if err := result.Err(false); err != nil {
		t.Errorf("warnings should not deny a plan, got %v", err)
	}
	if err := result.Err(true); err == nil {
		t.Error("expected warnings to deny the plan in strict mode")
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("rollback-policy"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	plan := &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{
		{DeviceID: "core-1", Edits: []engine.FieldEdit{replaceEdit("/ietf-system:system/location", "ams")}},
		{DeviceID: "edge-1", Edits: []engine.FieldEdit{replaceEdit("/ietf-system:system/location", "ams")}},
	}}
	if result := evaluate(t, eng, plan); !result.Allowed {
		t.Errorf("expected plan allowed with rollback-policy disabled, got %v", result.Violations)
	}

	if err := eng.EnablePolicy("rollback-policy"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if result := evaluate(t, eng, plan); result.Allowed {
		t.Error("expected plan denied after re-enabling rollback-policy")
	}

	if err := eng.DisablePolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestNewFleet(t *testing.T) {
	plan := &engine.ChangePlan{ID: "p", Devices: []engine.DevicePlan{{DeviceID: "core-2"}}}
	fleet := NewFleet(inventory(), plan, 10)

	if fleet.Size != 3 {
		t.Errorf("expected fleet size 3, got %d", fleet.Size)
	}
	if fleet.Concurrency != 10 {
		t.Errorf("expected default concurrency 10, got %d", fleet.Concurrency)
	}
	if len(fleet.Devices) != 1 || fleet.Devices["core-2"].Labels["frozen"] != "true" {
		t.Errorf("expected only core-2 in fleet devices, got %v", fleet.Devices)
	}

	plan.Concurrency = 2
	if got := NewFleet(inventory(), plan, 10).Concurrency; got != 2 {
		t.Errorf("expected plan concurrency 2, got %d", got)
	}
}
