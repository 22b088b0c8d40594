package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks the plan and marks a change that could cut off device access.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a Rego module whose deny set is evaluated against every plan.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy came from; empty for built-in policies.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string         `json:"policy"`
	Device   string         `json:"device,omitempty"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

func (v Violation) String() string {
	if v.Device != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Device, v.Message, v.Policy)
	}
	return fmt.Sprintf("[%s] %s (%s)", v.Severity, v.Message, v.Policy)
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are findings that do not block the plan.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Err returns a DeniedError when the plan is not allowed. With strict set,
// warnings deny the plan too.
func (r *Result) Err(strict bool) error {
	if r.Allowed && (!strict || len(r.Warnings) == 0) {
		return nil
	}
	found := append([]Violation(nil), r.Violations...)
	if strict {
		found = append(found, r.Warnings...)
	}
	return &DeniedError{Violations: found}
}

// DeniedError is returned when policy rejects a plan.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return "plan denied by policy: " + strings.Join(msgs, "; ")
}

// Input is the document Rego policies see as input.
type Input struct {
	Plan    *engine.ChangePlan `json:"plan"`
	Fleet   Fleet              `json:"fleet"`
	Context Context            `json:"context"`
}

// Fleet describes the inventory the plan runs against.
type Fleet struct {
	// Size is the number of devices in the inventory.
	Size int `json:"size"`

	// Concurrency is the number of devices the executor will run at once.
	Concurrency int `json:"concurrency"`

	// Devices holds the inventory entries of the devices the plan touches.
	Devices map[string]DeviceInfo `json:"devices"`
}

// DeviceInfo is the policy view of one inventory device.
type DeviceInfo struct {
	Protocols []engine.Protocol `json:"protocols"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// NewFleet builds the fleet input from the inventory devices.
func NewFleet(devices []engine.Device, plan *engine.ChangePlan, defaultConcurrency int) Fleet {
	fleet := Fleet{
		Size:        len(devices),
		Concurrency: defaultConcurrency,
		Devices:     make(map[string]DeviceInfo),
	}
	if plan.Concurrency > 0 {
		fleet.Concurrency = plan.Concurrency
	}

	inPlan := make(map[string]bool, len(plan.Devices))
	for _, id := range plan.DeviceIDs() {
		inPlan[id] = true
	}
	for _, d := range devices {
		if inPlan[d.ID] {
			fleet.Devices[d.ID] = DeviceInfo{Protocols: d.Capabilities.Protocols, Labels: d.Labels}
		}
	}
	return fleet
}

// Context describes who evaluates the plan and why.
type Context struct {
	User      string    `json:"user,omitempty"`
	Operation string    `json:"operation"`
	DryRun    bool      `json:"dry_run"`
	Timestamp time.Time `json:"timestamp"`
}
