package engine

import (
	"fmt"
)

// ValidatePlan checks a change plan's structure before any device I/O.
// It rejects empty plans, unknown operations, malformed or aliasing paths,
// dangling dependencies and dependency cycles, and returns the device graph.
func ValidatePlan(plan *ChangePlan) (*DeviceGraph, error) {
	if plan == nil {
		return nil, NewFatalError("plan is nil", nil).WithCode(ErrCodeInvalidPlan)
	}
	if len(plan.Devices) == 0 {
		return nil, NewFatalError("plan targets no devices", nil).WithCode(ErrCodeInvalidPlan)
	}
	if plan.Concurrency < 0 {
		return nil, NewFatalError(fmt.Sprintf("invalid concurrency %d", plan.Concurrency), nil).
			WithCode(ErrCodeInvalidPlan)
	}
	if plan.Deadline < 0 {
		return nil, NewFatalError("negative deadline", nil).WithCode(ErrCodeInvalidPlan)
	}

	for i := range plan.Devices {
		if err := validateDevicePlan(&plan.Devices[i]); err != nil {
			return nil, err
		}
	}

	return NewDAGBuilder().BuildGraph(plan.Devices)
}

func validateDevicePlan(dp *DevicePlan) error {
	if dp.DeviceID == "" {
		return NewFatalError("device entry has empty ID", nil).WithCode(ErrCodeInvalidPlan)
	}
	if len(dp.Edits) == 0 {
		return NewFatalError("device has no edits", nil).
			WithCode(ErrCodeInvalidPlan).WithDevice(dp.DeviceID)
	}

	parsed := make([][]PathSegment, len(dp.Edits))
	for i, edit := range dp.Edits {
		if err := ValidateEdit(edit); err != nil {
			return err.WithDevice(dp.DeviceID).WithDetail("edit", i)
		}
		segs, err := ParsePath(edit.Path)
		if err != nil {
			return NewFatalError("malformed path", err).
				WithCode(ErrCodeMalformedEdit).WithDevice(dp.DeviceID).WithDetail("edit", i)
		}
		parsed[i] = segs

		for j := 0; j < i; j++ {
			if PathsAlias(parsed[j], segs) {
				return NewFatalError(
					fmt.Sprintf("edits %d and %d target overlapping subtrees (%s, %s)",
						j, i, dp.Edits[j].Path, edit.Path),
					nil,
				).WithCode(ErrCodePathAlias).WithDevice(dp.DeviceID)
			}
		}
	}
	return nil
}

// ValidateEdit checks one field edit in isolation.
func ValidateEdit(edit FieldEdit) *EngineError {
	if edit.Path == "" {
		return NewFatalError("edit has empty path", nil).WithCode(ErrCodeMalformedEdit)
	}
	if !edit.Operation.Validate() {
		return NewFatalError(fmt.Sprintf("unknown edit operation %q", edit.Operation), nil).
			WithCode(ErrCodeMalformedEdit)
	}

	switch edit.Operation {
	case EditDelete:
		if edit.Value != nil {
			return NewFatalError("delete edit must not carry a value", nil).WithCode(ErrCodeMalformedEdit)
		}
	case EditMerge:
		if _, ok := edit.Value.(map[string]any); !ok {
			return NewFatalError("merge edit requires an object value", nil).WithCode(ErrCodeMalformedEdit)
		}
	default:
		if edit.Value == nil {
			return NewFatalError(fmt.Sprintf("%s edit requires a value", edit.Operation), nil).
				WithCode(ErrCodeMalformedEdit)
		}
	}
	return nil
}
