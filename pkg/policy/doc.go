// Package policy gates change plans with Open Policy Agent.
//
// Every policy is a Rego module with a deny set. Engine evaluates all enabled
// policies against an Input document holding the plan, the inventory view of
// the devices it touches and the calling context:
//
//	{
//	  "plan":    {"id": "...", "devices": [{"device": "core-1", "edits": [...]}]},
//	  "fleet":   {"size": 40, "concurrency": 10, "devices": {"core-1": {"labels": {...}}}},
//	  "context": {"operation": "apply", "dry_run": false}
//	}
//
// A deny entry is either a message string or an object with message and
// optional device, severity and details fields. Entries of severity error or
// critical reject the plan; warning and info entries are reported only.
//
// # Built-in policies
//
//   - non-empty-plan: a plan must change at least one device, and every device needs edits.
//   - management-interface: no deleting or disabling management interfaces.
//   - rollback-policy: multi-device plans must set rollback_on_any_failure.
//   - frozen-device: devices labeled frozen: "true" cannot be changed.
//   - concurrency: warns when plan concurrency exceeds the fleet size.
//
// # Custom policies
//
// Loader reads .rego files (named after the file, severity and tags from the
// header comment) and .json policy definitions from files or directories:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/fleetconf/policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluatePlan(ctx, plan, policy.NewFleet(devices, plan, 10), policy.Context{Operation: "apply"})
package policy
