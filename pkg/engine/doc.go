// Package engine applies change plans to a fleet of network devices.
//
// # Overview
//
// A ChangePlan maps device IDs to ordered field edits. The FleetExecutor
// validates the plan, resolves every device through a CapabilityCatalog,
// binds it to a Backend through the Selector and then runs one transaction per
// device, with bounded concurrency and in the order given by the plan's
// dependency DAG.
//
// Each device transaction is driven by the Coordinator through this state
// machine:
//
//	idle -> locked -> staged -> validated -> committed
//	staged | validated -> aborting -> rolled_back | failed
//
// Steps a backend does not support (see Descriptor) are identity transitions.
// A RESTCONF device, for example, is never locked and its edits go live
// with a direct replace. The backup snapshot is read after the lock and before
// any mutation.
//
// # Error Classes
//
// Every backend failure is an *EngineError with one of three classes:
//
//   - Transient: retried under the RetryPolicy
//   - Fatal: never retried, the transaction aborts
//   - Indeterminate: the request was sent but its outcome is unknown; the
//     device ends Failed with Indeterminate set and is never rolled back
//
// # Fleet Outcome
//
// Devices that commit while a sibling fails are reverted with compensating
// transactions when the plan's RollbackOnAnyFailure policy is true (the
// default). This is best-effort atomicity, not a two-phase commit. The
// aggregated Verdict is AllCommitted, AllRolledBack or PartialFailure.
//
// # Example
//
//	selector := engine.NewSelector(netconfBackend, restconfBackend)
//	exec := engine.NewFleetExecutor(catalog, selector, engine.DefaultExecutorConfig(),
//	    engine.WithLogger(logger),
//	    engine.WithRecorder(store),
//	)
//
//	result, err := exec.Execute(ctx, plan)
//	if err != nil {
//	    return err // the plan was rejected before any device was touched
//	}
//	if !result.Succeeded() {
//	    // inspect result.Devices
//	}
package engine
