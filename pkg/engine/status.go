package engine

import (
	"fmt"
)

// TxnState is the position of one device transaction in the lifecycle.
type TxnState string

const (
	// TxnStateIdle is the initial state before any device I/O.
	TxnStateIdle TxnState = "idle"

	// TxnStateLocked means the target datastore is exclusively held (or locking is unsupported).
	TxnStateLocked TxnState = "locked"

	// TxnStateStaged means the edits sit in the working copy. For backends without
	// staging the edits are already live.
	TxnStateStaged TxnState = "staged"

	// TxnStateValidated means the device accepted the staged change.
	TxnStateValidated TxnState = "validated"

	// TxnStateCommitted means the change is durable.
	TxnStateCommitted TxnState = "committed"

	// TxnStateAborting means compensating edits are being applied.
	TxnStateAborting TxnState = "aborting"

	// TxnStateRolledBack means the backup snapshot has been restored.
	TxnStateRolledBack TxnState = "rolled_back"

	// TxnStateFailed means the device may be in a mixed state and needs an operator.
	TxnStateFailed TxnState = "failed"
)

// IsTerminal returns true if no further transition is possible.
func (s TxnState) IsTerminal() bool {
	return s == TxnStateCommitted || s == TxnStateRolledBack || s == TxnStateFailed
}

// Validate checks if the transaction state is valid.
func (s TxnState) Validate() error {
	switch s {
	case TxnStateIdle, TxnStateLocked, TxnStateStaged, TxnStateValidated,
		TxnStateCommitted, TxnStateAborting, TxnStateRolledBack, TxnStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid transaction state: %s", s)
	}
}

// Step names one unit of device I/O performed by the coordinator.
type Step string

const (
	StepConnect  Step = "connect"
	StepLock     Step = "lock"
	StepBackup   Step = "backup"
	StepStage    Step = "stage"
	StepValidate Step = "validate"
	StepCommit   Step = "commit"
	StepVerify   Step = "verify"
	StepRollback Step = "rollback"
	StepUnlock   Step = "unlock"
	StepRead     Step = "read"
)

// Outcome is the terminal result of one device in a fleet run.
type Outcome string

const (
	// OutcomeCommitted indicates the device holds the desired configuration.
	OutcomeCommitted Outcome = "committed"

	// OutcomeRolledBack indicates the device was restored to its backup.
	OutcomeRolledBack Outcome = "rolled_back"

	// OutcomeFailed indicates the device could not be restored or the commit outcome is unknown.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates the device was never dispatched.
	OutcomeSkipped Outcome = "skipped"
)

// IsSuccess returns true if the device reached its desired state.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeCommitted
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeCommitted, OutcomeRolledBack, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// Verdict is the overall result of a fleet run.
type Verdict string

const (
	// VerdictAllCommitted indicates every device committed.
	VerdictAllCommitted Verdict = "all_committed"

	// VerdictPartialFailure indicates the fleet is not uniformly committed or uniformly restored.
	VerdictPartialFailure Verdict = "partial_failure"

	// VerdictAllRolledBack indicates every device was restored to its backup.
	VerdictAllRolledBack Verdict = "all_rolled_back"
)

// ComputeVerdict derives the fleet verdict from per-device outcomes.
// An empty result set is reported as AllCommitted.
func ComputeVerdict(results []DeviceResult) Verdict {
	committed, rolledBack := 0, 0
	for i := range results {
		switch results[i].Outcome {
		case OutcomeCommitted:
			committed++
		case OutcomeRolledBack:
			rolledBack++
		}
	}

	switch {
	case committed == len(results):
		return VerdictAllCommitted
	case rolledBack == len(results):
		return VerdictAllRolledBack
	default:
		return VerdictPartialFailure
	}
}
