package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunKind distinguishes plan applications from reverts.
type RunKind string

const (
	// RunKindApply is a run started from a change plan.
	RunKindApply RunKind = "apply"

	// RunKindRevert is a run that restored the backups of an earlier run.
	RunKindRevert RunKind = "revert"
)

// Run is the audit record of one fleet run.
type Run struct {
	ID                   string          `json:"id"`
	Kind                 RunKind         `json:"kind"`
	PlanID               string          `json:"plan_id"`
	Description          string          `json:"description,omitempty"`
	RevertsRun           *string         `json:"reverts_run,omitempty"`
	Verdict              engine.Verdict  `json:"verdict"`
	RollbackOnAnyFailure bool            `json:"rollback_on_any_failure"`
	Cancelled            bool            `json:"cancelled"`
	Devices              int             `json:"devices"`
	Committed            int             `json:"committed"`
	RolledBack           int             `json:"rolled_back"`
	Failed               int             `json:"failed"`
	Skipped              int             `json:"skipped"`
	Indeterminate        bool            `json:"indeterminate"`
	Plan                 json.RawMessage `json:"plan,omitempty"`
	StartedAt            time.Time       `json:"started_at"`
	CompletedAt          time.Time       `json:"completed_at"`
	DurationMS           int64           `json:"duration_ms"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Transaction is the audit record of one device transaction within a run.
// Result holds the complete engine.DeviceResult, including the backup snapshot.
type Transaction struct {
	ID            int64           `json:"id"`
	RunID         string          `json:"run_id"`
	Seq           int             `json:"seq"`
	DeviceID      string          `json:"device_id"`
	TxnID         string          `json:"txn_id,omitempty"`
	Backend       engine.Protocol `json:"backend,omitempty"`
	Outcome       engine.Outcome  `json:"outcome"`
	State         engine.TxnState `json:"state,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ErrorClass    *string         `json:"error_class,omitempty"`
	ErrorCode     *string         `json:"error_code,omitempty"`
	Indeterminate bool            `json:"indeterminate"`
	Compensated   bool            `json:"compensated"`
	Locks         int             `json:"locks"`
	Unlocks       int             `json:"unlocks"`
	Result        json.RawMessage `json:"result"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// DeviceResult decodes the stored engine result.
func (t *Transaction) DeviceResult() (*engine.DeviceResult, error) {
	var res engine.DeviceResult
	if err := json.Unmarshal(t.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Event is a persisted engine event.
type Event struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"event_id"`
	RunID     string           `json:"run_id"`
	DeviceID  *string          `json:"device_id,omitempty"`
	Type      engine.EventType `json:"type"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	Details   *string          `json:"details,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventQuery filters GetEvents. Empty fields match everything.
type EventQuery struct {
	RunID    string
	DeviceID string
	Level    string
	Limit    int
	Offset   int
}

// AuditEntry records an operator action.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Common audit actions.
const (
	AuditActionApply    = "apply"
	AuditActionRollback = "rollback"
	AuditActionBackup   = "backup"
)

// Store is the audit trail of fleet runs.
type Store interface {
	engine.RunRecorder

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListTransactions(ctx context.Context, runID string) ([]*Transaction, error)
	LoadRun(ctx context.Context, id string) (*engine.ChangePlan, *engine.FleetResult, error)

	AppendEvent(ctx context.Context, event *engine.Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)
}
