package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetconf/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Logger receives errors from HandleEvent, which has no caller to return them to.
	Logger *zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own empty database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "store").Logger()
	}

	return &SQLiteStore{cfg: cfg, logger: logger}, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection pool.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun stores a finished fleet run and every device transaction in one
// database transaction. plan may be nil for revert runs.
func (s *SQLiteStore) RecordRun(ctx context.Context, plan *engine.ChangePlan, result *engine.FleetResult) error {
	if result == nil {
		return fmt.Errorf("no result to record")
	}

	run := &Run{
		ID:                   result.RunID,
		Kind:                 RunKindApply,
		PlanID:               result.PlanID,
		Verdict:              result.Verdict,
		RollbackOnAnyFailure: result.RollbackOnAnyFailure,
		Cancelled:            result.Cancelled,
		Devices:              len(result.Devices),
		Indeterminate:        result.HasIndeterminate(),
		StartedAt:            result.StartedAt,
		CompletedAt:          result.CompletedAt,
		DurationMS:           result.Duration.Milliseconds(),
		CreatedAt:            time.Now(),
	}
	if result.RevertsRun != "" {
		run.Kind = RunKindRevert
		reverts := result.RevertsRun
		run.RevertsRun = &reverts
	}
	counts := result.Counts()
	run.Committed = counts[engine.OutcomeCommitted]
	run.RolledBack = counts[engine.OutcomeRolledBack]
	run.Failed = counts[engine.OutcomeFailed]
	run.Skipped = counts[engine.OutcomeSkipped]

	if plan != nil {
		run.Description = plan.Description
		data, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		run.Plan = data
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	for i := range result.Devices {
		txn, err := newTransaction(run.ID, i, &result.Devices[i])
		if err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run *Run) error {
	query := `
		INSERT INTO runs (
			id, kind, plan_id, description, reverts_run, verdict, rollback_on_any_failure, cancelled,
			devices, committed, rolled_back, failed, skipped, indeterminate, plan,
			started_at, completed_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var plan *string
	if len(run.Plan) > 0 {
		p := string(run.Plan)
		plan = &p
	}

	_, err := tx.ExecContext(ctx, query,
		run.ID,
		run.Kind,
		run.PlanID,
		run.Description,
		run.RevertsRun,
		run.Verdict,
		run.RollbackOnAnyFailure,
		run.Cancelled,
		run.Devices,
		run.Committed,
		run.RolledBack,
		run.Failed,
		run.Skipped,
		run.Indeterminate,
		plan,
		run.StartedAt,
		run.CompletedAt,
		run.DurationMS,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func newTransaction(runID string, seq int, res *engine.DeviceResult) (*Transaction, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result for device %s: %w", res.DeviceID, err)
	}

	txn := &Transaction{
		RunID:         runID,
		Seq:           seq,
		DeviceID:      res.DeviceID,
		TxnID:         res.TxnID,
		Backend:       res.Backend,
		Outcome:       res.Outcome,
		State:         res.State,
		Reason:        res.Reason,
		Indeterminate: res.Indeterminate,
		Compensated:   res.Compensated,
		Locks:         res.Locks,
		Unlocks:       res.Unlocks,
		Result:        data,
		StartedAt:     res.StartedAt,
		CompletedAt:   res.CompletedAt,
	}
	if res.Error != nil {
		class := string(res.Error.Class)
		code := res.Error.Code
		txn.ErrorClass = &class
		txn.ErrorCode = &code
	}
	return txn, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	query := `
		INSERT INTO transactions (
			run_id, seq, device_id, txn_id, backend, outcome, state, reason, error_class, error_code,
			indeterminate, compensated, locks, unlocks, result, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := tx.ExecContext(ctx, query,
		txn.RunID,
		txn.Seq,
		txn.DeviceID,
		txn.TxnID,
		txn.Backend,
		txn.Outcome,
		txn.State,
		txn.Reason,
		txn.ErrorClass,
		txn.ErrorCode,
		txn.Indeterminate,
		txn.Compensated,
		txn.Locks,
		txn.Unlocks,
		string(txn.Result),
		txn.StartedAt,
		txn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction for device %s: %w", txn.DeviceID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transaction ID: %w", err)
	}
	txn.ID = id
	return nil
}

const runColumns = `
	id, kind, plan_id, description, reverts_run, verdict, rollback_on_any_failure, cancelled,
	devices, committed, rolled_back, failed, skipped, indeterminate, plan,
	started_at, completed_at, duration_ms, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var plan sql.NullString
	err := row.Scan(
		&run.ID,
		&run.Kind,
		&run.PlanID,
		&run.Description,
		&run.RevertsRun,
		&run.Verdict,
		&run.RollbackOnAnyFailure,
		&run.Cancelled,
		&run.Devices,
		&run.Committed,
		&run.RolledBack,
		&run.Failed,
		&run.Skipped,
		&run.Indeterminate,
		&plan,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMS,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if plan.Valid {
		run.Plan = json.RawMessage(plan.String)
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first, with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListTransactions returns a run's device transactions in plan order.
func (s *SQLiteStore) ListTransactions(ctx context.Context, runID string) ([]*Transaction, error) {
	query := `
		SELECT id, run_id, seq, device_id, txn_id, backend, outcome, state, reason, error_class, error_code,
			indeterminate, compensated, locks, unlocks, result, started_at, completed_at
		FROM transactions
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txns := []*Transaction{}
	for rows.Next() {
		txn := &Transaction{}
		var result string
		err := rows.Scan(
			&txn.ID,
			&txn.RunID,
			&txn.Seq,
			&txn.DeviceID,
			&txn.TxnID,
			&txn.Backend,
			&txn.Outcome,
			&txn.State,
			&txn.Reason,
			&txn.ErrorClass,
			&txn.ErrorCode,
			&txn.Indeterminate,
			&txn.Compensated,
			&txn.Locks,
			&txn.Unlocks,
			&result,
			&txn.StartedAt,
			&txn.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.Result = json.RawMessage(result)
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// LoadRun rebuilds the plan and fleet result of a recorded run, which is what
// engine.FleetExecutor.Revert needs. The plan is nil for revert runs.
func (s *SQLiteStore) LoadRun(ctx context.Context, id string) (*engine.ChangePlan, *engine.FleetResult, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var plan *engine.ChangePlan
	if len(run.Plan) > 0 {
		plan = &engine.ChangePlan{}
		if err := json.Unmarshal(run.Plan, plan); err != nil {
			return nil, nil, fmt.Errorf("failed to decode plan of run %s: %w", id, err)
		}
	}

	txns, err := s.ListTransactions(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	result := &engine.FleetResult{
		RunID:                run.ID,
		PlanID:               run.PlanID,
		Verdict:              run.Verdict,
		RollbackOnAnyFailure: run.RollbackOnAnyFailure,
		Cancelled:            run.Cancelled,
		StartedAt:            run.StartedAt,
		CompletedAt:          run.CompletedAt,
		Duration:             time.Duration(run.DurationMS) * time.Millisecond,
		Devices:              make([]engine.DeviceResult, 0, len(txns)),
	}
	if run.RevertsRun != nil {
		result.RevertsRun = *run.RevertsRun
	}
	for _, txn := range txns {
		res, err := txn.DeviceResult()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode result of device %s: %w", txn.DeviceID, err)
		}
		result.Devices = append(result.Devices, *res)
	}

	return plan, result, nil
}

// AppendEvent appends an engine event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (event_id, run_id, device_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var deviceID, details *string
	if event.DeviceID != "" {
		deviceID = &event.DeviceID
	}
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(data)
		details = &d
	}
	level := event.Level
	if level == "" {
		level = "info"
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		deviceID,
		event.Type,
		level,
		event.Message,
		details,
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// HandleEvent persists an event delivered by the event bus.
func (s *SQLiteStore) HandleEvent(event engine.Event) {
	if err := s.AppendEvent(context.Background(), &event); err != nil {
		s.logger.Error().Err(err).Str("run_id", event.RunID).Str("type", string(event.Type)).
			Msg("Failed to persist event")
	}
}

// GetEvents retrieves events in the order they were recorded.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, device_id, type, level, message, details, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR device_id = ?)
		  AND (? = '' OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query,
		q.RunID, q.RunID, q.DeviceID, q.DeviceID, q.Level, q.Level, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.DeviceID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered by action.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
