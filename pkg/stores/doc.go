// Package stores persists the audit trail of fleet runs in SQLite.
//
// SQLiteStore records every run (verdict, policy, plan), each device
// transaction with its complete engine.DeviceResult (backup snapshot, applied
// edits, attempts, lock counts), engine events from the event bus and operator
// audit entries. It implements engine.RunRecorder, and LoadRun rebuilds the
// plan and result that engine.FleetExecutor.Revert needs to undo a past run.
//
// The schema is managed by golang-migrate from embedded SQL files. File
// databases run in WAL mode; ":memory:" is limited to a single connection.
package stores
