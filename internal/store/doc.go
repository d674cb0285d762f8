// Package store keeps psb's local state in SQLite.
//
// The state is what the planner diffs against:
//   - synced_rows: the last committed remote state of every row, keyed by
//     (table, row key), with the remote record ID and row hash
//   - method_digests: the first synced digest of each method name, so a
//     later redefinition is caught as a conflict
//   - sync_runs: an append-only log of sync reports
//
// Rows are upserted as soon as the executor commits them remotely, so an
// interrupted sync leaves an accurate snapshot behind. Nothing is ever
// deleted from synced_rows.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Queries that return lists order by key with COLLATE BINARY so output is
// identical across runs.
package store
