// Package executor applies a plan to a remote record store.
//
// Execution order follows the foreign keys: Runs first, then Results
// Summaries, Artifacts and Briefings concurrently, each table strictly
// sequential. Every write re-queries the remote by key first, so running
// the same plan twice converges on one record per key.
//
// Failure handling:
//   - Transient failures are retried with exponential backoff, honouring
//     Retry-After. Exhausting the attempts fails that row only.
//   - Non-transient failures abort the rest of the table. Rows already
//     written stay written and are recorded.
//   - Rows of a run whose Runs row did not commit are skipped.
package executor
