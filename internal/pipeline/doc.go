// Package pipeline runs psb end to end for one workspace:
//
//	discover bundles → parse (parallel) → parse registries → load snapshot
//	→ compile → write CSV mirror → plan → execute → record state
//
// Each stage finishes completely before the next starts. Compile stops at
// a key collision before anything is written; otherwise the mirror is
// replaced with whatever compiled cleanly and the rejected bundles and
// runs are reported alongside.
package pipeline
