// Package compiler joins parsed bundles and registries into the rows of the
// four synchronized tables.
//
// Compilation is deterministic: the same input always yields the same rows in
// the same order (bundle enumeration order). Row keys are the run ID for Runs,
// Results Summaries and Briefings, and "<run>::<path>" for Artifacts.
//
// Problems are split by severity. A run ID claimed by two bundles makes the
// whole compilation fail with a *KeyCollisionError. Unresolved references and
// conflicting method definitions only reject the affected run, which is
// reported as a Diagnostic.
package compiler
