// Package ir defines the shared records of the bundle pipeline.
//
// Parsed inputs (runs, methods, scoring configs, registries, results,
// artifacts, briefings) are projected by the compiler into rows of four
// fixed tables: runs, results_summaries, artifacts and briefings. Rows carry
// string cell values exactly as they appear in the CSV mirror; column kinds
// decide how the planner compares them and how the remote adapter writes them.
//
// # Identity
//
// Row keys are stable human-assigned identifiers (the run ID, or
// "runID::path" for artifacts). Content digests use RFC 8785 canonical JSON
// hashed with SHA-256 and a domain prefix, see hash.go.
package ir
