// Package mirror writes and reads the local CSV mirror of the compiled
// tables: out/runs.csv, out/results_summaries.csv, out/artifacts.csv and
// out/briefings.csv. Headers follow the table schemas in internal/ir, so
// the files import directly into the remote databases.
//
// Every file is replaced atomically and all four are staged before any is
// renamed into place, so a failed write leaves the previous mirror intact.
package mirror
