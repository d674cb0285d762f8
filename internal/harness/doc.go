// Package harness runs end-to-end sync scenarios against an in-memory
// record store.
//
// A scenario writes run bundles into a fresh workspace holding the demo
// registries, drives the pipeline through a sequence of steps and asserts
// on the remote calls made and the state left behind.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	golden: true
//	bundles:
//	  - run_id: RUN-EXP-20250814-0001-AB
//	    status: Completed
//	    results: true
//	    briefing: true
//	remote:
//	  seed:
//	    - table: runs
//	      values: { "RUN ID": RUN-EXP-20250814-0001-AB }
//	  faults:
//	    - { kind: create, table: runs, transient: true, times: 2 }
//	  races:
//	    - { table: runs, key: RUN-EXP-20250814-0001-AB }
//	  drop_properties:
//	    - { table: runs, property: Code Commit }
//	steps:
//	  - action: sync
//	    expect:
//	      plan: { create: 3 }
//	      outcomes: { created: 3 }
//	      ok: true
//	assertions:
//	  - type: remote_record
//	    table: runs
//	    key: RUN-EXP-20250814-0001-AB
//	    expect: { Status: Completed }
//
// # Assertion Types
//
//   - remote_count: a table holds exactly count records
//   - remote_record: one record carries the key; expect is a subset match
//     and absent lists properties it must not carry
//   - call_count: the trace holds count calls of a kind, optionally per table
//   - state_row: the state database recorded the row with a remote ID
//   - method_digest: a digest was recorded for the named method
//   - mirror_row: the CSV mirror holds the row
//
// # Deterministic Testing
//
// Retries sleep on a fake clock and remote record IDs are sequential
// ("page-0001", ...). Tables after runs are written in parallel, so the
// trace groups each step's calls by table in write order. This keeps
// golden traces identical across runs.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/demo_sync.yaml")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	result, err := harness.Run(t, scenario)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	if !result.Pass {
//	    t.Errorf("scenario failed: %v", result.Errors)
//	}
package harness
