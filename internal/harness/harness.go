package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/roach88/psb/internal/config"
	"github.com/roach88/psb/internal/executor"
	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/pipeline"
	"github.com/roach88/psb/internal/planner"
	"github.com/roach88/psb/internal/remote"
	"github.com/roach88/psb/internal/testutil"
)

// Harness is the scenario execution engine. It runs every step with a
// fake clock, sequential record IDs and a fresh workspace.
type Harness struct {
	ws       *testutil.Workspace
	cfg      *config.Config
	remote   *remote.Memory
	pipeline *pipeline.Pipeline
	seen     int
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Create a workspace holding the demo registries and the scenario bundles
//  2. Prepare the in-memory remote: seed records, faults, races, dropped properties
//  3. Run each step, tracing its remote calls and checking its expectations
//  4. Evaluate the final assertions
//
// The returned error reports a harness failure; failed expectations are
// collected in Result.Errors.
func Run(t testing.TB, scenario *Scenario) (*Result, error) {
	t.Helper()
	h, err := newHarness(t, scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		h.execute(ctx, i+1, step, result)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Remote:  h.remote,
		StateDB: h.cfg.Workspace.StateDB,
		OutDir:  h.cfg.Workspace.OutDir,
		Trace:   result.Trace,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(t testing.TB, scenario *Scenario) (*Harness, error) {
	ws := testutil.NewWorkspace(t)
	ws.AddDemoRegistries()
	for _, b := range scenario.Bundles {
		ws.AddBundle(bundleSpec(b))
	}

	var memOpts []remote.MemoryOption
	memOpts = append(memOpts, remote.WithIDs(testutil.NewSequentialIDs("page").NewID))
	for _, drop := range scenario.Remote.Drop {
		s := remote.ExpectedSchema(drop.Table)
		if _, ok := s.Properties[drop.Property]; !ok {
			return nil, fmt.Errorf("drop_properties: %s has no property %q", drop.Table, drop.Property)
		}
		delete(s.Properties, drop.Property)
		memOpts = append(memOpts, remote.WithSchema(drop.Table, s))
	}
	mem := remote.NewMemory(memOpts...)
	for _, rec := range scenario.Remote.Seed {
		mem.Seed(rec.Table, rec.Values)
	}
	for _, f := range scenario.Remote.Faults {
		mem.Inject(fault(f))
	}
	for _, r := range scenario.Remote.Races {
		mem.Race(r.Table, r.Key)
	}

	cfg := workspaceConfig(ws)
	clock := testutil.NewFakeClock()
	return &Harness{
		ws:     ws,
		cfg:    cfg,
		remote: mem,
		pipeline: pipeline.New(cfg, pipeline.Options{
			Remote: mem,
			Sleep:  clock.Sleep,
			Now:    clock.Now,
		}),
	}, nil
}

// workspaceConfig points a configuration at a harness workspace.
func workspaceConfig(ws *testutil.Workspace) *config.Config {
	p := ws.Paths()
	return &config.Config{
		Workspace: config.WorkspaceConfig{
			Root:            ws.Root,
			Bundles:         p.Bundles,
			MethodsDir:      p.MethodsDir,
			ScoringDir:      p.ScoringDir,
			CorporaRegistry: p.CorporaRegistry,
			Ciphertexts:     p.Ciphertexts,
			OutDir:          p.OutDir,
			StateDB:         p.StateDB,
		},
		Sync: config.SyncConfig{
			Attempts:    3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    4 * time.Second,
			CallTimeout: 5 * time.Second,
		},
		Log: config.LogConfig{Format: "text"},
	}
}

func bundleSpec(b BundleStep) testutil.BundleSpec {
	spec := testutil.BundleSpec{
		RunID:      b.RunID,
		Status:     b.Status,
		Ciphertext: b.Ciphertext,
		Method:     b.Method,
		Results:    b.Results,
		BestScore:  b.BestScore,
		Artifacts:  b.Artifacts,
		Checksums:  b.Checksums,
	}
	if b.Briefing {
		spec.Briefing = testutil.DemoBriefing(b.RunID)
	}
	return spec
}

func fault(f FaultSpec) remote.Fault {
	msg := f.Message
	if msg == "" {
		msg = "injected " + string(f.Kind) + " failure"
	}
	op := string(f.Kind) + " " + string(f.Table)
	var err error = remote.NewFatal(op, errors.New(msg))
	if f.Transient {
		err = remote.NewTransient(op, errors.New(msg))
	}
	return remote.Fault{Kind: f.Kind, Table: f.Table, Key: f.Key, Times: f.Times, Err: err}
}

// execute runs one step and checks its expectations.
func (h *Harness) execute(ctx context.Context, n int, step Step, result *Result) {
	for _, b := range step.Bundles {
		h.ws.AddBundle(bundleSpec(b))
	}
	for _, f := range step.Faults {
		h.remote.Inject(fault(f))
	}

	out := StepOutcome{Action: step.Action}
	var compiled *pipeline.Compiled
	switch step.Action {
	case ActionValidate:
		compiled, out.Err = h.pipeline.Validate(ctx)
	case ActionCompile:
		compiled, out.Err = h.pipeline.Compile(ctx)
	case ActionPlan:
		var planned *pipeline.Planned
		planned, out.Err = h.pipeline.Plan(ctx)
		if planned != nil {
			compiled, out.Plan = planned.Compiled, planned.Plan
		}
	case ActionSync, ActionDryRun:
		h.cfg.Sync.DryRun = step.Action == ActionDryRun
		var synced *pipeline.Synced
		synced, out.Err = h.pipeline.Sync(ctx)
		if synced != nil {
			compiled, out.Plan, out.Report = synced.Compiled, synced.Plan, synced.Report
		}
		h.cfg.Sync.DryRun = false
	}
	result.Steps = append(result.Steps, out)
	result.Trace = append(result.Trace, h.traceSince(n)...)

	if step.Expect != nil {
		for _, msg := range checkStep(step.Expect, out, compiled) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", n, step.Action, msg))
		}
	} else if out.Err != nil {
		result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, step.Action, out.Err))
	}
}

// traceSince returns the calls made since the last step, grouped by table
// in write order.
func (h *Harness) traceSince(step int) []CallEvent {
	calls := h.remote.Calls()
	fresh := calls[h.seen:]
	h.seen = len(calls)

	var out []CallEvent
	for _, table := range ir.TableOrder {
		for _, c := range fresh {
			if c.Table != table {
				continue
			}
			out = append(out, CallEvent{
				Step:   step,
				Call:   string(c.Kind),
				Table:  string(c.Table),
				Key:    c.Key,
				Failed: c.Err != "",
			})
		}
	}
	return out
}

// checkStep compares one step outcome with its expectations.
func checkStep(want *StepExpect, out StepOutcome, c *pipeline.Compiled) []string {
	var errs []string
	switch {
	case want.Error != "" && out.Err == nil:
		errs = append(errs, fmt.Sprintf("expected error containing %q, got none", want.Error))
	case want.Error != "" && !strings.Contains(out.Err.Error(), want.Error):
		errs = append(errs, fmt.Sprintf("expected error containing %q, got %v", want.Error, out.Err))
	case want.Error == "" && out.Err != nil:
		errs = append(errs, fmt.Sprintf("unexpected error: %v", out.Err))
	}

	if want.Clean != nil {
		if c == nil {
			errs = append(errs, "no compile result to check clean")
		} else if c.Clean() != *want.Clean {
			errs = append(errs, fmt.Sprintf("clean = %v, want %v (parse errors %v)", c.Clean(), *want.Clean, c.ParseErrors()))
		}
	}
	if want.Diagnostics != nil {
		got := 0
		if c != nil && c.Result != nil {
			got = len(c.Result.Diagnostics)
		}
		if got != *want.Diagnostics {
			errs = append(errs, fmt.Sprintf("diagnostics = %d, want %d", got, *want.Diagnostics))
		}
	}

	for _, kind := range ir.SortedKeys(want.Plan) {
		if out.Plan == nil {
			errs = append(errs, "no plan to check")
			break
		}
		if got := planCount(out.Plan, kind); got != want.Plan[kind] {
			errs = append(errs, fmt.Sprintf("plan %s = %d, want %d", kind, got, want.Plan[kind]))
		}
	}
	for _, outcome := range ir.SortedKeys(want.Outcomes) {
		if out.Report == nil {
			errs = append(errs, "no report to check")
			break
		}
		if got := out.Report.Count(executor.Outcome(outcome)); got != want.Outcomes[outcome] {
			errs = append(errs, fmt.Sprintf("outcome %s = %d, want %d", outcome, got, want.Outcomes[outcome]))
		}
	}
	if want.OK != nil {
		if out.Report == nil {
			errs = append(errs, "no report to check ok")
		} else if out.Report.OK() != *want.OK {
			errs = append(errs, fmt.Sprintf("ok = %v, want %v", out.Report.OK(), *want.OK))
		}
	}
	return errs
}

func planCount(p *planner.Plan, kind string) int {
	switch kind {
	case "create":
		return p.Count(planner.Create, "")
	case "update":
		return p.Count(planner.Update, "")
	case "blocked":
		return len(p.Blocked)
	case "noop":
		n := 0
		for _, c := range p.NoOps {
			n += c
		}
		return n
	default:
		return -1
	}
}
