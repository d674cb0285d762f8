package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/pipeline"
	"github.com/roach88/psb/internal/planner"
)

// PlanSummary is the machine-readable outcome of plan.
type PlanSummary struct {
	Compile CompileSummary `json:"compile"`
	Plan    *planner.Plan  `json:"plan"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what a sync would create and update",
		Long: `Compile the bundles, write the mirror and diff the tables against the
last synchronized state. The remote is not contacted.

Updates to rows of a run already synchronized as Completed or Failed are
listed as blocked and make the command exit 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, cmd)
		},
	}
}

func runPlan(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	planned, err := s.pipeline(opts).Plan(commandContext(cmd))
	if err != nil {
		return s.compileFailed(err)
	}

	sum := PlanSummary{Compile: summarize(planned.Compiled), Plan: planned.Plan}
	failed := !planned.Clean() || len(planned.Plan.Blocked) > 0
	if s.out.JSON() {
		if !failed {
			return s.out.Success(sum)
		}
		s.out.Error(planFailureCode(planned), "plan has rejected input or blocked updates", sum)
		return NewExitError(ExitFailure, "plan incomplete")
	}

	s.printCompileIssues(sum.Compile)
	s.printPlan(planned.Plan)
	if failed {
		return NewExitError(ExitFailure, "plan incomplete")
	}
	return nil
}

func planFailureCode(planned *pipeline.Planned) string {
	if !planned.Clean() {
		return rejectionCode(summarize(planned.Compiled))
	}
	return ErrCodeBlocked
}

// printCompileIssues lists rejected input in text mode.
func (s *session) printCompileIssues(sum CompileSummary) {
	for _, msg := range sum.ParseErrors {
		s.out.Fail("%s", msg)
	}
	for _, d := range sum.Diagnostics {
		s.out.Fail("%s", d.Error())
	}
}

// printPlan renders a plan one operation per line, grouped by table.
func (s *session) printPlan(plan *planner.Plan) {
	for _, t := range ir.TableOrder {
		for _, op := range plan.TableOps(t) {
			switch op.Kind {
			case planner.Create:
				s.out.Printf("  + %s %s\n", t, op.Key)
			case planner.Update:
				s.out.Printf("  ~ %s %s (%s)\n", t, op.Key, strings.Join(op.Changed, ", "))
				if s.out.Verbose && op.Diff != "" {
					for _, line := range strings.Split(strings.TrimRight(op.Diff, "\n"), "\n") {
						s.out.Printf("      %s\n", line)
					}
				}
			}
		}
	}
	for _, b := range plan.Blocked {
		s.out.Warn("%s %s blocked: run %s is %s (%s)", b.Table, b.Key, b.RunID, b.Status, strings.Join(b.Changed, ", "))
	}
	s.out.Printf("%s\n", planLine(plan))
}

func planLine(plan *planner.Plan) string {
	noops := 0
	for _, n := range plan.NoOps {
		noops += n
	}
	if plan.Empty() && len(plan.Blocked) == 0 {
		return fmt.Sprintf("Nothing to do (%d row(s) up to date)", noops)
	}
	return fmt.Sprintf("Plan: %d to create, %d to update, %d unchanged, %d blocked",
		plan.Count(planner.Create, ""), plan.Count(planner.Update, ""), noops, len(plan.Blocked))
}
