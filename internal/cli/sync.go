package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/psb/internal/executor"
	"github.com/roach88/psb/internal/pipeline"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	DryRun bool
}

// SyncSummary is the machine-readable outcome of sync.
type SyncSummary struct {
	Compile    CompileSummary           `json:"compile"`
	Report     *executor.SyncReport     `json:"report"`
	Counts     map[executor.Outcome]int `json:"counts"`
	SyncRunID  string                   `json:"sync_run_id,omitempty"`
	ReportPath string                   `json:"report_path,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push planned creates and updates to Notion",
		Long: `Compile, plan and execute against the Notion databases. Each committed
row is recorded in the state database as it lands, so an interrupted sync
resumes where it stopped.

With --dry-run nothing is written to Notion or the state database; the
report lists what would have been created or updated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report intended writes without performing them")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	synced, err := s.pipeline(opts.RootOptions).Sync(commandContext(cmd))
	if synced == nil {
		if err == nil {
			err = fmt.Errorf("sync produced no report")
		}
		if opts.remote == nil && !s.cfg.Sync.DryRun && s.cfg.ValidateRemote() != nil {
			return s.fail(ErrCodeConfig, "sync", err)
		}
		return s.compileFailed(err)
	}

	sum := SyncSummary{
		Compile:    summarize(synced.Compiled),
		Report:     synced.Report,
		Counts:     synced.Report.Counts(),
		SyncRunID:  synced.SyncRunID,
		ReportPath: synced.ReportPath,
	}
	failed := err != nil || !synced.Report.OK() || !synced.Clean() || len(synced.Report.Blocked) > 0

	if s.out.JSON() {
		if !failed {
			return s.out.Success(sum)
		}
		message := "sync did not complete"
		if err != nil {
			message = err.Error()
		}
		s.out.Error(syncFailureCode(synced, err), message, sum)
		return WrapExitError(ExitFailure, "sync incomplete", err)
	}

	s.printCompileIssues(sum.Compile)
	s.printReport(synced.Report)
	if err != nil {
		s.out.Fail("%v", err)
	}
	if synced.ReportPath != "" {
		s.out.VerboseLog("report written to %s", synced.ReportPath)
	}
	if failed {
		return WrapExitError(ExitFailure, "sync incomplete", err)
	}
	if synced.Report.DryRun {
		s.out.Pass("Dry run complete")
	} else {
		s.out.Pass("Sync complete")
	}
	return nil
}

func syncFailureCode(synced *pipeline.Synced, err error) string {
	switch {
	case err != nil || !synced.Report.OK():
		return ErrCodeSync
	case len(synced.Report.Blocked) > 0:
		return ErrCodeBlocked
	default:
		return rejectionCode(summarize(synced.Compiled))
	}
}

// printReport renders each operation outcome, then the totals.
func (s *session) printReport(report *executor.SyncReport) {
	for _, t := range report.Tables {
		for _, res := range t.Results {
			switch res.Outcome {
			case executor.Failed:
				s.out.Fail("%s %s %s: %s", t.Table, res.Key, res.Outcome, res.Error)
			case executor.Skipped, executor.NotAttempted:
				s.out.Warn("%s %s %s", t.Table, res.Key, res.Outcome)
			default:
				s.out.Printf("  %s %s %s\n", t.Table, res.Key, res.Outcome)
			}
		}
		for _, w := range t.Warnings {
			s.out.Warn("%s: %s", t.Table, w)
		}
	}
	for _, b := range report.Blocked {
		s.out.Warn("%s %s blocked: run %s is %s", b.Table, b.Key, b.RunID, b.Status)
	}

	c := report.Counts()
	if report.DryRun {
		s.out.Printf("Would create %d, would update %d\n", c[executor.WouldCreate], c[executor.WouldUpdate])
		return
	}
	s.out.Printf("Created %d, updated %d, failed %d, skipped %d\n",
		c[executor.Created], c[executor.Updated], c[executor.Failed], c[executor.Skipped]+c[executor.NotAttempted])
}
