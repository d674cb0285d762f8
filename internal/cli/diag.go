package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/remote"
)

// DiagSummary is the machine-readable outcome of diag.
type DiagSummary struct {
	TokenSet  bool                  `json:"token_set"`
	Databases map[ir.TableName]bool `json:"databases_set"`
	Tables    []remote.Diagnosis    `json:"tables,omitempty"`
}

// NewDiagCommand creates the diag command.
func NewDiagCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Check Notion credentials and database layouts",
		Long: `Report which Notion settings are present, then describe each database
and compare its properties with the columns psb writes. Secret values
are never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiag(rootOpts, cmd)
		},
	}
}

func runDiag(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	sum := DiagSummary{
		TokenSet:  s.cfg.Notion.Token != "",
		Databases: make(map[ir.TableName]bool, len(ir.TableOrder)),
	}
	ids := s.cfg.DatabaseIDs()
	for _, t := range ir.TableOrder {
		sum.Databases[t] = ids[t] != ""
	}
	if !s.out.JSON() {
		s.out.Printf("NOTION_TOKEN: %s\n", present(sum.TokenSet))
		for _, t := range ir.TableOrder {
			s.out.Printf("%s database: %s\n", t, present(sum.Databases[t]))
		}
	}

	rs := opts.remote
	if rs == nil {
		if err := s.cfg.ValidateRemote(); err != nil {
			s.out.Error(ErrCodeConfig, err.Error(), sum)
			return WrapExitError(ExitCommandError, "remote not configured", err)
		}
		client, err := s.pipeline(opts).NotionClient()
		if err != nil {
			return s.fail(ErrCodeConfig, "notion client", err)
		}
		rs = client
	}

	sum.Tables = remote.Diagnose(commandContext(cmd), rs, ir.TableOrder)
	ok := true
	for _, d := range sum.Tables {
		ok = ok && d.OK()
	}

	if s.out.JSON() {
		if ok {
			return s.out.Success(sum)
		}
		s.out.Error(ErrCodeRemote, "remote databases do not match the expected layout", sum)
		return NewExitError(ExitFailure, "remote layout mismatch")
	}

	for _, d := range sum.Tables {
		s.printDiagnosis(d)
	}
	if !ok {
		return NewExitError(ExitFailure, "remote layout mismatch")
	}
	s.out.Pass("All databases match")
	return nil
}

func (s *session) printDiagnosis(d remote.Diagnosis) {
	if d.Error != "" {
		s.out.Fail("%s: %s", d.Table, d.Error)
		return
	}
	s.out.Printf("%s: title property %q\n", d.Table, d.TitleProperty)
	for _, name := range ir.SortedKeys(d.Properties) {
		s.out.Printf("  %-24s %s\n", name, d.Properties[name])
	}
	for _, name := range d.Missing {
		s.out.Warn("%s: property %q is missing and will be skipped", d.Table, name)
	}
	for _, p := range d.Problems {
		s.out.Fail("%s: %s", d.Table, p)
	}
}

func present(ok bool) string {
	if ok {
		return "set"
	}
	return "missing"
}
