package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/psb/internal/compiler"
	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/pipeline"
)

// CompileSummary is the machine-readable outcome of validate and compile.
type CompileSummary struct {
	Bundles     int                   `json:"bundles"`
	Rejected    []string              `json:"rejected,omitempty"`
	ParseErrors []string              `json:"parse_errors,omitempty"`
	Diagnostics []compiler.Diagnostic `json:"diagnostics,omitempty"`
	Rows        map[ir.TableName]int  `json:"rows"`
	Files       []string              `json:"files,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Compile bundles and write the CSV mirror",
		Long: `Parse every bundle, compile the four tables and replace the CSV
mirror and methods seed in the output directory.

Rejected bundles and runs are reported and left out. The mirror is not
touched when two bundles claim the same row key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(rootOpts, cmd)
		},
	}
}

func runCompile(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	c, err := s.pipeline(opts).Compile(commandContext(cmd))
	if err != nil {
		return s.compileFailed(err)
	}
	return s.reportCompiled(c, "compile")
}

// summarize collects a compile outcome for output.
func summarize(c *pipeline.Compiled) CompileSummary {
	sum := CompileSummary{
		Bundles:  len(c.Bundles),
		Rejected: c.Rejected(),
		Rows:     make(map[ir.TableName]int, len(ir.TableOrder)),
		Files:    c.MirrorPaths,
	}
	for _, err := range c.ParseErrors() {
		sum.ParseErrors = append(sum.ParseErrors, err.Error())
	}
	if c.Result != nil {
		sum.Diagnostics = c.Result.Diagnostics
		for _, t := range ir.TableOrder {
			sum.Rows[t] = len(c.Result.Tables.Rows(t))
		}
	}
	return sum
}

// reportCompiled prints a compile outcome. Rejected input fails the
// command with ExitFailure even though the clean rows were compiled.
func (s *session) reportCompiled(c *pipeline.Compiled, verb string) error {
	sum := summarize(c)
	clean := c.Clean()

	if s.out.JSON() {
		if clean {
			return s.out.Success(sum)
		}
		s.out.Error(rejectionCode(sum), fmt.Sprintf("%s finished with rejected input", verb), sum)
		return NewExitError(ExitFailure, verb+" rejected input")
	}

	for _, msg := range sum.ParseErrors {
		s.out.Fail("%s", msg)
	}
	for _, d := range sum.Diagnostics {
		s.out.Fail("%s", d.Error())
	}
	s.out.Printf("%d bundle(s), %d rejected\n", sum.Bundles, len(sum.Rejected))
	for _, t := range ir.TableOrder {
		s.out.Printf("  %-18s %d row(s)\n", t, sum.Rows[t])
	}
	for _, f := range sum.Files {
		s.out.VerboseLog("wrote %s", f)
	}
	if !clean {
		s.out.Fail("%s finished with %d error(s)", verb, len(sum.ParseErrors)+len(sum.Diagnostics))
		return NewExitError(ExitFailure, verb+" rejected input")
	}
	s.out.Pass("All bundles valid")
	return nil
}

// compileFailed reports an error that stopped compilation. A key
// collision is a failure of the input, anything else a command error.
func (s *session) compileFailed(err error) error {
	var kc *compiler.KeyCollisionError
	if errors.As(err, &kc) {
		s.out.Error(ErrCodeKeyCollision, "row keys claimed by more than one bundle; nothing was written", kc.Collisions)
		if !s.out.JSON() {
			for _, c := range kc.Collisions {
				s.out.Fail("%s %q claimed by %v", c.Table, c.Key, c.Origins)
			}
		}
		return WrapExitError(ExitFailure, "key collision", err)
	}
	return s.fail(ErrCodeGeneric, "compile", err)
}

func rejectionCode(sum CompileSummary) string {
	if len(sum.ParseErrors) > 0 {
		return ErrCodeParse
	}
	return ErrCodeCompile
}
