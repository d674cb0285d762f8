package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/mirror"
)

// MethodsOptions holds flags for the methods seed command.
type MethodsOptions struct {
	*RootOptions
	Output string
}

// MethodsSummary is the machine-readable outcome of methods seed.
type MethodsSummary struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
	Errors  []string `json:"errors,omitempty"`
}

// NewMethodsCommand creates the methods command group.
func NewMethodsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MethodsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "methods",
		Short: "Manage the methods registry",
	}
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Write the methods registry as an import CSV",
		Long: `Read every method definition in the methods directory and write one
CSV row per method, ready to import into the Notion methods database.
Definitions that fail to parse are reported and left out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethodsSeed(opts, cmd)
		},
	}
	seed.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path (default <out_dir>/"+mirror.MethodsSeedFile+")")
	cmd.AddCommand(seed)
	return cmd
}

func runMethodsSeed(opts *MethodsOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	reg, errs := bundle.ParseRegistries(bundle.Layout{MethodsDir: s.cfg.Workspace.MethodsDir})
	path := opts.Output
	if path == "" {
		path = filepath.Join(s.cfg.Workspace.OutDir, mirror.MethodsSeedFile)
	}
	if err := mirror.WriteMethodsSeed(path, reg.Methods); err != nil {
		return s.fail(ErrCodeGeneric, "write methods seed", err)
	}

	sum := MethodsSummary{Path: path}
	for _, m := range reg.Methods {
		sum.Methods = append(sum.Methods, m.Name)
	}
	for _, e := range errs {
		sum.Errors = append(sum.Errors, e.Error())
	}

	if s.out.JSON() {
		if len(errs) == 0 {
			return s.out.Success(sum)
		}
		s.out.Error(ErrCodeParse, "some method definitions were rejected", sum)
		return NewExitError(ExitFailure, "methods rejected")
	}
	for _, e := range sum.Errors {
		s.out.Fail("%s", e)
	}
	if len(errs) > 0 {
		s.out.Fail("Wrote %d method(s) to %s, %d rejected", len(sum.Methods), path, len(errs))
		return NewExitError(ExitFailure, "methods rejected")
	}
	s.out.Pass("Wrote %d method(s) to %s", len(sum.Methods), path)
	return nil
}
