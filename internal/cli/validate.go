package cli

import (
	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check bundles and registries without writing anything",
		Long: `Parse every bundle and registry and compile the tables in memory.

Nothing is written: not the mirror, not the state database. Exits 1 when
any bundle or run is rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	c, err := s.pipeline(opts).Validate(commandContext(cmd))
	if err != nil {
		return s.compileFailed(err)
	}
	return s.reportCompiled(c, "validate")
}
