package cli

import (
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/mirror"
)

// CorporaSummary is the machine-readable outcome of corpora rebuild.
type CorporaSummary struct {
	Registry string              `json:"registry"`
	Corpora  []bundle.CorpusFile `json:"corpora"`
}

// NewCorporaCommand creates the corpora command group.
func NewCorporaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpora",
		Short: "Manage the corpora registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate the corpora registry from the files beside it",
		Long: `Scan the directory holding the corpora registry for .csv and .txt
files and rewrite the registry with one row per file: its ID, type,
path, size and SHA-256 checksum.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCorporaRebuild(rootOpts, cmd)
		},
	})
	return cmd
}

func runCorporaRebuild(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.start(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	registry := s.cfg.Workspace.CorporaRegistry
	files, err := bundle.ScanCorpora(filepath.Dir(registry))
	if err != nil {
		return s.fail(ErrCodeGeneric, "scan corpora", err)
	}
	if err := mirror.WriteFile(registry, func(w io.Writer) error {
		return mirror.EncodeCorporaRegistry(w, files)
	}); err != nil {
		return s.fail(ErrCodeGeneric, "write corpora registry", err)
	}

	if s.out.JSON() {
		return s.out.Success(CorporaSummary{Registry: registry, Corpora: files})
	}
	for _, f := range files {
		s.out.Printf("  %-24s %-9s %d bytes\n", f.ID, f.Type, f.Bytes)
	}
	s.out.Pass("Wrote %d corpora to %s", len(files), registry)
	return nil
}
