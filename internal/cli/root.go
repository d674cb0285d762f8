package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/psb/internal/config"
	"github.com/roach88/psb/internal/executor"
	"github.com/roach88/psb/internal/logging"
	"github.com/roach88/psb/internal/pipeline"
	"github.com/roach88/psb/internal/remote"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	LogFile    string
	Workspace  string

	// remote, sleep and now replace the configured remote and the wall
	// clock; only tests set them.
	remote remote.RecordStore
	sleep  executor.Sleeper
	now    func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the psb CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "psb",
		Short: "psb - publish solver bundles",
		Long: `Turn cryptanalysis experiment bundles into normalized tables and
keep a Notion workspace, a CSV mirror and a local SQLite snapshot in step.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./psb.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "also write JSON logs to this rotating file")
	cmd.PersistentFlags().StringVarP(&opts.Workspace, "workspace", "w", ".", "workspace root")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDiagCommand(opts))
	cmd.AddCommand(NewCorporaCommand(opts))
	cmd.AddCommand(NewMethodsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// session is the per-invocation state every command starts from.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	out    *OutputFormatter
	close  func() error
}

// start loads configuration and builds the logger. Configuration errors
// are reported through the formatter and returned as command errors.
func (o *RootOptions) start(cmd *cobra.Command) (*session, error) {
	out := &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}

	cfg, err := config.Load(o.ConfigPath, cmd.Flags())
	if err != nil {
		out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger, closeLog, err := logging.New(logging.Options{
		Verbose: cfg.Log.Verbose,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "open log", err)
	}
	out.VerboseLog("workspace %s", cfg.Workspace.Root)
	return &session{cfg: cfg, logger: logger, out: out, close: closeLog}, nil
}

// pipeline builds the pipeline for this session.
func (s *session) pipeline(o *RootOptions) *pipeline.Pipeline {
	return pipeline.New(s.cfg, pipeline.Options{
		Logger: s.logger,
		Remote: o.remote,
		Sleep:  o.sleep,
		Now:    o.now,
	})
}

// commandContext returns the command context, or Background when the command was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// fail prints err and wraps it with the command-error exit code.
func (s *session) fail(code, message string, err error) error {
	s.out.Error(code, fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(ExitCommandError, message, err)
}
