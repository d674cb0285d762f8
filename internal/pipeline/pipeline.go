package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/compiler"
	"github.com/roach88/psb/internal/config"
	"github.com/roach88/psb/internal/executor"
	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/mirror"
	"github.com/roach88/psb/internal/remote"
	"github.com/roach88/psb/internal/store"
)

// Options supplies collaborators that tests replace.
type Options struct {
	Logger *zap.Logger
	// Remote overrides the record store built from configuration.
	Remote remote.RecordStore
	// Sleep waits between retries.
	Sleep executor.Sleeper
	// Now stamps reports and the state database.
	Now func() time.Time
}

// Pipeline runs the stages against one configured workspace.
type Pipeline struct {
	cfg    *config.Config
	logger *zap.Logger
	remote remote.RecordStore
	sleep  executor.Sleeper
	now    func() time.Time
}

// New returns a pipeline for cfg.
func New(cfg *config.Config, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{cfg: cfg, logger: logger, remote: opts.Remote, sleep: opts.Sleep, now: now}
}

// Compiled is the outcome of the parse and compile stages.
type Compiled struct {
	// Bundles are the parse results in directory order.
	Bundles []bundle.Result
	// RegistryErrors are failures in the shared registries.
	RegistryErrors []error
	Registries     *bundle.Registries
	Snapshot       *ir.Snapshot
	// Result is nil when compilation stopped on a key collision.
	Result *compiler.Result
	// MirrorPaths are the files written by Compile.
	MirrorPaths []string
}

// ParseErrors returns every bundle and registry error.
func (c *Compiled) ParseErrors() []error {
	errs := append([]error(nil), c.RegistryErrors...)
	for _, b := range c.Bundles {
		errs = append(errs, b.Errs...)
	}
	return errs
}

// Rejected lists bundle directories that produced no bundle at all.
func (c *Compiled) Rejected() []string {
	var out []string
	for _, b := range c.Bundles {
		if b.Bundle == nil {
			out = append(out, b.Dir)
		}
	}
	return out
}

// Clean reports whether every bundle parsed and every run compiled.
func (c *Compiled) Clean() bool {
	return len(c.ParseErrors()) == 0 && c.Result != nil && len(c.Result.Diagnostics) == 0
}

// Validate parses and compiles without writing anything.
func (p *Pipeline) Validate(ctx context.Context) (*Compiled, error) {
	c, err := p.parse(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := p.readSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.Snapshot = snap
	return c, p.compile(c)
}

// Compile validates and then replaces the CSV mirror and methods seed.
// A key collision returns the error before anything is written.
func (p *Pipeline) Compile(ctx context.Context) (*Compiled, error) {
	c, err := p.Validate(ctx)
	if err != nil {
		return c, err
	}
	out := p.cfg.Workspace.OutDir
	paths, err := mirror.Write(out, c.Result.Tables)
	c.MirrorPaths = paths
	if err != nil {
		return c, err
	}
	seed := filepath.Join(out, mirror.MethodsSeedFile)
	if err := mirror.WriteMethodsSeed(seed, c.Result.Methods); err != nil {
		return c, err
	}
	c.MirrorPaths = append(c.MirrorPaths, seed)
	p.logger.Info("mirror written",
		zap.String("dir", out),
		zap.Int("rows", c.Result.Tables.Len()))
	return c, nil
}

func (p *Pipeline) parse(ctx context.Context) (*Compiled, error) {
	ws := p.cfg.Workspace
	dirs, err := bundle.Discover(ws.Bundles)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("discover bundles: %w", err)
	}
	results, err := bundle.ParseAll(ctx, dirs, p.cfg.Workers)
	if err != nil {
		return nil, err
	}
	reg, regErrs := bundle.ParseRegistries(p.cfg.Layout())

	c := &Compiled{Bundles: results, Registries: reg, RegistryErrors: regErrs}
	p.logger.Info("bundles parsed",
		zap.Int("bundles", len(dirs)),
		zap.Int("rejected", len(c.Rejected())),
		zap.Int("errors", len(c.ParseErrors())))
	for _, e := range c.ParseErrors() {
		p.logger.Debug("parse error", zap.Error(e))
	}
	return c, nil
}

func (p *Pipeline) compile(c *Compiled) error {
	var parsed []*bundle.ParsedBundle
	for _, b := range c.Bundles {
		if b.Bundle != nil {
			parsed = append(parsed, b.Bundle)
		}
	}
	res, err := compiler.Compile(compiler.Input{
		Bundles:    parsed,
		Registries: c.Registries,
		Prior:      c.Snapshot,
		Root:       p.cfg.Workspace.Root,
	})
	if err != nil {
		return err
	}
	c.Result = res
	for _, d := range res.Diagnostics {
		p.logger.Warn("run rejected", zap.String("run", d.RunID), zap.String("kind", string(d.Kind)), zap.String("ref", d.Ref))
	}
	return nil
}

// readSnapshot loads the state database when it exists; a workspace that
// never synced has an empty snapshot.
func (p *Pipeline) readSnapshot(ctx context.Context) (*ir.Snapshot, error) {
	path := p.cfg.Workspace.StateDB
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ir.NewSnapshot(), nil
	}
	st, err := store.Open(path, store.WithClock(p.now))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer st.Close()
	return st.LoadSnapshot(ctx)
}

func (p *Pipeline) openState() (*store.Store, error) {
	path := p.cfg.Workspace.StateDB
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	st, err := store.Open(path, store.WithClock(p.now))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	return st, nil
}
