package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/roach88/psb/internal/executor"
	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/mirror"
	"github.com/roach88/psb/internal/planner"
	"github.com/roach88/psb/internal/remote"
)

// SyncReportFile is written to the output directory after every sync.
const SyncReportFile = "sync_report.yaml"

// Planned is a compile followed by a plan against the snapshot.
type Planned struct {
	*Compiled
	Plan *planner.Plan
}

// Synced is the outcome of a full run.
type Synced struct {
	*Planned
	Report *executor.SyncReport
	// SyncRunID identifies the run in the state database; empty for dry
	// runs.
	SyncRunID  string
	ReportPath string
}

// Plan compiles, writes the mirror and diffs against the last synced
// state.
func (p *Pipeline) Plan(ctx context.Context) (*Planned, error) {
	c, err := p.Compile(ctx)
	if err != nil {
		return nil, err
	}
	plan := planner.Build(c.Result.Tables, c.Snapshot)
	p.logger.Info("plan built",
		zap.Int("create", plan.Count(planner.Create, "")),
		zap.Int("update", plan.Count(planner.Update, "")),
		zap.Int("blocked", len(plan.Blocked)))
	return &Planned{Compiled: c, Plan: plan}, nil
}

// Sync plans and executes. Committed rows are recorded in the state
// database as they land; a dry run records nothing.
func (p *Pipeline) Sync(ctx context.Context) (*Synced, error) {
	planned, err := p.Plan(ctx)
	if err != nil {
		return nil, err
	}
	dryRun := p.cfg.Sync.DryRun

	rs, err := p.recordStore(dryRun)
	if err != nil {
		return nil, err
	}

	st, err := p.openState()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	opts := executor.Options{
		Retry: executor.RetryPolicy{
			Attempts: p.cfg.Sync.Attempts,
			Base:     p.cfg.Sync.BaseDelay,
			Max:      p.cfg.Sync.MaxDelay,
		},
		CallTimeout:   p.cfg.Sync.CallTimeout,
		RatePerSecond: p.cfg.Sync.Rate,
		DryRun:        dryRun,
		Logger:        p.logger,
		Sleep:         p.sleep,
		Now:           p.now,
	}
	if !dryRun {
		opts.Recorder = st
	}
	report, execErr := executor.New(rs, opts).Execute(ctx, planned.Plan)

	out := &Synced{Planned: planned, Report: report}
	if !dryRun {
		if err := p.recordMethods(context.WithoutCancel(ctx), planned, report, st.RecordMethodDigest); err != nil {
			return out, err
		}
		id, err := st.WriteSyncRun(context.WithoutCancel(ctx), report.StartedAt, report.FinishedAt, dryRun, report.OK(), report)
		if err != nil {
			return out, err
		}
		out.SyncRunID = id
	}

	out.ReportPath = filepath.Join(p.cfg.Workspace.OutDir, SyncReportFile)
	if err := mirror.WriteFile(out.ReportPath, func(w io.Writer) error { return EncodeReport(w, report) }); err != nil {
		return out, fmt.Errorf("write sync report: %w", err)
	}

	counts := report.Counts()
	p.logger.Info("sync finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("created", counts[executor.Created]),
		zap.Int("updated", counts[executor.Updated]),
		zap.Int("failed", counts[executor.Failed]),
		zap.Int("skipped", counts[executor.Skipped]+counts[executor.NotAttempted]))
	return out, execErr
}

// recordStore returns the configured remote. A dry run without
// credentials plans against nothing and reports intended outcomes.
func (p *Pipeline) recordStore(dryRun bool) (remote.RecordStore, error) {
	if p.remote != nil {
		return p.remote, nil
	}
	if err := p.cfg.ValidateRemote(); err != nil {
		if dryRun {
			p.logger.Info("dry run without remote credentials; reporting planned outcomes only")
			return nil, nil
		}
		return nil, err
	}
	return p.NotionClient()
}

// NotionClient builds the remote client from configuration.
func (p *Pipeline) NotionClient() (*remote.NotionClient, error) {
	return remote.NewNotionClient(remote.NotionConfig{
		BaseURL:   p.cfg.Notion.BaseURL,
		Token:     p.cfg.Notion.Token,
		Version:   p.cfg.Notion.Version,
		Databases: p.cfg.DatabaseIDs(),
		Logger:    p.logger,
	})
}

// recordMethods stores the digest of every accepted method used by a run
// that is now synchronized: committed by this execution, or unchanged
// since an earlier one.
func (p *Pipeline) recordMethods(ctx context.Context, planned *Planned, report *executor.SyncReport, record func(context.Context, ir.Method) error) error {
	synced := make(map[string]bool)
	if runs := report.Table(ir.TableRuns); runs != nil {
		for _, r := range runs.Results {
			if r.Outcome == executor.Created || r.Outcome == executor.Updated {
				synced[r.Key] = true
			}
		}
	}
	used := make(map[string]bool)
	for _, row := range planned.Result.Tables.Runs {
		prior, ok := planned.Snapshot.Lookup(ir.TableRuns, row.Key)
		unchanged := ok && prior.Hash == ir.MustRowHash(row)
		if synced[row.Key] || unchanged {
			used[row.Get("Method")] = true
		}
	}
	for _, m := range planned.Result.Methods {
		if !used[m.Name] {
			continue
		}
		if err := record(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// EncodeReport writes a sync report as YAML.
func EncodeReport(w io.Writer, report *executor.SyncReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}
