package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/planner"
	"github.com/roach88/psb/internal/remote"
)

// Recorder persists each committed row so the next plan starts from the
// state actually reached, even if this execution stops half way.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordSynced(ctx context.Context, row ir.SyncedRow) error
}

// Options configures an execution.
type Options struct {
	Retry RetryPolicy
	// CallTimeout bounds every remote call. Zero means no per-call bound.
	CallTimeout time.Duration
	// RatePerSecond paces remote calls across all tables. Zero disables it.
	RatePerSecond float64
	DryRun        bool
	Recorder      Recorder
	Logger        *zap.Logger
	// Sleep waits between retries; tests substitute a fake clock.
	Sleep Sleeper
	// Now stamps the report; defaults to time.Now.
	Now func() time.Time
}

// Executor applies plans to a remote record store.
type Executor struct {
	store   remote.RecordStore
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns an executor writing to store.
func New(store remote.RecordStore, opts Options) *Executor {
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Executor{
		store:   store,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Execute applies a plan.
//
// The Runs table is written first. Results Summaries, Artifacts and
// Briefings follow in parallel, each table sequential within itself. Rows
// of a run whose Runs operation did not commit are skipped.
//
// The returned report is always non-nil. The error is non-nil only when ctx
// ends the execution early.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) (*SyncReport, error) {
	report := &SyncReport{
		StartedAt: e.opts.Now(),
		DryRun:    e.opts.DryRun,
		Tables:    make([]TableReport, len(ir.TableOrder)),
		Blocked:   plan.Blocked,
	}
	for i, t := range ir.TableOrder {
		report.Tables[i].Table = t
	}

	runs := e.runTable(ctx, ir.TableRuns, plan.TableOps(ir.TableRuns), nil)
	report.Tables[0] = runs
	failedRuns := make(map[string]bool)
	for _, res := range runs.Results {
		switch res.Outcome {
		case Failed, NotAttempted, Skipped:
			failedRuns[res.Key] = true
		}
	}

	if ctx.Err() == nil {
		g, gctx := errgroup.WithContext(ctx)
		for i, table := range ir.TableOrder[1:] {
			slot := &report.Tables[i+1]
			ops := plan.TableOps(table)
			g.Go(func() error {
				*slot = e.runTable(gctx, table, ops, failedRuns)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, table := range ir.TableOrder[1:] {
			report.Tables[i+1] = notAttempted(table, plan.TableOps(table), 0)
		}
	}

	report.FinishedAt = e.opts.Now()
	return report, ctx.Err()
}

// runTable applies the operations of one table in order.
func (e *Executor) runTable(ctx context.Context, table ir.TableName, ops []planner.Op, failedRuns map[string]bool) TableReport {
	tr := TableReport{Table: table}
	if len(ops) == 0 {
		return tr
	}
	log := e.logger.With(zap.String("table", string(table)))

	var schema *remote.DatabaseSchema
	attempts, err := e.call(ctx, func(cctx context.Context) error {
		var derr error
		schema, derr = e.store.Describe(cctx, table)
		return derr
	})
	if err != nil && remote.IsTransient(err) && ctx.Err() == nil {
		// Every row stays eligible for the next invocation.
		for _, op := range ops {
			res := OpResult{Table: table, Key: op.Key, Kind: op.Kind, Outcome: Failed, Attempts: attempts, Error: err.Error()}
			if failedRuns[op.Row.RunID] {
				res = OpResult{Table: table, Key: op.Key, Kind: op.Kind, Outcome: Skipped,
					Error: fmt.Sprintf("run %s was not synchronized", op.Row.RunID)}
			}
			tr.Results = append(tr.Results, res)
		}
		log.Warn("schema unavailable, rows failed", zap.Int("attempts", attempts), zap.Error(err))
		return tr
	}
	if err == nil {
		err = guardSchema(table, schema, &tr)
	}
	if err != nil {
		first := OpResult{Table: table, Key: ops[0].Key, Kind: ops[0].Kind, Outcome: Failed, Attempts: attempts, Error: err.Error()}
		abort := notAttempted(table, ops[1:], 0)
		tr.Results = append([]OpResult{first}, abort.Results...)
		tr.Aborted = true
		tr.AbortedBy = &tr.Results[0]
		log.Error("table aborted before first write", zap.Error(err))
		return tr
	}

	for i, op := range ops {
		if ctx.Err() != nil {
			tr.Results = append(tr.Results, notAttempted(table, ops[i:], 0).Results...)
			return tr
		}
		if failedRuns[op.Row.RunID] {
			tr.Results = append(tr.Results, OpResult{
				Table: table, Key: op.Key, Kind: op.Kind, Outcome: Skipped,
				Error: fmt.Sprintf("run %s was not synchronized", op.Row.RunID),
			})
			continue
		}

		res, err := e.apply(ctx, schema, op)
		tr.Results = append(tr.Results, res)
		switch {
		case err == nil:
			log.Debug("row synchronized", zap.String("key", op.Key), zap.String("outcome", string(res.Outcome)))
		case remote.IsTransient(err) || ctx.Err() != nil:
			log.Warn("row failed", zap.String("key", op.Key), zap.Int("attempts", res.Attempts), zap.Error(err))
		default:
			log.Error("table aborted", zap.String("key", op.Key), zap.Error(err))
			by := res
			tr.Aborted = true
			tr.AbortedBy = &by
			tr.Results = append(tr.Results, notAttempted(table, ops[i+1:], 0).Results...)
			return tr
		}
	}
	return tr
}

// apply writes one row: query by key, then update the first match or
// create. A create that loses a race falls back to update, and an update of
// a vanished record falls back to create, so repeating an operation
// converges on one record per key.
func (e *Executor) apply(ctx context.Context, schema *remote.DatabaseSchema, op planner.Op) (OpResult, error) {
	table := op.Table
	res := OpResult{Table: table, Key: op.Key, Kind: op.Kind}
	keyProp := ir.Schema(table).KeyColumn
	key := op.Row.KeyValue()

	values, err := writableValues(schema, op.Row)
	if err != nil {
		res.Outcome = Failed
		res.Error = err.Error()
		return res, err
	}

	if e.store == nil {
		if !e.opts.DryRun {
			err := remote.NewFatal("write "+string(table), errors.New("no record store configured"))
			res.Outcome = Failed
			res.Error = err.Error()
			return res, err
		}
		res.Outcome = WouldCreate
		if op.Kind == planner.Update {
			res.Outcome = WouldUpdate
			res.RemoteID = op.RemoteID
		}
		return res, nil
	}

	query := func(ctx context.Context) ([]remote.Record, error) {
		var recs []remote.Record
		err := e.invoke(ctx, func(c context.Context) error {
			var qerr error
			recs, qerr = e.store.Query(c, table, keyProp, key)
			return qerr
		})
		return recs, err
	}
	update := func(ctx context.Context, id string) error {
		err := e.invoke(ctx, func(c context.Context) error {
			return e.store.Update(c, table, id, values)
		})
		if err == nil {
			res.RemoteID = id
			res.Outcome = Updated
		}
		return err
	}

	attempt := func(ctx context.Context) error {
		recs, err := query(ctx)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			if e.opts.DryRun {
				res.RemoteID = recs[0].ID
				res.Outcome = WouldUpdate
				return nil
			}
			err = update(ctx, recs[0].ID)
			if !errors.Is(err, remote.ErrNotFound) {
				return err
			}
			res.Fallback = true
		}

		if e.opts.DryRun {
			res.Outcome = WouldCreate
			return nil
		}
		var id string
		err = e.invoke(ctx, func(c context.Context) error {
			var cerr error
			id, cerr = e.store.Create(c, table, values)
			return cerr
		})
		if errors.Is(err, remote.ErrAlreadyExists) {
			// Another writer got there first: update its record instead.
			res.Fallback = true
			recs, err = query(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return remote.NewTransient("create "+string(table), fmt.Errorf("%s reported existing but not found", key))
			}
			return update(ctx, recs[0].ID)
		}
		if err != nil {
			return err
		}
		res.RemoteID = id
		res.Outcome = Created
		return nil
	}

	res.Attempts, err = retry(ctx, e.opts.Retry, e.opts.Sleep, attempt)
	if err != nil {
		res.Outcome = Failed
		res.Error = err.Error()
		return res, err
	}
	if (res.Outcome == Created && op.Kind == planner.Update) || (res.Outcome == Updated && op.Kind == planner.Create) {
		res.Fallback = true
	}
	if e.opts.DryRun || e.opts.Recorder == nil {
		return res, nil
	}

	hash, err := ir.RowHash(op.Row)
	if err == nil {
		err = e.opts.Recorder.RecordSynced(ctx, ir.SyncedRow{Row: op.Row, RemoteID: res.RemoteID, Hash: hash})
	}
	if err != nil {
		err = remote.NewFatal("record "+string(table), fmt.Errorf("row %s committed remotely but not recorded: %w", op.Key, err))
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// call runs fn with pacing, a per-call timeout and retries.
func (e *Executor) call(ctx context.Context, fn func(context.Context) error) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	return retry(ctx, e.opts.Retry, e.opts.Sleep, func(c context.Context) error {
		return e.invoke(c, fn)
	})
}

// invoke runs a single remote call with pacing and the per-call timeout.
// A call that hits its own deadline is transient; one whose parent context
// ended is not.
func (e *Executor) invoke(ctx context.Context, fn func(context.Context) error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx := ctx
	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !remote.IsTransient(err) {
		return remote.NewTransient("call", err)
	}
	return err
}

// guardSchema checks the remote database before any write. A missing key
// property is fatal for the table; other missing properties are skipped
// with a warning.
func guardSchema(table ir.TableName, schema *remote.DatabaseSchema, tr *TableReport) error {
	if schema == nil {
		return nil
	}
	s := ir.Schema(table)
	if _, ok := schema.Property(s.KeyColumn); !ok {
		return remote.NewFatal("describe "+string(table), fmt.Errorf("key property %q missing from remote database", s.KeyColumn))
	}
	for _, c := range s.Columns {
		if _, ok := schema.Property(c.Name); !ok {
			tr.Warnings = append(tr.Warnings, fmt.Sprintf("property %q not in remote database; skipped", c.Name))
		}
	}
	return nil
}

// writableValues keeps the row values the remote database has properties
// for and checks select values against the remote options.
func writableValues(schema *remote.DatabaseSchema, row ir.Row) (map[string]string, error) {
	if schema == nil {
		return row.Values, nil
	}
	out := make(map[string]string, len(row.Values))
	for _, c := range ir.Schema(row.Table).Columns {
		p, ok := schema.Property(c.Name)
		if !ok {
			continue
		}
		v := row.Values[c.Name]
		if (p.Type == remote.TypeSelect || p.Type == remote.TypeStatus) && !p.Allows(v) {
			return nil, remote.NewFatal("write "+string(row.Table),
				fmt.Errorf("%s value %q is not an option of the remote database", c.Name, v))
		}
		out[c.Name] = v
	}
	return out, nil
}

func notAttempted(table ir.TableName, ops []planner.Op, attempts int) TableReport {
	tr := TableReport{Table: table}
	for _, op := range ops {
		tr.Results = append(tr.Results, OpResult{Table: table, Key: op.Key, Kind: op.Kind, Outcome: NotAttempted, Attempts: attempts})
	}
	return tr
}
