package compiler

import (
	"strconv"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/ir"
)

// Separator between a run ID and the rest of a derived title.
const titleSep = " — "

// rowsFor projects one bundle into its rows, Runs first.
func rowsFor(b *bundle.ParsedBundle, origin string) []ir.Row {
	run := b.Run
	rows := []ir.Row{runRow(b, origin)}
	if b.Results != nil {
		rows = append(rows, resultsRow(b, origin))
	}
	for _, a := range b.Artifacts {
		rows = append(rows, artifactRow(origin, a))
	}
	if b.Briefing != nil {
		rows = append(rows, briefingRow(origin, run.ID, b.Briefing))
	}
	return rows
}

// RunStatusOf resolves the status a run is compiled with: the manifest
// status when present, Completed when a results summary shipped, otherwise
// Pending.
func RunStatusOf(b *bundle.ParsedBundle) ir.RunStatus {
	switch {
	case b.Run.Status != "":
		return b.Run.Status
	case b.Results != nil:
		return ir.StatusCompleted
	default:
		return ir.StatusPending
	}
}

func runRow(b *bundle.ParsedBundle, origin string) ir.Row {
	run := b.Run
	c := run.Counters
	return ir.Row{
		Table:  ir.TableRuns,
		Key:    run.ID,
		RunID:  run.ID,
		Origin: origin,
		Values: map[string]string{
			"Title":          run.ID,
			"RUN ID":         run.ID,
			"Experiment":     run.ExperimentID,
			"Hypothesis":     run.HypothesisID,
			"Ciphertext":     run.CiphertextRef,
			"Method":         run.MethodRef,
			"Scoring":        run.ScoringRef,
			"PRNG":           run.PRNG.Name,
			"Seed":           run.PRNG.Seed,
			"Env Hash":       run.EnvHash,
			"Code Commit":    run.CodeCommit,
			"Started At":     run.StartedAt,
			"Ended At":       run.EndedAt,
			"Stop Condition": run.StopCondition,
			"Status":         string(RunStatusOf(b)),
			"CPUh":           c.CPUHours,
			"Wall Minutes":   c.WallMinutes,
			"Peak Mem MB":    c.PeakMemMB,
			"Iterations":     c.Iterations,
			"Candidates/sec": c.CandidatesPerS,
		},
	}
}

func resultsRow(b *bundle.ParsedBundle, origin string) ir.Row {
	rs := b.Results
	id := b.Run.ID
	return ir.Row{
		Table:  ir.TableResults,
		Key:    id,
		RunID:  id,
		Origin: origin,
		Values: map[string]string{
			"Title":           id + titleSep + "RS",
			"RUN":             id,
			"Best Score":      rs.Scores.Best,
			"Avg Score":       rs.Scores.Avg,
			"Median":          rs.Scores.Median,
			"p10":             rs.Scores.P10,
			"p90":             rs.Scores.P90,
			"Composite Z":     rs.ZScores.Composite,
			"Chi2 Z":          rs.ZScores.Chi2,
			"Quadgram Z":      rs.ZScores.Quadgram,
			"WordRate Z":      rs.ZScores.WordRate,
			"TopN Table":      rs.TopNTable,
			"Score Histogram": rs.ScoreHistogram,
			"Param Sweep":     rs.ParamSweep,
		},
	}
}

func artifactRow(origin string, a ir.Artifact) ir.Row {
	return ir.Row{
		Table:  ir.TableArtifacts,
		Key:    ir.ArtifactKey(a.RunID, a.Path),
		RunID:  a.RunID,
		Origin: origin,
		Values: map[string]string{
			"Title":      a.RunID + titleSep + a.Path,
			"RUN":        a.RunID,
			"Type":       string(a.Type),
			"Path/URL":   a.Path,
			"Checksum":   a.Checksum,
			"Mime":       a.MIME,
			"Size Bytes": strconv.FormatInt(a.Size, 10),
		},
	}
}

func briefingRow(origin, runID string, br *ir.Briefing) ir.Row {
	return ir.Row{
		Table:  ir.TableBriefings,
		Key:    runID,
		RunID:  runID,
		Origin: origin,
		Values: map[string]string{
			"Title":     runID + titleSep + "Briefing",
			"RUN":       runID,
			"Version":   br.Version,
			"Date":      br.Date,
			"Header":    br.Header,
			"Technical": br.Technical,
			"Broad":     br.Broad,
		},
	}
}
