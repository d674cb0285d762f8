package mirror

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psb/internal/ir"
)

const runID = "RUN-EXP-20250814-0001-AB"

func fixtureTables() *ir.Tables {
	t := &ir.Tables{}
	t.Append(ir.Row{
		Table: ir.TableRuns, Key: runID, RunID: runID, Origin: "bundles/" + runID,
		Values: map[string]string{
			"Title":          runID,
			"RUN ID":         runID,
			"Experiment":     "EXP-20250814-0001",
			"Hypothesis":     "HYP-0001",
			"Ciphertext":     "CTX-K4-base-v1.0",
			"Method":         "MTH-two-transp-affine-v0.1",
			"Scoring":        "SFX-composite-chi2-quad-words-v3.0",
			"PRNG":           "pcg64",
			"Seed":           "1337",
			"Env Hash":       "sha256:abc123",
			"Code Commit":    "deadbeef",
			"Started At":     "2025-08-14T12:00:00Z",
			"Ended At":       "2025-08-14T13:30:00Z",
			"Stop Condition": "max_iter, plateau",
			"Status":         "Completed",
			"CPUh":           "1.5",
			"Wall Minutes":   "90",
			"Peak Mem MB":    "512",
			"Iterations":     "100000",
			"Candidates/sec": "18.5",
		},
	})
	t.Append(ir.Row{
		Table: ir.TableArtifacts, Key: ir.ArtifactKey(runID, "artifacts/top.csv"), RunID: runID,
		Values: map[string]string{
			"Title":      runID + " — artifacts/top.csv",
			"RUN":        runID,
			"Type":       "CSV",
			"Path/URL":   "artifacts/top.csv",
			"Checksum":   "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			"Mime":       "text/csv",
			"Size Bytes": "0",
		},
	})
	t.Append(ir.Row{
		Table: ir.TableBriefings, Key: runID, RunID: runID,
		Values: map[string]string{
			"Title":     runID + " — Briefing",
			"RUN":       runID,
			"Version":   "v1",
			"Date":      "2025-08-14",
			"Header":    "Two transpositions then affine",
			"Technical": "Best candidate scored \"ABSCISSA\"\nwithin 2 sigma.",
			"Broad":     "",
		},
	})
	return t
}

func TestEncode_Golden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	tables := fixtureTables()

	for _, table := range ir.TableOrder {
		t.Run(string(table), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, table, tables.Rows(table)))
			g.Assert(t, string(table), buf.Bytes())
		})
	}
}

func TestWrite_ReadBack(t *testing.T) {
	dir := t.TempDir()
	tables := fixtureTables()

	paths, err := Write(dir, tables)
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Equal(t, filepath.Join(dir, "runs.csv"), paths[0])
	assert.Equal(t, filepath.Join(dir, "briefings.csv"), paths[3])

	got, err := Read(dir)
	require.NoError(t, err)

	for _, table := range ir.TableOrder {
		want := tables.Rows(table)
		have := got.Rows(table)
		require.Len(t, have, len(want), "table %s", table)
		for i := range want {
			assert.Equal(t, want[i].Key, have[i].Key)
			assert.Equal(t, want[i].RunID, have[i].RunID)
			assert.Equal(t, want[i].Values, have[i].Values)
			assert.Equal(t, ir.MustRowHash(want[i]), ir.MustRowHash(have[i]), "row hash survives the mirror")
		}
	}
}

func TestWrite_Deterministic(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	_, err := Write(a, fixtureTables())
	require.NoError(t, err)
	_, err = Write(b, fixtureTables())
	require.NoError(t, err)

	for _, table := range ir.TableOrder {
		da, err := os.ReadFile(filepath.Join(a, FileName(table)))
		require.NoError(t, err)
		db, err := os.ReadFile(filepath.Join(b, FileName(table)))
		require.NoError(t, err)
		assert.Equal(t, da, db, "table %s", table)
	}
}

func TestWrite_ReplacesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs.csv"), []byte("stale\n"), 0o644))

	_, err := Write(dir, &ir.Tables{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "runs.csv"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"runs.csv", "results_summaries.csv", "artifacts.csv", "briefings.csv"}, names)
}

func TestRead_MissingDirIsEmpty(t *testing.T) {
	got, err := Read(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, got.Len())
}

func TestRead_UnknownColumn(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs.csv"), []byte("Title,Colour\nx,y\n"), 0o644))

	_, err := Read(dir)
	assert.ErrorContains(t, err, `unknown column "Colour"`)
}
