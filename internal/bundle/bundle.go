package bundle

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/schema"
)

// ParseBundle reads one bundle directory.
//
// Failures in manifest.json reject the whole bundle and return a nil
// bundle. Failures in an optional file (results, briefing, one artifact,
// an embedded definition) drop only that record: the bundle is returned
// together with the errors.
func ParseBundle(dir string) (*ParsedBundle, []error) {
	b := &ParsedBundle{Dir: dir, Name: filepath.Base(filepath.Clean(dir))}

	manifestPath := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(manifestPath); errors.Is(err, os.ErrNotExist) {
		return nil, []error{newError(MissingFile, manifestPath, "bundle has no %s", ManifestFile)}
	}

	recorded, errs := readChecksums(dir)
	verified := verifyChecksums(dir, recorded, &errs)
	if !verified[ManifestFile] {
		return nil, errs
	}

	doc, err := decodeJSONFile(manifestPath)
	if err != nil {
		return nil, append(errs, err)
	}
	version, _ := schemaVersion(doc)
	rec, err := schema.Validate(schema.KindManifest, version, doc)
	if err != nil {
		return nil, append(errs, &ParseError{Kind: SchemaViolation, Path: manifestPath, Message: "manifest", Err: err})
	}
	b.ManifestVersion = rec.Version
	b.Unknown = rec.Unknown
	b.Run = runFromManifest(rec)

	if b.Run.ID != b.Name {
		return nil, append(errs, newError(IdentityMismatch, manifestPath,
			"run_id %q does not match bundle directory %q", b.Run.ID, b.Name))
	}

	if results, e := parseResults(dir, b.Run.ID, verified); len(e) > 0 {
		errs = append(errs, e...)
	} else if results != nil {
		b.Results = results
		if results.Resources != nil {
			b.Run.Counters = mergeCounters(b.Run.Counters, *results.Resources)
		}
	}

	briefingPath := filepath.Join(dir, BriefingFile)
	data, err := os.ReadFile(briefingPath)
	switch {
	case err == nil && verified[BriefingFile]:
		if br, e := ParseBriefing(briefingPath, b.Run.ID, data); len(e) > 0 {
			errs = append(errs, e...)
		} else {
			b.Briefing = br
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		errs = append(errs, &ParseError{Kind: MissingFile, Path: briefingPath, Message: "cannot read briefing", Err: err})
	}

	artifacts, e := walkArtifacts(dir, b.Run.ID, recorded)
	b.Artifacts = artifacts
	errs = append(errs, e...)

	for _, prefix := range []string{ir.PrefixMethod, ir.PrefixScoring} {
		defs, e := parseDefinitionDir(dir, prefix)
		errs = append(errs, e...)
		for _, d := range defs {
			if prefix == ir.PrefixMethod {
				b.Methods = append(b.Methods, d.method)
			} else {
				b.Scorings = append(b.Scorings, d.scoring)
			}
		}
	}

	return b, errs
}

// Result pairs a bundle directory with its parse outcome.
type Result struct {
	Dir    string
	Bundle *ParsedBundle
	Errs   []error
}

// ParseAll parses independent bundles in parallel. Results keep the order
// of dirs. Parsing finishes for every bundle before ParseAll returns.
func ParseAll(ctx context.Context, dirs []string, workers int) ([]Result, error) {
	results := make([]Result, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, dir := range dirs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, errs := ParseBundle(dir)
			results[i] = Result{Dir: dir, Bundle: b, Errs: errs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Discover lists bundle directories under root in lexical order. A bundle
// directory is any direct child holding a manifest.json.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func schemaVersion(doc any) (string, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := obj["schema_version"].(string)
	return v, ok
}

func runFromManifest(rec *schema.Record) ir.Run {
	return ir.Run{
		ID:            rec.String("run_id"),
		ExperimentID:  rec.String("experiment_id"),
		HypothesisID:  rec.String("hypothesis_id"),
		CiphertextRef: rec.String("ciphertext.id"),
		MethodRef:     rec.String("method.id"),
		ScoringRef:    rec.String("scoring.id"),
		PRNG: ir.PRNG{
			Name: rec.String("prng.name"),
			Seed: rec.Number("prng.seed"),
		},
		EnvHash:       rec.String("env.env_hash"),
		CodeCommit:    rec.String("code_recipe.commit"),
		StartedAt:     rec.String("started_at"),
		EndedAt:       rec.String("ended_at"),
		StopCondition: strings.Join(rec.Keys("limits"), ","),
		Status:        ir.RunStatus(rec.String("status")),
	}
}

func parseResults(dir, runID string, verified map[string]bool) (*ir.ResultsSummary, []error) {
	p := filepath.Join(dir, ResultsFile)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if !verified[ResultsFile] {
		return nil, nil
	}
	doc, err := decodeJSONFile(p)
	if err != nil {
		return nil, []error{err}
	}
	version, _ := schemaVersion(doc)
	rec, err := schema.Validate(schema.KindResultsSummary, version, doc)
	if err != nil {
		return nil, []error{&ParseError{Kind: SchemaViolation, Path: p, Message: "results summary", Err: err}}
	}
	if id := rec.String("run_id"); id != runID {
		return nil, []error{newError(IdentityMismatch, p, "run_id %q does not match manifest run_id %q", id, runID)}
	}

	rs := &ir.ResultsSummary{
		RunID: runID,
		Scores: ir.Scores{
			Best:   rec.Number("scores.best"),
			Avg:    rec.Number("scores.avg"),
			Median: rec.Number("scores.median"),
			P10:    rec.Number("scores.p10"),
			P90:    rec.Number("scores.p90"),
		},
		ZScores: ir.ZScores{
			Composite: rec.Number("z_scores.composite"),
			Chi2:      rec.Number("z_scores.chi2"),
			Quadgram:  rec.Number("z_scores.quadgram"),
			WordRate:  rec.Number("z_scores.wordrate"),
		},
		TopNTable:      rec.String("artifacts.topn_table"),
		ScoreHistogram: rec.String("artifacts.score_histogram"),
		ParamSweep:     rec.String("artifacts.param_sweep"),
	}

	if rec.Has("resources") {
		rs.Resources = &ir.Counters{
			CPUHours:       rec.Number("resources.cpu_hours"),
			WallMinutes:    rec.Number("resources.wall_minutes"),
			PeakMemMB:      rec.Number("resources.peak_mem_mb"),
			Iterations:     rec.Number("resources.iterations"),
			CandidatesPerS: rec.Number("resources.candidates_per_sec"),
		}
	}
	return rs, nil
}

func mergeCounters(base, extra ir.Counters) ir.Counters {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	return ir.Counters{
		CPUHours:       pick(base.CPUHours, extra.CPUHours),
		WallMinutes:    pick(base.WallMinutes, extra.WallMinutes),
		PeakMemMB:      pick(base.PeakMemMB, extra.PeakMemMB),
		Iterations:     pick(base.Iterations, extra.Iterations),
		CandidatesPerS: pick(base.CandidatesPerS, extra.CandidatesPerS),
	}
}

// readChecksums parses an optional sha256sum-style checksums.txt:
// "<hex>  <relative path>", with an optional '*' binary marker.
func readChecksums(dir string) (map[string]string, []error) {
	p := filepath.Join(dir, ChecksumsFile)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{&ParseError{Kind: MissingFile, Path: p, Message: "cannot read checksums", Err: err}}
	}
	defer f.Close()

	out := make(map[string]string)
	var errs []error
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		fields := strings.Fields(s)
		if len(fields) < 2 || len(fields[0]) != 64 {
			pe := newError(ChecksumMismatch, p, "malformed checksum line %q", s)
			pe.Line = line
			errs = append(errs, pe)
			continue
		}
		name := strings.TrimPrefix(strings.Join(fields[1:], " "), "*")
		out[path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "./"))] = strings.ToLower(fields[0])
	}
	return out, errs
}

// verifyChecksums checks the recorded checksums of the bundle's top-level
// files. The returned map marks top-level files that are usable: present
// files without a recorded checksum count as verified.
func verifyChecksums(dir string, recorded map[string]string, errs *[]error) map[string]bool {
	names := []string{ManifestFile, ResultsFile, BriefingFile}
	ok := make(map[string]bool, len(names))
	for _, name := range names {
		ok[name] = true
	}
	for _, name := range names {
		want, listed := recorded[name]
		if !listed {
			continue
		}
		p := filepath.Join(dir, name)
		got, _, err := ir.FileSHA256(p)
		switch {
		case errors.Is(err, os.ErrNotExist):
			*errs = append(*errs, newError(MissingFile, p, "listed in %s but missing", ChecksumsFile))
			ok[name] = false
		case err != nil:
			*errs = append(*errs, &ParseError{Kind: MissingFile, Path: p, Message: "cannot hash", Err: err})
			ok[name] = false
		case got != want:
			*errs = append(*errs, newError(ChecksumMismatch, p, "recorded %s, computed %s", want, got))
			ok[name] = false
		}
	}
	return ok
}

// walkArtifacts hashes every file under artifacts/ in lexical path order.
// A file whose recorded checksum disagrees is reported and left out.
func walkArtifacts(dir, runID string, recorded map[string]string) ([]ir.Artifact, []error) {
	root := filepath.Join(dir, ArtifactsDir)
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		for name := range recorded {
			if strings.HasPrefix(name, ArtifactsDir+"/") {
				return nil, []error{newError(MissingFile, filepath.Join(dir, filepath.FromSlash(name)), "listed in %s but missing", ChecksumsFile)}
			}
		}
		return nil, nil
	}

	var (
		out  []ir.Artifact
		errs []error
		seen = make(map[string]bool)
	)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, &ParseError{Kind: MissingFile, Path: p, Message: "cannot walk artifacts", Err: err})
			return nil
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		sum, size, err := ir.FileSHA256(p)
		if err != nil {
			errs = append(errs, &ParseError{Kind: MissingFile, Path: p, Message: "cannot hash artifact", Err: err})
			return nil
		}
		if want, ok := recorded[rel]; ok && want != sum {
			errs = append(errs, newError(ChecksumMismatch, p, "recorded %s, computed %s", want, sum))
			return nil
		}
		out = append(out, ir.Artifact{
			RunID:    runID,
			Type:     ArtifactTypeOf(rel),
			Path:     rel,
			Checksum: sum,
			MIME:     MIMETypeOf(rel),
			Size:     size,
		})
		return nil
	})
	if walkErr != nil {
		errs = append(errs, &ParseError{Kind: MissingFile, Path: root, Message: "cannot walk artifacts", Err: walkErr})
	}

	var missing []string
	for name := range recorded {
		if strings.HasPrefix(name, ArtifactsDir+"/") && !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		errs = append(errs, newError(MissingFile, filepath.Join(dir, filepath.FromSlash(name)), "listed in %s but missing", ChecksumsFile))
	}
	return out, errs
}

// ArtifactTypeOf classifies an artifact by extension.
func ArtifactTypeOf(name string) ir.ArtifactType {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".tsv":
		return ir.ArtifactCSV
	case ".png", ".jpg", ".jpeg", ".svg", ".pdf", ".gif":
		return ir.ArtifactPlot
	case ".txt", ".md", ".log":
		return ir.ArtifactText
	case ".json", ".jsonl":
		return ir.ArtifactJSON
	}
	return ir.ArtifactOther
}

var fallbackMIME = map[string]string{
	".csv":   "text/csv",
	".tsv":   "text/tab-separated-values",
	".md":    "text/markdown",
	".log":   "text/plain",
	".txt":   "text/plain",
	".json":  "application/json",
	".jsonl": "application/x-ndjson",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".pdf":   "application/pdf",
}

// MIMETypeOf returns the MIME type for an artifact name without parameters.
// The fixed table is consulted first so results do not depend on the host's
// mime.types files.
func MIMETypeOf(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := fallbackMIME[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}
