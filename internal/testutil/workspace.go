package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Identifiers of the demo workspace.
const (
	DemoRunID      = "RUN-EXP-20250814-0001-AB"
	DemoExperiment = "EXP-20250814-0001"
	DemoMethod     = "MTH-two-transp-affine-v0.1"
	DemoScoring    = "SFX-composite-chi2-quad-words-v3.0"
	DemoCiphertext = "CTX-K4-base-v1.0"
	DemoCorpus     = "CORP-en-quadgram-v1.0"
)

// K4Letters is the 97-letter Kryptos K4 ciphertext.
const K4Letters = "OBKRUOXOGHULBSOLIFBBWFLRVQQPRNGKSSOTWTQSJQSSEKZZWATJKLUDIAWINFBNYPVTTMZFPKWGDKZXTJCDIGKUHUAUEKCAR"

// Workspace is a temporary directory laid out like a real psb workspace:
//
//	bundles/<RUN_ID>/...
//	data/methods/MTH-*.json
//	data/scoring/SFX-*.json
//	data/corpora/registry.csv
//	data/ciphertexts.csv
type Workspace struct {
	t    testing.TB
	Root string
}

// Paths of the workspace registries.
type Paths struct {
	Bundles         string
	MethodsDir      string
	ScoringDir      string
	CorporaRegistry string
	Ciphertexts     string
	OutDir          string
	StateDB         string
}

// NewWorkspace creates an empty workspace.
func NewWorkspace(t testing.TB) *Workspace {
	t.Helper()
	w := &Workspace{t: t, Root: t.TempDir()}
	for _, dir := range []string{"bundles", "data/methods", "data/scoring", "data/corpora", "out"} {
		if err := os.MkdirAll(filepath.Join(w.Root, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return w
}

// NewDemoWorkspace creates a workspace with the demo registries and the
// demo bundle.
func NewDemoWorkspace(t testing.TB) *Workspace {
	t.Helper()
	w := NewWorkspace(t)
	w.AddDemoRegistries()
	w.AddBundle(DemoBundle())
	return w
}

// Paths returns the conventional registry locations.
func (w *Workspace) Paths() Paths {
	return Paths{
		Bundles:         filepath.Join(w.Root, "bundles"),
		MethodsDir:      filepath.Join(w.Root, "data", "methods"),
		ScoringDir:      filepath.Join(w.Root, "data", "scoring"),
		CorporaRegistry: filepath.Join(w.Root, "data", "corpora", "registry.csv"),
		Ciphertexts:     filepath.Join(w.Root, "data", "ciphertexts.csv"),
		OutDir:          filepath.Join(w.Root, "out"),
		StateDB:         filepath.Join(w.Root, "out", "state.db"),
	}
}

// Path joins rel onto the workspace root.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

// WriteFile writes content to a path relative to the workspace root.
func (w *Workspace) WriteFile(rel, content string) string {
	w.t.Helper()
	p := w.Path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		w.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		w.t.Fatalf("write %s: %v", rel, err)
	}
	return p
}

// WriteJSON writes v as indented JSON.
func (w *Workspace) WriteJSON(rel string, v any) string {
	w.t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.t.Fatalf("marshal %s: %v", rel, err)
	}
	return w.WriteFile(rel, string(data)+"\n")
}

// AddDemoRegistries writes the demo method, scoring config, corpus and
// ciphertext registry.
func (w *Workspace) AddDemoRegistries() {
	w.t.Helper()
	w.WriteJSON("data/methods/"+DemoMethod+".json", MethodDoc(DemoMethod, "0.1"))
	w.WriteJSON("data/scoring/"+DemoScoring+".json", map[string]any{
		"name":        DemoScoring,
		"description": "Composite of chi-squared, quadgram log-likelihood and word rate",
		"formula":     "0.4*chi2 + 0.4*quadgram + 0.2*wordrate",
		"version":     "3.0",
		"status":      "Ready",
		"corpora":     []string{DemoCorpus},
	})
	corpus := w.WriteFile("data/corpora/en_quadgram_v1.0.csv", "# id: CORP-en-quadgram-v1.0\nTION,13168375\nNTHE,11234972\nTHER,10218035\n")
	w.WriteFile("data/corpora/registry.csv", fmt.Sprintf(
		"id,type,path,checksum,source,license\n%s,Quadgram,en_quadgram_v1.0.csv,%s,practicalcryptography.com,CC-BY\n",
		DemoCorpus, fileSHA256(w.t, corpus)))
	w.WriteFile("data/ciphertexts.csv", fmt.Sprintf(
		"ctx_id,section,letters,length,checksum\n%s,K4,%s,%d,%s\n",
		DemoCiphertext, K4Letters, len(K4Letters), SHA256Hex(K4Letters)))
}

// MethodDoc returns a valid method definition document.
func MethodDoc(name, version string) map[string]any {
	params := map[string]any{
		"type":       "object",
		"properties": map[string]any{
			"key_lengths": map[string]any{"type": "array"},
			"affine_a":    map[string]any{"type": "integer"},
		},
	}
	return map[string]any{
		"name":              name,
		"description":       "Double columnar transposition followed by an affine substitution",
		"parameters_schema": params,
		"version":           version,
		"status":            "Ready",
		"notes":             "search space pruned by coprime a",
		"x":                 map[string]any{"family": "transposition", "tags": []string{"k4", "affine"}},
	}
}

// BundleSpec describes a bundle to write.
type BundleSpec struct {
	RunID      string
	Experiment string
	Method     string
	Scoring    string
	Ciphertext string
	// Status is written to the manifest when set.
	Status string
	// Results writes a results_summary.json when true.
	Results bool
	BestScore float64
	// Briefing is the briefing.md content; empty writes none.
	Briefing string
	// Artifacts maps paths under artifacts/ to file contents.
	Artifacts map[string]string
	// Checksums writes checksums.txt covering every written file.
	Checksums bool
	// Manifest overrides or adds manifest fields.
	Manifest map[string]any
}

// DemoBundle is the reference bundle: manifest, results and briefing with
// no artifacts.
func DemoBundle() BundleSpec {
	return BundleSpec{
		RunID:      DemoRunID,
		Experiment: DemoExperiment,
		Method:     DemoMethod,
		Scoring:    DemoScoring,
		Ciphertext: DemoCiphertext,
		Results:    true,
		BestScore:  -512.25,
		Briefing:   DemoBriefing(DemoRunID),
	}
}

// DemoBriefing returns a well-formed briefing for runID.
func DemoBriefing(runID string) string {
	return fmt.Sprintf(`# Briefing

- **Version:** 1.0
- **Date:** 2025-08-14   # UTC
- Run: %s
- Tags: k4, transposition, affine

## Technical Narrative

Two-stage transposition with affine substitution, keys swept over
lengths 5 through 9.

## Broad Narrative

We tried a layered scramble on K4. Nothing readable came out yet.
`, runID)
}

// AddBundle writes a bundle under bundles/ and returns its directory.
func (w *Workspace) AddBundle(spec BundleSpec) string {
	w.t.Helper()
	if spec.Experiment == "" {
		spec.Experiment = DemoExperiment
	}
	if spec.Method == "" {
		spec.Method = DemoMethod
	}
	if spec.Scoring == "" {
		spec.Scoring = DemoScoring
	}
	if spec.Ciphertext == "" {
		spec.Ciphertext = DemoCiphertext
	}
	base := "bundles/" + spec.RunID

	manifest := map[string]any{
		"schema_version": "0.7",
		"run_id":         spec.RunID,
		"experiment_id":  spec.Experiment,
		"hypothesis_id":  "HYP-k4-layered",
		"ciphertext":     map[string]any{"id": spec.Ciphertext},
		"method":         map[string]any{"id": spec.Method, "params": map[string]any{"key_lengths": []int{5, 7, 9}}},
		"scoring":        map[string]any{"id": spec.Scoring},
		"prng":           map[string]any{"name": "pcg64", "seed": 1337},
		"env":            map[string]any{"env_hash": "sha256:9f2c", "python": "3.11.9"},
		"code_recipe":    map[string]any{"commit": "4e1d2a7"},
		"limits":         map[string]any{"max_iters": 200000, "time_budget_min": 90},
	}
	if spec.Status != "" {
		manifest["status"] = spec.Status
	}
	for k, v := range spec.Manifest {
		if v == nil {
			delete(manifest, k)
			continue
		}
		manifest[k] = v
	}
	written := []string{w.WriteJSON(base+"/manifest.json", manifest)}

	if spec.Results {
		written = append(written, w.WriteJSON(base+"/results_summary.json", map[string]any{
			"schema_version": "0.6",
			"run_id":         spec.RunID,
			"scores": map[string]any{
				"best": spec.BestScore, "avg": -601.5, "median": -598, "p10": -640.75, "p90": -560.125,
			},
			"z_scores": map[string]any{
				"composite": 2.31, "chi2": 1.9, "quadgram": 2.75, "wordrate": 0.4,
			},
			"resources": map[string]any{
				"cpu_hours": 1.5, "wall_minutes": 47, "peak_mem_mb": 812, "iterations": 200000, "candidates_per_sec": 70.9,
			},
		}))
	}
	if spec.Briefing != "" {
		written = append(written, w.WriteFile(base+"/briefing.md", spec.Briefing))
	}

	names := make([]string, 0, len(spec.Artifacts))
	for name := range spec.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		written = append(written, w.WriteFile(base+"/artifacts/"+name, spec.Artifacts[name]))
	}

	dir := w.Path(base)
	if spec.Checksums {
		var b strings.Builder
		for _, p := range written {
			rel, _ := filepath.Rel(dir, p)
			fmt.Fprintf(&b, "%s  %s\n", fileSHA256(w.t, p), filepath.ToSlash(rel))
		}
		w.WriteFile(base+"/checksums.txt", b.String())
	}
	return dir
}

// SHA256Hex returns the hex SHA-256 of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fileSHA256(t testing.TB, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return SHA256Hex(string(data))
}
