package compiler

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/ir"
)

// Input is everything a compilation reads.
type Input struct {
	// Bundles in enumeration order. Output rows keep this order.
	Bundles    []*bundle.ParsedBundle
	Registries *bundle.Registries
	// Prior is the last synchronized state, used for cross-invocation
	// collision and method conflict checks. May be nil.
	Prior *ir.Snapshot
	// Root is the workspace root. Row origins are recorded relative to it
	// so the same bundle keeps its origin however the workspace is
	// addressed. Empty records the bundle directory as given.
	Root string
}

// Result is the compiled output.
type Result struct {
	Tables      *ir.Tables
	Diagnostics []Diagnostic
	// Methods lists every accepted method definition, registry first,
	// deduplicated by name.
	Methods []ir.Method
}

// Compile projects parsed bundles into rows of the four tables.
//
// Runs whose references do not resolve, or that use a conflicting method,
// are left out together with their dependent rows and reported as
// diagnostics. A row key claimed by two bundles is fatal and returns a
// *KeyCollisionError with no tables.
func Compile(in Input) (*Result, error) {
	reg := in.Registries
	if reg == nil {
		reg = &bundle.Registries{}
	}

	if err := checkCollisions(in.Bundles, in.Root, in.Prior); err != nil {
		return nil, err
	}

	methods, conflicts, accepted := indexMethods(reg.Methods, in.Bundles, in.Prior)
	scorings := indexScorings(reg.Scorings, in.Bundles)
	corpora := make(map[string]bool, len(reg.Corpora))
	for _, c := range reg.Corpora {
		corpora[c.ID] = true
	}
	ciphertexts := make(map[string]bool, len(reg.Ciphertexts))
	for _, c := range reg.Ciphertexts {
		ciphertexts[c.ID] = true
	}

	res := &Result{Tables: &ir.Tables{}, Methods: accepted}
	for name, sources := range conflicts {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Kind:    MethodConflict,
			Ref:     name,
			Message: "definitions differ: " + strings.Join(sources, ", "),
		})
	}
	sort.Slice(res.Diagnostics, func(i, j int) bool { return res.Diagnostics[i].Ref < res.Diagnostics[j].Ref })

	for _, b := range in.Bundles {
		if b == nil {
			continue
		}
		run := b.Run
		reject := func(kind DiagnosticKind, ref, format string, args ...any) {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Kind:    kind,
				RunID:   run.ID,
				Ref:     ref,
				Origin:  b.Dir,
				Message: fmt.Sprintf(format, args...),
			})
		}

		before := len(res.Diagnostics)
		if !ciphertexts[run.CiphertextRef] {
			reject(UnresolvedReference, run.CiphertextRef, "ciphertext not in registry")
		}
		if _, conflicted := conflicts[run.MethodRef]; conflicted {
			reject(MethodConflict, run.MethodRef, "method has conflicting definitions")
		} else if _, ok := methods[run.MethodRef]; !ok {
			reject(UnresolvedReference, run.MethodRef, "method not defined")
		}
		if sc, ok := scorings[run.ScoringRef]; !ok {
			reject(UnresolvedReference, run.ScoringRef, "scoring config not defined")
		} else {
			for _, corpus := range sc.Corpora {
				if !corpora[corpus] {
					reject(UnresolvedReference, corpus, "corpus used by %s not in registry", sc.Name)
				}
			}
		}
		if len(res.Diagnostics) > before {
			continue
		}

		for _, row := range rowsFor(b, originOf(in.Root, b)) {
			res.Tables.Append(row)
		}
	}
	return res, nil
}

// checkCollisions finds run IDs claimed by more than one bundle in this
// batch, or by a bundle other than the one recorded in the prior snapshot.
func checkCollisions(bundles []*bundle.ParsedBundle, root string, prior *ir.Snapshot) error {
	origins := make(map[string][]string)
	var order []string
	for _, b := range bundles {
		if b == nil {
			continue
		}
		if _, seen := origins[b.Run.ID]; !seen {
			order = append(order, b.Run.ID)
		}
		origins[b.Run.ID] = append(origins[b.Run.ID], originOf(root, b))
	}

	var collisions []Collision
	for _, id := range order {
		claims := origins[id]
		if prev, ok := prior.Lookup(ir.TableRuns, id); ok && prev.Origin != "" && prev.Origin != claims[0] {
			claims = append([]string{prev.Origin}, claims...)
		}
		if len(claims) > 1 {
			collisions = append(collisions, Collision{Table: ir.TableRuns, Key: id, Origins: claims})
		}
	}
	if len(collisions) > 0 {
		return &KeyCollisionError{Collisions: collisions}
	}
	return nil
}

// originOf is the bundle directory relative to root, slash separated.
func originOf(root string, b *bundle.ParsedBundle) string {
	dir := filepath.Clean(b.Dir)
	if root == "" {
		return filepath.ToSlash(dir)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return filepath.ToSlash(dir)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return filepath.ToSlash(dir)
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil {
		return filepath.ToSlash(dir)
	}
	return filepath.ToSlash(rel)
}

// indexMethods merges registry and bundle-embedded method definitions. A
// name whose definitions have different content digests, in this batch or
// against a digest recorded by an earlier invocation, is a conflict.
func indexMethods(registry []ir.Method, bundles []*bundle.ParsedBundle, prior *ir.Snapshot) (map[string]ir.Method, map[string][]string, []ir.Method) {
	index := make(map[string]ir.Method)
	conflicts := make(map[string][]string)
	var accepted []ir.Method

	add := func(m ir.Method) {
		if prior != nil {
			if digest, ok := prior.MethodDigests[m.Name]; ok && digest != m.Digest {
				if _, already := conflicts[m.Name]; !already {
					conflicts[m.Name] = []string{"previously synced definition"}
				}
				conflicts[m.Name] = append(conflicts[m.Name], m.Source)
				return
			}
		}
		prev, ok := index[m.Name]
		if !ok {
			index[m.Name] = m
			accepted = append(accepted, m)
			return
		}
		if prev.Digest != m.Digest {
			if _, already := conflicts[m.Name]; !already {
				conflicts[m.Name] = []string{prev.Source}
			}
			conflicts[m.Name] = append(conflicts[m.Name], m.Source)
		}
	}

	for _, m := range registry {
		add(m)
	}
	for _, b := range bundles {
		if b == nil {
			continue
		}
		for _, m := range b.Methods {
			add(m)
		}
	}

	kept := accepted[:0]
	for _, m := range accepted {
		if _, bad := conflicts[m.Name]; !bad {
			kept = append(kept, m)
		}
	}
	return index, conflicts, kept
}

func indexScorings(registry []ir.Scoring, bundles []*bundle.ParsedBundle) map[string]ir.Scoring {
	index := make(map[string]ir.Scoring)
	for _, s := range registry {
		if _, ok := index[s.Name]; !ok {
			index[s.Name] = s
		}
	}
	for _, b := range bundles {
		if b == nil {
			continue
		}
		for _, s := range b.Scorings {
			if _, ok := index[s.Name]; !ok {
				index[s.Name] = s
			}
		}
	}
	return index
}
