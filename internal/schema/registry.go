package schema

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed registry.cue
var registrySource string

// Kind names a family of documents.
type Kind string

const (
	KindManifest        Kind = "manifest"
	KindResultsSummary  Kind = "results_summary"
	KindMethod          Kind = "method"
	KindScoring         Kind = "scoring"
	KindCorporaEntry    Kind = "corpora_entry"
	KindCiphertextEntry Kind = "ciphertext_entry"
	KindBriefing        Kind = "briefing"
)

// Type is the primitive type of a field.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeEnum    Type = "enum"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeRef     Type = "ref"
	TypeAny     Type = "any"
)

// FieldSpec is one declared field of a schema.
type FieldSpec struct {
	Name     string
	Type     Type
	Required bool
	// Values lists the allowed literals of an enum.
	Values []string
	// Prefix is the required identifier prefix of a ref, or of every
	// element of an array.
	Prefix string
	// Fields declares nested fields of an object. An object without
	// declared fields accepts any keys.
	Fields []*FieldSpec
}

// Definition is the field list of one (kind, version).
type Definition struct {
	Kind    Kind
	Version string
	Fields  []*FieldSpec
}

// Field returns the declared field with the given name.
func (d *Definition) Field(name string) (*FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Registry holds every known schema definition.
type Registry struct {
	defs   map[Kind]map[string]*Definition
	latest map[Kind]string
}

// LoadError reports a malformed registry source.
type LoadError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry compiled from the embedded definitions.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load(registrySource)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("schema: embedded registry is invalid: %v", defaultErr))
	}
	return defaultRegistry
}

// Load compiles CUE registry source. Definitions are unified with the
// #Field constraint, so a malformed field fails here rather than at
// validation time.
func Load(src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("registry.cue"))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	r := &Registry{
		defs:   make(map[Kind]map[string]*Definition),
		latest: make(map[Kind]string),
	}

	kinds, err := v.LookupPath(cue.ParsePath("kinds")).Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for kinds.Next() {
		kind := Kind(kinds.Selector().Unquoted())
		versions, err := kinds.Value().Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		r.defs[kind] = make(map[string]*Definition)
		for versions.Next() {
			version := versions.Selector().Unquoted()
			fields, err := parseFields(versions.Value())
			if err != nil {
				return nil, err
			}
			r.defs[kind][version] = &Definition{Kind: kind, Version: version, Fields: fields}
		}
	}

	latest, err := v.LookupPath(cue.ParsePath("latest")).Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for latest.Next() {
		kind := Kind(latest.Selector().Unquoted())
		version, err := latest.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if _, ok := r.defs[kind][version]; !ok {
			return nil, &LoadError{
				Path:    "latest." + string(kind),
				Message: fmt.Sprintf("version %q is not defined", version),
				Pos:     latest.Value().Pos(),
			}
		}
		r.latest[kind] = version
	}

	for kind := range r.defs {
		if _, ok := r.latest[kind]; !ok {
			return nil, &LoadError{Path: "latest", Message: fmt.Sprintf("no latest version for kind %q", kind)}
		}
	}
	return r, nil
}

// parseFields reads a struct of field declarations in declaration order.
func parseFields(v cue.Value) ([]*FieldSpec, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []*FieldSpec
	for iter.Next() {
		f, err := parseField(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseField(name string, v cue.Value) (*FieldSpec, error) {
	f := &FieldSpec{Name: name}

	typ, err := v.LookupPath(cue.ParsePath("type")).String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	f.Type = Type(typ)

	required, _ := v.LookupPath(cue.ParsePath("required")).Default()
	if f.Required, err = required.Bool(); err != nil {
		return nil, formatCUEError(err)
	}

	if prefix := v.LookupPath(cue.ParsePath("prefix")); prefix.Exists() {
		if f.Prefix, err = prefix.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	if values := v.LookupPath(cue.ParsePath("values")); values.Exists() {
		if err := values.Decode(&f.Values); err != nil {
			return nil, formatCUEError(err)
		}
	}

	if nested := v.LookupPath(cue.ParsePath("fields")); nested.Exists() {
		if f.Type != TypeObject {
			return nil, &LoadError{Path: name, Message: "only object fields may declare nested fields", Pos: v.Pos()}
		}
		if f.Fields, err = parseFields(nested); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Definition returns the schema for (kind, version). An empty version
// selects the latest registered version.
func (r *Registry) Definition(kind Kind, version string) (*Definition, bool) {
	versions, ok := r.defs[kind]
	if !ok {
		return nil, false
	}
	if version == "" {
		version = r.latest[kind]
	}
	d, ok := versions[version]
	return d, ok
}

// Latest returns the newest registered version of a kind.
func (r *Registry) Latest(kind Kind) string {
	return r.latest[kind]
}

// Versions lists the registered versions of a kind in sorted order.
func (r *Registry) Versions(kind Kind) []string {
	out := make([]string, 0, len(r.defs[kind]))
	for v := range r.defs[kind] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Kinds lists every registered kind in sorted order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	path := "cue"
	if p := first.Path(); len(p) > 0 {
		path = strings.Join(p, ".")
	}
	le := &LoadError{Path: path, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
