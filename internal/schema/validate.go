package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Violation codes (E200-E299).
const (
	ErrMissingField   = "E201" // required field absent or null
	ErrTypeMismatch   = "E202" // value has the wrong primitive type
	ErrEnumValue      = "E203" // value not among the enum literals
	ErrRefPrefix      = "E204" // reference lacks its identifier prefix
	ErrUnknownKind    = "E205" // kind not registered
	ErrNotObject      = "E206" // document root is not an object
	ErrUnknownVersion = "E207" // version not registered for kind
)

// Violation is a single schema failure.
type Violation struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Code     string `json:"code"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: expected %s, got %s", v.Code, v.Path, v.Expected, v.Actual)
}

// SchemaError lists every violation found in one document.
type SchemaError struct {
	Kind       Kind        `json:"kind"`
	Version    string      `json:"version"`
	Violations []Violation `json:"violations"`
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s v%s: %d violation(s): %s", e.Kind, e.Version, len(e.Violations), strings.Join(parts, "; "))
}

// Record is a validated document. Fields holds the whole decoded document
// including unknown keys, which are also listed in Unknown.
type Record struct {
	Kind    Kind
	Version string
	Fields  map[string]any
	Unknown []string
}

// Validate checks doc against the (kind, version) schema of the default
// registry.
func Validate(kind Kind, version string, doc any) (*Record, error) {
	return Default().Validate(kind, version, doc)
}

// ValidateStrings is Validate for string-valued sources such as CSV rows
// and briefing headers. Empty cells count as absent; cells of numeric
// fields become numbers and cells of array fields are split on commas.
func ValidateStrings(kind Kind, version string, cells map[string]string) (*Record, error) {
	return Default().ValidateStrings(kind, version, cells)
}

// Validate checks doc against the (kind, version) schema. It returns a
// *SchemaError listing every violation rather than stopping at the first.
func (r *Registry) Validate(kind Kind, version string, doc any) (*Record, error) {
	def, err := r.resolve(kind, version)
	if err != nil {
		return nil, err
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &SchemaError{Kind: kind, Version: def.Version, Violations: []Violation{{
			Path: "$", Expected: "object", Actual: describe(doc), Code: ErrNotObject,
		}}}
	}

	rec := &Record{Kind: kind, Version: def.Version, Fields: obj}
	var violations []Violation
	checkObject("", def.Fields, obj, &violations, &rec.Unknown)
	if len(violations) > 0 {
		return nil, &SchemaError{Kind: kind, Version: def.Version, Violations: violations}
	}
	slices.Sort(rec.Unknown)
	return rec, nil
}

// ValidateStrings coerces string cells by their declared field types and
// validates the result.
func (r *Registry) ValidateStrings(kind Kind, version string, cells map[string]string) (*Record, error) {
	def, err := r.resolve(kind, version)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any, len(cells))
	for name, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		f, declared := def.Field(name)
		if !declared {
			doc[name] = cell
			continue
		}
		switch f.Type {
		case TypeNumber, TypeInteger:
			doc[name] = json.Number(cell)
		case TypeArray:
			var items []any
			for _, part := range strings.Split(cell, ",") {
				if part = strings.TrimSpace(part); part != "" {
					items = append(items, part)
				}
			}
			doc[name] = items
		default:
			doc[name] = cell
		}
	}
	return r.Validate(kind, def.Version, doc)
}

func (r *Registry) resolve(kind Kind, version string) (*Definition, error) {
	if _, ok := r.defs[kind]; !ok {
		return nil, &SchemaError{Kind: kind, Version: version, Violations: []Violation{{
			Path: "$", Expected: "registered kind", Actual: string(kind), Code: ErrUnknownKind,
		}}}
	}
	def, ok := r.Definition(kind, version)
	if !ok {
		return nil, &SchemaError{Kind: kind, Version: version, Violations: []Violation{{
			Path:     "schema_version",
			Expected: "one of " + strings.Join(r.Versions(kind), ", "),
			Actual:   version,
			Code:     ErrUnknownVersion,
		}}}
	}
	return def, nil
}

func checkObject(prefix string, fields []*FieldSpec, obj map[string]any, violations *[]Violation, unknown *[]string) {
	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
		checkField(join(prefix, f.Name), f, obj[f.Name], violations, unknown)
	}
	for k := range obj {
		if !declared[k] {
			*unknown = append(*unknown, join(prefix, k))
		}
	}
}

func checkField(path string, f *FieldSpec, v any, violations *[]Violation, unknown *[]string) {
	if v == nil {
		if f.Required {
			*violations = append(*violations, Violation{
				Path: path, Expected: expected(f), Actual: "absent", Code: ErrMissingField,
			})
		}
		return
	}

	mismatch := func(code string) {
		*violations = append(*violations, Violation{
			Path: path, Expected: expected(f), Actual: describe(v), Code: code,
		})
	}

	switch f.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			mismatch(ErrTypeMismatch)
		}
	case TypeNumber:
		if !isNumber(v) {
			mismatch(ErrTypeMismatch)
		}
	case TypeInteger:
		if !isInteger(v) {
			mismatch(ErrTypeMismatch)
		}
	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			mismatch(ErrTypeMismatch)
		} else if !slices.Contains(f.Values, s) {
			mismatch(ErrEnumValue)
		}
	case TypeRef:
		s, ok := v.(string)
		if !ok {
			mismatch(ErrTypeMismatch)
		} else if !strings.HasPrefix(s, f.Prefix) || len(s) == len(f.Prefix) {
			mismatch(ErrRefPrefix)
		}
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			mismatch(ErrTypeMismatch)
			return
		}
		if len(f.Fields) > 0 {
			checkObject(path, f.Fields, obj, violations, unknown)
		}
	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			mismatch(ErrTypeMismatch)
			return
		}
		if f.Prefix == "" {
			return
		}
		for i, item := range items {
			s, ok := item.(string)
			if !ok || !strings.HasPrefix(s, f.Prefix) {
				*violations = append(*violations, Violation{
					Path:     fmt.Sprintf("%s[%d]", path, i),
					Expected: "ref(" + f.Prefix + ")",
					Actual:   describe(item),
					Code:     ErrRefPrefix,
				})
			}
		}
	case TypeAny:
	}
}

func expected(f *FieldSpec) string {
	switch f.Type {
	case TypeEnum:
		return "one of " + strings.Join(f.Values, "|")
	case TypeRef:
		return "ref(" + f.Prefix + ")"
	}
	return string(f.Type)
}

// describe names the JSON type of v, quoting short string values.
func describe(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if len(val) <= 40 {
			return strconv.Quote(val)
		}
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number " + string(val)
	case float64, int, int64:
		return fmt.Sprintf("number %v", val)
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func isNumber(v any) bool {
	switch val := v.(type) {
	case json.Number:
		_, err := strconv.ParseFloat(string(val), 64)
		return err == nil
	case float64, int, int64:
		return true
	}
	return false
}

func isInteger(v any) bool {
	switch val := v.(type) {
	case json.Number:
		if _, err := strconv.ParseInt(string(val), 10, 64); err == nil {
			return true
		}
		f, err := strconv.ParseFloat(string(val), 64)
		return err == nil && f == math.Trunc(f) && !strings.ContainsAny(string(val), ".eE")
	case int, int64:
		return true
	case float64:
		return val == math.Trunc(val)
	}
	return false
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
