package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/psb/internal/ir"
)

// Lookup returns the value at a dotted path, or nil.
func (r *Record) Lookup(path string) any {
	var cur any = r.Fields
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// Has reports whether a non-null value exists at path.
func (r *Record) Has(path string) bool {
	return r.Lookup(path) != nil
}

// String returns the string at path, or "".
func (r *Record) String(path string) string {
	s, _ := r.Lookup(path).(string)
	return s
}

// Number returns the canonical text of the number at path, or "".
// Validated records only hold well-formed numbers at numeric paths.
func (r *Record) Number(path string) string {
	switch v := r.Lookup(path).(type) {
	case json.Number:
		s, err := ir.CanonicalNumber(string(v))
		if err != nil {
			return string(v)
		}
		return s
	case float64, int, int64:
		return fmt.Sprint(v)
	}
	return ""
}

// Object returns the object at path, or nil.
func (r *Record) Object(path string) map[string]any {
	obj, _ := r.Lookup(path).(map[string]any)
	return obj
}

// Strings returns the string elements of the array at path.
func (r *Record) Strings(path string) []string {
	items, _ := r.Lookup(path).([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns the sorted keys of the object at path.
func (r *Record) Keys(path string) []string {
	obj := r.Object(path)
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
