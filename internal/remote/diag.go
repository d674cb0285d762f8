package remote

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/psb/internal/ir"
)

// Diagnosis compares one remote database against the layout the compiled
// table needs.
type Diagnosis struct {
	Table ir.TableName `json:"table" yaml:"table"`
	// Error is set when the database could not be described.
	Error         string                  `json:"error,omitempty" yaml:"error,omitempty"`
	TitleProperty string                  `json:"title_property,omitempty" yaml:"title_property,omitempty"`
	Properties    map[string]PropertyType `json:"properties,omitempty" yaml:"properties,omitempty"`
	// Missing lists expected properties the database lacks. Writes skip them.
	Missing []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	// Problems are mismatches that make writes fail.
	Problems []string `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// OK reports whether every compiled column can be written.
func (d Diagnosis) OK() bool {
	return d.Error == "" && len(d.Missing) == 0 && len(d.Problems) == 0
}

// Diagnose describes each table's database and checks it against
// ExpectedSchema. A failure to describe one table does not stop the rest.
func Diagnose(ctx context.Context, store RecordStore, tables []ir.TableName) []Diagnosis {
	out := make([]Diagnosis, 0, len(tables))
	for _, t := range tables {
		out = append(out, diagnoseTable(ctx, store, t))
	}
	return out
}

func diagnoseTable(ctx context.Context, store RecordStore, table ir.TableName) Diagnosis {
	d := Diagnosis{Table: table}
	got, err := store.Describe(ctx, table)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.TitleProperty = got.TitleProperty()
	d.Properties = make(map[string]PropertyType, len(got.Properties))
	for name, p := range got.Properties {
		d.Properties[name] = p.Type
	}

	want := ExpectedSchema(table)
	key := ir.Schema(table).KeyColumn
	for _, name := range want.Names() {
		wp := want.Properties[name]
		gp, ok := got.Property(name)
		if !ok {
			if name == key {
				d.Problems = append(d.Problems, fmt.Sprintf("key property %q is missing", name))
				continue
			}
			d.Missing = append(d.Missing, name)
			continue
		}
		if !compatible(wp.Type, gp.Type) {
			d.Problems = append(d.Problems, fmt.Sprintf("property %q is %s, want %s", name, gp.Type, wp.Type))
			continue
		}
		if len(gp.Options) == 0 {
			continue
		}
		for _, o := range wp.Options {
			if !slices.Contains(gp.Options, o) {
				d.Problems = append(d.Problems, fmt.Sprintf("property %q has no option %q", name, o))
			}
		}
	}
	return d
}

// compatible reports whether a remote property of type got can hold
// values written as want.
func compatible(want, got PropertyType) bool {
	if want == got {
		return true
	}
	return want == TypeSelect && got == TypeStatus
}
