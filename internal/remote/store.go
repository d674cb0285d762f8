package remote

import (
	"context"
	"sort"

	"github.com/roach88/psb/internal/ir"
)

// PropertyType is the remote type of a database property.
type PropertyType string

const (
	TypeTitle    PropertyType = "title"
	TypeRichText PropertyType = "rich_text"
	TypeNumber   PropertyType = "number"
	TypeSelect   PropertyType = "select"
	TypeStatus   PropertyType = "status"
)

// Property is one column of a remote database.
type Property struct {
	Name string       `json:"name" yaml:"name"`
	Type PropertyType `json:"type" yaml:"type"`
	// Options lists allowed values for select and status properties.
	// Empty means the remote accepts any value.
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// DatabaseSchema is the property layout of a remote database.
type DatabaseSchema struct {
	ID         string              `json:"id" yaml:"id"`
	Properties map[string]Property `json:"properties" yaml:"properties"`
}

// Property returns a property by name.
func (s *DatabaseSchema) Property(name string) (Property, bool) {
	p, ok := s.Properties[name]
	return p, ok
}

// TitleProperty returns the name of the title property, or "".
func (s *DatabaseSchema) TitleProperty() string {
	for _, name := range s.Names() {
		if s.Properties[name].Type == TypeTitle {
			return name
		}
	}
	return ""
}

// Names returns the property names in sorted order.
func (s *DatabaseSchema) Names() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allows reports whether value is acceptable for a select or status
// property.
func (p Property) Allows(value string) bool {
	if value == "" || len(p.Options) == 0 {
		return true
	}
	for _, o := range p.Options {
		if o == value {
			return true
		}
	}
	return false
}

// Record is a remote row with its values rendered as text.
type Record struct {
	ID     string            `json:"id" yaml:"id"`
	Values map[string]string `json:"values" yaml:"values"`
}

// RecordStore is the remote record store the executor writes to.
//
// Values passed to Create and Update are keyed by property name and hold
// the compiled text of each cell. Implementations convert them to the
// remote property types.
type RecordStore interface {
	// Describe returns the property schema of a table's database.
	Describe(ctx context.Context, table ir.TableName) (*DatabaseSchema, error)

	// Query returns the records whose key property equals key.
	Query(ctx context.Context, table ir.TableName, keyProperty, key string) ([]Record, error)

	// Create inserts a record and returns its remote ID.
	Create(ctx context.Context, table ir.TableName, values map[string]string) (string, error)

	// Update overwrites the given properties of an existing record.
	Update(ctx context.Context, table ir.TableName, id string, values map[string]string) error
}

// ExpectedSchema is the database layout the compiled tables map onto.
// Select options are left open except where the value set is closed.
func ExpectedSchema(table ir.TableName) *DatabaseSchema {
	s := ir.Schema(table)
	out := &DatabaseSchema{ID: string(table), Properties: make(map[string]Property, len(s.Columns))}
	for _, c := range s.Columns {
		p := Property{Name: c.Name}
		switch c.Kind {
		case ir.KindTitle:
			p.Type = TypeTitle
		case ir.KindNumber:
			p.Type = TypeNumber
		case ir.KindSelect:
			p.Type = TypeSelect
			p.Options = selectOptions(table, c.Name)
		default:
			p.Type = TypeRichText
		}
		out.Properties[c.Name] = p
	}
	return out
}

func selectOptions(table ir.TableName, column string) []string {
	switch {
	case table == ir.TableRuns && column == "Status":
		out := make([]string, len(ir.RunStatuses))
		for i, s := range ir.RunStatuses {
			out[i] = string(s)
		}
		return out
	case table == ir.TableArtifacts && column == "Type":
		return []string{
			string(ir.ArtifactCSV), string(ir.ArtifactPlot), string(ir.ArtifactText),
			string(ir.ArtifactJSON), string(ir.ArtifactOther),
		}
	}
	return nil
}
