package planner

import (
	"math/big"
	"strings"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/psb/internal/ir"
)

// OpKind tags an operation.
type OpKind string

const (
	Create OpKind = "Create"
	Update OpKind = "Update"
)

// Op is one write the executor must perform.
type Op struct {
	Kind  OpKind       `json:"kind" yaml:"kind"`
	Table ir.TableName `json:"table" yaml:"table"`
	Key   string       `json:"key" yaml:"key"`
	Row   ir.Row       `json:"-" yaml:"-"`

	// RemoteID is the remote record last written for this key, if known.
	RemoteID string `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	// Changed lists the columns that differ from the synced state (Update only).
	Changed []string `json:"changed,omitempty" yaml:"changed,omitempty"`
	// Diff is a human-readable rendering of the change (Update only).
	Diff string `json:"diff,omitempty" yaml:"diff,omitempty"`
}

// Blocked is an update refused because the run it belongs to was already
// synchronized with a terminal status.
type Blocked struct {
	Table   ir.TableName `json:"table" yaml:"table"`
	Key     string       `json:"key" yaml:"key"`
	RunID   string       `json:"run_id" yaml:"run_id"`
	Status  ir.RunStatus `json:"status" yaml:"status"`
	Changed []string     `json:"changed" yaml:"changed"`
}

// Plan is the ordered set of operations that brings the remote store up to
// date with the compiled rows.
type Plan struct {
	Ops     []Op      `json:"ops" yaml:"ops"`
	Blocked []Blocked `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	// NoOps counts rows identical to their synced state, per table.
	NoOps map[ir.TableName]int `json:"noops" yaml:"noops"`
}

// Build compares compiled rows against the last synchronized state.
//
// A key absent from the snapshot becomes a Create, a key whose values differ
// becomes an Update, and an identical key is counted as a no-op. Keys found
// only in the snapshot are ignored: nothing is ever deleted. Updates to rows
// of a run whose synced status is terminal are reported as Blocked.
//
// Build is pure; snap may be nil.
func Build(rows *ir.Tables, snap *ir.Snapshot) *Plan {
	p := &Plan{NoOps: make(map[ir.TableName]int, len(ir.TableOrder))}
	if rows == nil {
		return p
	}
	for _, table := range ir.TableOrder {
		schema := ir.Schema(table)
		for _, row := range rows.Rows(table) {
			prev, ok := snap.Lookup(table, row.Key)
			if !ok {
				p.Ops = append(p.Ops, Op{Kind: Create, Table: table, Key: row.Key, Row: row})
				continue
			}

			changed := ChangedColumns(schema, prev.Values, row.Values)
			if len(changed) == 0 {
				p.NoOps[table]++
				continue
			}

			if status, ok := snap.RunStatus(row.RunID); ok && status.Terminal() {
				p.Blocked = append(p.Blocked, Blocked{
					Table:   table,
					Key:     row.Key,
					RunID:   row.RunID,
					Status:  status,
					Changed: changed,
				})
				continue
			}

			p.Ops = append(p.Ops, Op{
				Kind:     Update,
				Table:    table,
				Key:      row.Key,
				Row:      row,
				RemoteID: prev.RemoteID,
				Changed:  changed,
				Diff:     diff(changed, prev.Values, row.Values),
			})
		}
	}
	return p
}

// Empty reports whether the plan has nothing to write.
func (p *Plan) Empty() bool { return len(p.Ops) == 0 }

// Count returns the number of operations of a kind, optionally limited to
// one table ("" counts all tables).
func (p *Plan) Count(kind OpKind, table ir.TableName) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == kind && (table == "" || op.Table == table) {
			n++
		}
	}
	return n
}

// TableOps returns the operations of one table in plan order.
func (p *Plan) TableOps(table ir.TableName) []Op {
	var out []Op
	for _, op := range p.Ops {
		if op.Table == table {
			out = append(out, op)
		}
	}
	return out
}

// ChangedColumns returns, in schema order, the columns whose values differ.
func ChangedColumns(schema ir.TableSchema, prev, next map[string]string) []string {
	var changed []string
	for _, c := range schema.Columns {
		if !Equal(c.Kind, prev[c.Name], next[c.Name]) {
			changed = append(changed, c.Name)
		}
	}
	return changed
}

// Equal compares two cell values under the rules of a column kind.
// Numbers compare by exact value, so "1.50" equals "1.5". Free text compares
// after NormalizeText. Everything else compares byte for byte.
func Equal(kind ir.ColumnKind, a, b string) bool {
	switch kind {
	case ir.KindNumber:
		if a == b {
			return true
		}
		x, okA := new(big.Rat).SetString(strings.TrimSpace(a))
		y, okB := new(big.Rat).SetString(strings.TrimSpace(b))
		if !okA || !okB {
			return false
		}
		return x.Cmp(y) == 0
	case ir.KindFreeText:
		return NormalizeText(a) == NormalizeText(b)
	default:
		return a == b
	}
}

// NormalizeText applies NFC, collapses runs of whitespace to a single space
// and trims the ends.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func diff(changed []string, prev, next map[string]string) string {
	before := make(map[string]string, len(changed))
	after := make(map[string]string, len(changed))
	for _, c := range changed {
		before[c] = prev[c]
		after[c] = next[c]
	}
	return cmp.Diff(before, after)
}
