package remote

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/psb/internal/ir"
)

// CallKind names a RecordStore method.
type CallKind string

const (
	CallDescribe CallKind = "describe"
	CallQuery    CallKind = "query"
	CallCreate   CallKind = "create"
	CallUpdate   CallKind = "update"
)

// Call is one recorded RecordStore invocation.
type Call struct {
	Kind  CallKind     `yaml:"kind"`
	Table ir.TableName `yaml:"table"`
	// Key is the queried key, or the key property value written.
	Key string `yaml:"key,omitempty"`
	Err string `yaml:"err,omitempty"`
}

// Fault makes the next Times matching calls fail with Err.
// An empty Table or Key matches any.
type Fault struct {
	Kind  CallKind
	Table ir.TableName
	Key   string
	Times int
	Err   error
}

// Memory is an in-process RecordStore. It enforces key uniqueness on
// create, which lets it stand in for a remote that already holds a record
// written by an interrupted earlier run.
type Memory struct {
	mu      sync.Mutex
	schemas map[ir.TableName]*DatabaseSchema
	records map[ir.TableName][]Record
	faults  []*Fault
	races   map[ir.TableName]map[string]bool
	calls   []Call
	newID   func() string
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithIDs replaces the record ID generator (UUIDs by default).
func WithIDs(next func() string) MemoryOption {
	return func(m *Memory) { m.newID = next }
}

// WithSchema replaces the schema of one table.
func WithSchema(table ir.TableName, s *DatabaseSchema) MemoryOption {
	return func(m *Memory) { m.schemas[table] = s }
}

// NewMemory returns an empty store whose databases match ExpectedSchema.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		schemas: make(map[ir.TableName]*DatabaseSchema, len(ir.TableOrder)),
		records: make(map[ir.TableName][]Record, len(ir.TableOrder)),
		races:   make(map[ir.TableName]map[string]bool),
		newID:   uuid.NewString,
	}
	for _, t := range ir.TableOrder {
		m.schemas[t] = ExpectedSchema(t)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Inject queues a fault.
func (m *Memory) Inject(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	m.faults = append(m.faults, &f)
}

// Race makes the next create of key in table lose a race: a record with
// that key appears just before the create, which then reports
// ErrAlreadyExists.
func (m *Memory) Race(table ir.TableName, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.races[table] == nil {
		m.races[table] = make(map[string]bool)
	}
	m.races[table][key] = true
}

// Seed inserts a record directly, bypassing faults and call recording.
func (m *Memory) Seed(table ir.TableName, values map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.records[table] = append(m.records[table], Record{ID: id, Values: maps.Clone(values)})
	return id
}

// Records returns a copy of a table's records in insertion order.
func (m *Memory) Records(table ir.TableName) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records[table]))
	for i, r := range m.records[table] {
		out[i] = Record{ID: r.ID, Values: maps.Clone(r.Values)}
	}
	return out
}

// Calls returns the recorded calls in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many calls of a kind were made.
func (m *Memory) CallCount(kind CallKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Describe implements RecordStore.
func (m *Memory) Describe(ctx context.Context, table ir.TableName) (*DatabaseSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, CallDescribe, table, ""); err != nil {
		return nil, err
	}
	s, ok := m.schemas[table]
	if !ok {
		return nil, m.fail(NewFatal("describe "+string(table), fmt.Errorf("no database for %s", table)))
	}
	cp := &DatabaseSchema{ID: s.ID, Properties: maps.Clone(s.Properties)}
	return cp, nil
}

// Query implements RecordStore.
func (m *Memory) Query(ctx context.Context, table ir.TableName, keyProperty, key string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, CallQuery, table, key); err != nil {
		return nil, err
	}
	if _, ok := m.schemas[table].Property(keyProperty); !ok {
		return nil, m.fail(NewFatal("query "+string(table), fmt.Errorf("key property %q not in database", keyProperty)))
	}
	var out []Record
	for _, r := range m.records[table] {
		if r.Values[keyProperty] == key {
			out = append(out, Record{ID: r.ID, Values: maps.Clone(r.Values)})
		}
	}
	return out, nil
}

// Create implements RecordStore.
func (m *Memory) Create(ctx context.Context, table ir.TableName, values map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyProp := ir.Schema(table).KeyColumn
	key := values[keyProp]
	if err := m.enter(ctx, CallCreate, table, key); err != nil {
		return "", err
	}
	op := "create " + string(table)
	clean, err := m.check(table, op, values)
	if err != nil {
		return "", m.fail(err)
	}

	if m.races[table][key] {
		delete(m.races[table], key)
		m.records[table] = append(m.records[table], Record{ID: m.newID(), Values: clean})
	}
	for _, r := range m.records[table] {
		if r.Values[keyProp] == key {
			return "", m.fail(&SyncError{Class: Fatal, Op: op, Status: 409, Err: ErrAlreadyExists})
		}
	}

	id := m.newID()
	m.records[table] = append(m.records[table], Record{ID: id, Values: clean})
	return id, nil
}

// Update implements RecordStore.
func (m *Memory) Update(ctx context.Context, table ir.TableName, id string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, CallUpdate, table, values[ir.Schema(table).KeyColumn]); err != nil {
		return err
	}
	op := "update " + string(table)
	clean, err := m.check(table, op, values)
	if err != nil {
		return m.fail(err)
	}
	for i, r := range m.records[table] {
		if r.ID == id {
			maps.Copy(m.records[table][i].Values, clean)
			return nil
		}
	}
	return m.fail(&SyncError{Class: Fatal, Op: op, Status: 404, Err: ErrNotFound})
}

// enter records the call and fires a matching fault. Callers hold mu.
func (m *Memory) enter(ctx context.Context, kind CallKind, table ir.TableName, key string) error {
	m.calls = append(m.calls, Call{Kind: kind, Table: table, Key: key})
	if err := ctx.Err(); err != nil {
		return m.fail(err)
	}
	for i, f := range m.faults {
		if f.Kind != kind || (f.Table != "" && f.Table != table) || (f.Key != "" && f.Key != key) {
			continue
		}
		f.Times--
		if f.Times == 0 {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return m.fail(f.Err)
	}
	return nil
}

// fail annotates the last recorded call with err. Callers hold mu.
func (m *Memory) fail(err error) error {
	if n := len(m.calls); n > 0 {
		m.calls[n-1].Err = err.Error()
	}
	return err
}

// check applies the database schema the way the real API does: unknown
// properties and values outside a select's options are rejected.
func (m *Memory) check(table ir.TableName, op string, values map[string]string) (map[string]string, error) {
	s := m.schemas[table]
	clean := make(map[string]string, len(values))
	for _, name := range ir.SortedKeys(values) {
		p, ok := s.Property(name)
		if !ok {
			return nil, &SyncError{Class: Fatal, Op: op, Status: 400, Code: "validation_error",
				Err: fmt.Errorf("%s is not a property that exists", name)}
		}
		if _, err := encodeProperty(p, values[name]); err != nil {
			return nil, &SyncError{Class: Fatal, Op: op, Status: 400, Code: "validation_error", Err: err}
		}
		clean[name] = values[name]
	}
	return clean, nil
}
