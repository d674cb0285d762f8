package ir

import "fmt"

// TableName identifies one of the four synchronized tables.
type TableName string

const (
	TableRuns      TableName = "runs"
	TableResults   TableName = "results_summaries"
	TableArtifacts TableName = "artifacts"
	TableBriefings TableName = "briefings"
)

// TableOrder is the foreign-key order in which tables are written.
// Runs must exist remotely before anything that links to them.
var TableOrder = []TableName{TableRuns, TableResults, TableArtifacts, TableBriefings}

// ColumnKind controls how a column is compared and written remotely.
type ColumnKind string

const (
	KindTitle    ColumnKind = "title"
	KindText     ColumnKind = "text"
	KindFreeText ColumnKind = "freetext"
	KindNumber   ColumnKind = "number"
	KindSelect   ColumnKind = "select"
)

// Column describes one property of a table.
type Column struct {
	Name string
	Kind ColumnKind
}

// TableSchema is the fixed column layout of a table.
type TableSchema struct {
	Name    TableName
	Columns []Column
	// KeyColumn is the property used to look a row up remotely.
	KeyColumn string
}

// Column returns the named column.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Header returns the column names in order.
func (s TableSchema) Header() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func col(name string, kind ColumnKind) Column { return Column{Name: name, Kind: kind} }

var schemas = map[TableName]TableSchema{
	TableRuns: {
		Name:      TableRuns,
		KeyColumn: "RUN ID",
		Columns: []Column{
			col("Title", KindTitle),
			col("RUN ID", KindText),
			col("Experiment", KindText),
			col("Hypothesis", KindText),
			col("Ciphertext", KindText),
			col("Method", KindText),
			col("Scoring", KindText),
			col("PRNG", KindText),
			col("Seed", KindText),
			col("Env Hash", KindText),
			col("Code Commit", KindText),
			col("Started At", KindText),
			col("Ended At", KindText),
			col("Stop Condition", KindText),
			col("Status", KindSelect),
			col("CPUh", KindNumber),
			col("Wall Minutes", KindNumber),
			col("Peak Mem MB", KindNumber),
			col("Iterations", KindNumber),
			col("Candidates/sec", KindNumber),
		},
	},
	TableResults: {
		Name:      TableResults,
		KeyColumn: "RUN",
		Columns: []Column{
			col("Title", KindTitle),
			col("RUN", KindText),
			col("Best Score", KindNumber),
			col("Avg Score", KindNumber),
			col("Median", KindNumber),
			col("p10", KindNumber),
			col("p90", KindNumber),
			col("Composite Z", KindNumber),
			col("Chi2 Z", KindNumber),
			col("Quadgram Z", KindNumber),
			col("WordRate Z", KindNumber),
			col("TopN Table", KindText),
			col("Score Histogram", KindText),
			col("Param Sweep", KindText),
		},
	},
	TableArtifacts: {
		Name:      TableArtifacts,
		KeyColumn: "Title",
		Columns: []Column{
			col("Title", KindTitle),
			col("RUN", KindText),
			col("Type", KindSelect),
			col("Path/URL", KindText),
			col("Checksum", KindText),
			col("Mime", KindText),
			col("Size Bytes", KindNumber),
		},
	},
	TableBriefings: {
		Name:      TableBriefings,
		KeyColumn: "RUN",
		Columns: []Column{
			col("Title", KindTitle),
			col("RUN", KindText),
			col("Version", KindText),
			col("Date", KindText),
			col("Header", KindFreeText),
			col("Technical", KindFreeText),
			col("Broad", KindFreeText),
		},
	},
}

// Schema returns the column layout of a table. It panics on an unknown table.
func Schema(t TableName) TableSchema {
	s, ok := schemas[t]
	if !ok {
		panic(fmt.Sprintf("ir: unknown table %q", t))
	}
	return s
}

// Row is one compiled record of a table.
type Row struct {
	Table TableName `json:"table"`
	// Key is the stable identity of the row: the run ID, or "runID::path"
	// for artifacts.
	Key string `json:"key"`
	// RunID links the row to its owning run.
	RunID string `json:"run_id"`
	// Origin is the bundle directory the row was compiled from.
	Origin string            `json:"origin"`
	Values map[string]string `json:"values"`
}

// Get returns the value of a column, or "" when unset.
func (r Row) Get(column string) string {
	return r.Values[column]
}

// KeyValue returns the value of the table's remote key property.
func (r Row) KeyValue() string {
	return r.Values[Schema(r.Table).KeyColumn]
}

// Record returns the row values in schema column order.
func (r Row) Record() []string {
	s := Schema(r.Table)
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = r.Values[c.Name]
	}
	return out
}

// ArtifactKey is the row key of an artifact.
func ArtifactKey(runID, path string) string {
	return runID + "::" + path
}

// Tables holds the compiled rows of every table in insertion order.
type Tables struct {
	Runs      []Row `json:"runs"`
	Results   []Row `json:"results_summaries"`
	Artifacts []Row `json:"artifacts"`
	Briefings []Row `json:"briefings"`
}

// Rows returns the rows of one table.
func (t *Tables) Rows(name TableName) []Row {
	switch name {
	case TableRuns:
		return t.Runs
	case TableResults:
		return t.Results
	case TableArtifacts:
		return t.Artifacts
	case TableBriefings:
		return t.Briefings
	}
	return nil
}

// Append adds a row to the table it belongs to.
func (t *Tables) Append(r Row) {
	switch r.Table {
	case TableRuns:
		t.Runs = append(t.Runs, r)
	case TableResults:
		t.Results = append(t.Results, r)
	case TableArtifacts:
		t.Artifacts = append(t.Artifacts, r)
	case TableBriefings:
		t.Briefings = append(t.Briefings, r)
	}
}

// Len returns the total number of rows across tables.
func (t *Tables) Len() int {
	return len(t.Runs) + len(t.Results) + len(t.Artifacts) + len(t.Briefings)
}

// SyncedRow is the last known remote state of a row.
type SyncedRow struct {
	Row
	RemoteID string `json:"remote_id,omitempty"`
	Hash     string `json:"hash"`
}

// Snapshot is the last synchronized state of every table, keyed by row key.
type Snapshot struct {
	Tables map[TableName]map[string]SyncedRow
	// MethodDigests maps method name to the content digest first recorded.
	MethodDigests map[string]string
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	s := &Snapshot{
		Tables:        make(map[TableName]map[string]SyncedRow, len(TableOrder)),
		MethodDigests: make(map[string]string),
	}
	for _, t := range TableOrder {
		s.Tables[t] = make(map[string]SyncedRow)
	}
	return s
}

// Lookup returns the synced state of a row.
func (s *Snapshot) Lookup(t TableName, key string) (SyncedRow, bool) {
	if s == nil {
		return SyncedRow{}, false
	}
	r, ok := s.Tables[t][key]
	return r, ok
}

// Put records the synced state of a row.
func (s *Snapshot) Put(r SyncedRow) {
	if s.Tables[r.Table] == nil {
		s.Tables[r.Table] = make(map[string]SyncedRow)
	}
	s.Tables[r.Table][r.Key] = r
}

// RunStatus returns the last synchronized status of a run.
func (s *Snapshot) RunStatus(runID string) (RunStatus, bool) {
	r, ok := s.Lookup(TableRuns, runID)
	if !ok {
		return "", false
	}
	return RunStatus(r.Get("Status")), true
}
