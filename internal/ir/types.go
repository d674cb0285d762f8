package ir

// RunStatus is the lifecycle state of an experiment run.
type RunStatus string

const (
	StatusPending   RunStatus = "Pending"
	StatusRunning   RunStatus = "Running"
	StatusCompleted RunStatus = "Completed"
	StatusFailed    RunStatus = "Failed"
	StatusAborted   RunStatus = "Aborted"
)

// RunStatuses lists every valid run status in lifecycle order.
var RunStatuses = []RunStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusAborted}

// Terminal reports whether the status is final. Rows of a run whose last
// synchronized status is terminal are never updated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// MethodStatus is the maturity of a method definition.
type MethodStatus string

const (
	MethodDraft      MethodStatus = "Draft"
	MethodReady      MethodStatus = "Ready"
	MethodDeprecated MethodStatus = "Deprecated"
)

// CorpusType classifies a corpora registry entry.
type CorpusType string

const (
	CorpusUnigram  CorpusType = "Unigram"
	CorpusQuadgram CorpusType = "Quadgram"
	CorpusWordlist CorpusType = "Wordlist"
	CorpusOther    CorpusType = "Other"
)

// ArtifactType classifies a file in a bundle's artifacts directory.
type ArtifactType string

const (
	ArtifactCSV   ArtifactType = "CSV"
	ArtifactPlot  ArtifactType = "Plot"
	ArtifactText  ArtifactType = "Text"
	ArtifactJSON  ArtifactType = "JSON"
	ArtifactOther ArtifactType = "Other"
)

// PRNG identifies the pseudo-random generator a run was seeded with.
type PRNG struct {
	Name string `json:"name"`
	Seed string `json:"seed"`
}

// Counters are the resource counters reported for a run.
// Values are kept in their decoded textual form so numbers round-trip exactly.
type Counters struct {
	CPUHours       string `json:"cpu_hours,omitempty"`
	WallMinutes    string `json:"wall_minutes,omitempty"`
	PeakMemMB      string `json:"peak_mem_mb,omitempty"`
	Iterations     string `json:"iterations,omitempty"`
	CandidatesPerS string `json:"candidates_per_sec,omitempty"`
}

// Run is one execution of a method against a ciphertext under a scoring config.
type Run struct {
	ID            string    `json:"run_id"`
	ExperimentID  string    `json:"experiment_id"`
	HypothesisID  string    `json:"hypothesis_id,omitempty"`
	CiphertextRef string    `json:"ciphertext_ref"`
	MethodRef     string    `json:"method_ref"`
	ScoringRef    string    `json:"scoring_ref"`
	PRNG          PRNG      `json:"prng"`
	EnvHash       string    `json:"env_hash"`
	CodeCommit    string    `json:"code_commit"`
	StartedAt     string    `json:"started_at,omitempty"`
	EndedAt       string    `json:"ended_at,omitempty"`
	StopCondition string    `json:"stop_condition,omitempty"`
	Status        RunStatus `json:"status,omitempty"`
	Counters      Counters  `json:"counters"`
}

// Method is a registered cryptanalysis method definition.
type Method struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  any            `json:"parameters_schema,omitempty"`
	Version     string         `json:"version"`
	Status      MethodStatus   `json:"status"`
	Notes       string         `json:"notes,omitempty"`
	Extras      map[string]any `json:"x,omitempty"`

	// Digest is the content digest of the full source document.
	Digest string `json:"-"`
	// Source is the file the definition was read from.
	Source string `json:"-"`
}

// Scoring is a scoring function configuration built on registered corpora.
type Scoring struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Formula     string   `json:"formula,omitempty"`
	Version     string   `json:"version"`
	Status      string   `json:"status,omitempty"`
	Corpora     []string `json:"corpora,omitempty"`

	Source string `json:"-"`
}

// CorporaEntry is one row of the corpora registry.
type CorporaEntry struct {
	ID       string     `json:"id"`
	Type     CorpusType `json:"type"`
	Path     string     `json:"path"`
	Checksum string     `json:"checksum"`
	Source   string     `json:"source,omitempty"`
	License  string     `json:"license,omitempty"`
}

// Ciphertext is one row of the ciphertext registry.
type Ciphertext struct {
	ID       string `json:"ctx_id"`
	Section  string `json:"section,omitempty"`
	Letters  string `json:"letters"`
	Length   int    `json:"length"`
	Checksum string `json:"checksum"`
}

// Scores are the summary statistics of a run's candidate scores.
type Scores struct {
	Best   string `json:"best"`
	Avg    string `json:"avg"`
	Median string `json:"median,omitempty"`
	P10    string `json:"p10,omitempty"`
	P90    string `json:"p90,omitempty"`
}

// ZScores are the per-component z-scores of the best candidate.
type ZScores struct {
	Composite string `json:"composite,omitempty"`
	Chi2      string `json:"chi2,omitempty"`
	Quadgram  string `json:"quadgram,omitempty"`
	WordRate  string `json:"wordrate,omitempty"`
}

// ResultsSummary is the statistical summary of a completed run.
type ResultsSummary struct {
	RunID          string    `json:"run_id"`
	Scores         Scores    `json:"scores"`
	ZScores        ZScores   `json:"z_scores"`
	TopNTable      string    `json:"topn_table,omitempty"`
	ScoreHistogram string    `json:"score_histogram,omitempty"`
	ParamSweep     string    `json:"param_sweep,omitempty"`
	Resources      *Counters `json:"resources,omitempty"`
}

// Artifact is a file shipped inside a bundle.
type Artifact struct {
	RunID    string       `json:"run_id"`
	Type     ArtifactType `json:"type"`
	Path     string       `json:"path"`
	Checksum string       `json:"checksum"`
	MIME     string       `json:"mime"`
	Size     int64        `json:"size_bytes"`
}

// Briefing is the human-readable narrative of a run.
type Briefing struct {
	RunID     string `json:"run_id"`
	Version   string `json:"version"`
	Date      string `json:"date"`
	Header    string `json:"header"`
	Technical string `json:"technical"`
	Broad     string `json:"broad"`
	// HeaderFields holds every parsed header key, including unknown ones.
	HeaderFields map[string]any `json:"header_fields,omitempty"`
}
