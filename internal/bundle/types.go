package bundle

import "github.com/roach88/psb/internal/ir"

// Conventional file names inside a bundle directory.
const (
	ManifestFile  = "manifest.json"
	ResultsFile   = "results_summary.json"
	BriefingFile  = "briefing.md"
	ChecksumsFile = "checksums.txt"
	ArtifactsDir  = "artifacts"
)

// ParsedBundle is the typed content of one bundle directory.
type ParsedBundle struct {
	// Dir is the bundle directory as given; Name is its base name.
	Dir  string
	Name string

	ManifestVersion string
	Run             ir.Run
	Results         *ir.ResultsSummary
	Briefing        *ir.Briefing
	Artifacts       []ir.Artifact

	// Methods and Scorings are definitions shipped inside the bundle.
	Methods  []ir.Method
	Scorings []ir.Scoring

	// Unknown lists manifest fields not declared by its schema version.
	Unknown []string
}

// Layout locates the shared registries of a workspace.
type Layout struct {
	MethodsDir      string
	ScoringDir      string
	CorporaRegistry string
	Ciphertexts     string
}

// Registries holds every parsed shared registry.
type Registries struct {
	Methods     []ir.Method
	Scorings    []ir.Scoring
	Corpora     []ir.CorporaEntry
	Ciphertexts []ir.Ciphertext
}
