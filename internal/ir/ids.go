package ir

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Identifier prefixes.
const (
	PrefixRun        = "RUN-"
	PrefixMethod     = "MTH-"
	PrefixScoring    = "SFX-"
	PrefixCiphertext = "CTX-"
	PrefixCorpus     = "CORP-"
)

var (
	runIDPattern = regexp.MustCompile(`^RUN-[A-Za-z0-9][A-Za-z0-9_-]*$`)

	// versionedFilePattern matches "MTH-two-transp-affine-v0.1.json".
	versionedFilePattern = regexp.MustCompile(`^((MTH|SFX)-[a-z0-9]+(?:-[a-z0-9]+)*-v(\d+\.\d+))\.json$`)

	nonSlug = regexp.MustCompile(`[^a-z0-9.]+`)
)

// ValidRunID reports whether id is a well-formed run identifier.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// VersionedFile describes a registry file name such as MTH-foo-v1.0.json.
type VersionedFile struct {
	Stem    string // MTH-foo-v1.0
	Prefix  string // MTH-
	Version string // 1.0
}

// ParseVersionedFile parses a method or scoring file name.
func ParseVersionedFile(name string) (VersionedFile, bool) {
	m := versionedFilePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return VersionedFile{}, false
	}
	return VersionedFile{Stem: m[1], Prefix: m[2] + "-", Version: m[3]}, true
}

// CorpusIDFromFile derives a corpus identifier from its file name:
// en_unigram_v2.1.csv becomes CORP-en-unigram-v2.1.
func CorpusIDFromFile(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	slug := nonSlug.ReplaceAllString(strings.ToLower(stem), "-")
	return PrefixCorpus + strings.Trim(slug, "-")
}

// NormalizeLetters keeps only A-Z after upper-casing.
func NormalizeLetters(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
