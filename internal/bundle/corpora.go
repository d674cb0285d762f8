package bundle

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/psb/internal/ir"
)

// CorporaRegistryFile is the registry file name inside the corpora directory.
const CorporaRegistryFile = "registry.csv"

var declaredIDPattern = regexp.MustCompile(`(?i)^#\s*id\s*:\s*(.+)$`)

// CorpusFile is one corpus found on disk by ScanCorpora.
type CorpusFile struct {
	ir.CorporaEntry
	Bytes int64 `json:"bytes"`
}

// ScanCorpora builds registry entries for every .csv and .txt file in dir
// except the registry itself. The ID comes from a leading "# id: ..."
// comment when present, else from the file name. Entries are sorted by
// case-folded ID. A missing directory yields no entries.
func ScanCorpora(dir string) ([]CorpusFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []CorpusFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.EqualFold(name, CorporaRegistryFile) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".csv" && ext != ".txt" {
			continue
		}
		path := filepath.Join(dir, name)
		id := declaredCorpusID(path)
		if id == "" {
			id = ir.CorpusIDFromFile(name)
		}
		sum, size, err := ir.FileSHA256(path)
		if err != nil {
			return nil, err
		}
		out = append(out, CorpusFile{
			CorporaEntry: ir.CorporaEntry{
				ID:       id,
				Type:     classifyCorpus(id, name),
				Path:     name,
				Checksum: sum,
				Source:   "manual",
			},
			Bytes: size,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].ID) < strings.ToLower(out[j].ID)
	})
	return out, nil
}

// declaredCorpusID reads the "# id:" comment among the leading comment
// lines of a corpus file.
func declaredCorpusID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			return ""
		}
		if m := declaredIDPattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func classifyCorpus(id, name string) ir.CorpusType {
	key := strings.ToLower(id + " " + name)
	switch {
	case strings.Contains(key, "unigram"):
		return ir.CorpusUnigram
	case strings.Contains(key, "quadgram"):
		return ir.CorpusQuadgram
	case strings.Contains(key, "function_words"), strings.Contains(key, "lexicon"), strings.Contains(key, "wordlist"):
		return ir.CorpusWordlist
	}
	return ir.CorpusOther
}
