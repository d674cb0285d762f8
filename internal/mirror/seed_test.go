package mirror

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/testutil"
)

func seedMethods() []ir.Method {
	return []ir.Method{
		{
			Name:        "MTH-vigenere-v1.2",
			Description: "Periodic polyalphabetic, key search by hill climb",
			Parameters:  map[string]any{"type": "object", "max_period": json.Number("20")},
			Version:     "1.2",
			Status:      ir.MethodReady,
			Extras:      map[string]any{"family": "polyalphabetic", "tags": []any{"classical", "periodic"}},
		},
		{
			Name:        "MTH-two-transp-affine-v0.1",
			Description: "Double columnar transposition, then affine",
			Parameters:  map[string]any{"type": "object"},
			Version:     "0.1",
			Status:      ir.MethodDraft,
			Notes:       "K4 pilot",
			Extras:      map[string]any{"cost": json.Number("3")},
		},
	}
}

func TestEncodeMethodsSeed_Golden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	var buf bytes.Buffer
	require.NoError(t, EncodeMethodsSeed(&buf, seedMethods()))
	g.Assert(t, "methods_seed", buf.Bytes())
}

func TestEncodeMethodsSeed_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeMethodsSeed(&buf, nil))
	assert.Equal(t, "Name,Description,Parameters Schema,Version,Status,Notes\n", buf.String())
}

func TestWriteMethodsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), MethodsSeedFile)
	require.NoError(t, WriteMethodsSeed(path, seedMethods()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "X.cost,X.family,X.tags")
}

func TestSeedScalar(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"number", json.Number("1.50"), "1.50"},
		{"bool", true, "true"},
		{"list", []any{"a", json.Number("2")}, "a,2"},
		{"object", map[string]any{"b": "x", "a": true}, `{"a":true,"b":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := seedScalar(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCorporaRegistry_RebuildParses(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.AddDemoRegistries()
	w.WriteFile("data/corpora/en_unigram_v2.1.csv", "E,12.7\nT,9.1\n")
	registry := w.Paths().CorporaRegistry

	files, err := bundle.ScanCorpora(filepath.Dir(registry))
	require.NoError(t, err)
	require.NoError(t, WriteFile(registry, func(w io.Writer) error { return EncodeCorporaRegistry(w, files) }))

	entries, errs := bundle.ParseCorporaRegistry(registry)
	require.Empty(t, errs)
	require.Len(t, entries, 2)
	assert.Equal(t, testutil.DemoCorpus, entries[0].ID)
	assert.Equal(t, ir.CorpusUnigram, entries[1].Type)
}
