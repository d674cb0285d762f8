package bundle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/testutil"
)

func layoutOf(w *testutil.Workspace) Layout {
	p := w.Paths()
	return Layout{
		MethodsDir:      p.MethodsDir,
		ScoringDir:      p.ScoringDir,
		CorporaRegistry: p.CorporaRegistry,
		Ciphertexts:     p.Ciphertexts,
	}
}

func TestParseDemoRegistries(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.AddDemoRegistries()

	reg, errs := ParseRegistries(layoutOf(w))
	require.Empty(t, errs)

	require.Len(t, reg.Methods, 1)
	m := reg.Methods[0]
	assert.Equal(t, testutil.DemoMethod, m.Name)
	assert.Equal(t, "0.1", m.Version)
	assert.Equal(t, ir.MethodReady, m.Status)
	assert.Equal(t, "transposition", m.Extras["family"])
	assert.NotEmpty(t, m.Digest)

	require.Len(t, reg.Scorings, 1)
	assert.Equal(t, []string{testutil.DemoCorpus}, reg.Scorings[0].Corpora)

	require.Len(t, reg.Corpora, 1)
	assert.Equal(t, ir.CorpusQuadgram, reg.Corpora[0].Type)

	require.Len(t, reg.Ciphertexts, 1)
	assert.Equal(t, 97, reg.Ciphertexts[0].Length)
}

func TestMethodFileIdentityMismatch(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.WriteJSON("data/methods/MTH-foo-v1.0.json", testutil.MethodDoc("MTH-foo-v1.1", "1.0"))
	w.WriteJSON("data/methods/MTH-bar-v2.0.json", testutil.MethodDoc("MTH-bar-v2.0", "2.1"))
	w.WriteJSON("data/methods/MTH-ok-v1.0.json", testutil.MethodDoc("MTH-ok-v1.0", "1.0"))
	w.WriteJSON("data/methods/MTH-BadName.json", testutil.MethodDoc("MTH-BadName", "1.0"))

	reg, errs := ParseRegistries(Layout{MethodsDir: w.Paths().MethodsDir})
	assert.Equal(t, []ErrorKind{IdentityMismatch, IdentityMismatch, IdentityMismatch}, kinds(errs))
	require.Len(t, reg.Methods, 1)
	assert.Equal(t, "MTH-ok-v1.0", reg.Methods[0].Name)
}

func TestMethodFileSchemaViolation(t *testing.T) {
	w := testutil.NewWorkspace(t)
	doc := testutil.MethodDoc("MTH-foo-v1.0", "1.0")
	doc["status"] = "Shipped"
	delete(doc, "description")
	w.WriteJSON("data/methods/MTH-foo-v1.0.json", doc)

	_, errs := ParseRegistries(Layout{MethodsDir: w.Paths().MethodsDir})
	require.Len(t, errs, 1)
	assert.Equal(t, SchemaViolation, KindOf(errs[0]))
}

func TestMethodFileParametersSchema(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(doc map[string]any)
		wantErr bool
	}{
		{name: "parameters_schema", edit: func(map[string]any) {}},
		{name: "legacy schema key", edit: func(doc map[string]any) {
			doc["schema"] = doc["parameters_schema"]
			delete(doc, "parameters_schema")
		}},
		{name: "missing", edit: func(doc map[string]any) {
			delete(doc, "parameters_schema")
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.NewWorkspace(t)
			doc := testutil.MethodDoc("MTH-foo-v1.0", "1.0")
			tt.edit(doc)
			w.WriteJSON("data/methods/MTH-foo-v1.0.json", doc)

			reg, errs := ParseRegistries(Layout{MethodsDir: w.Paths().MethodsDir})
			if tt.wantErr {
				assert.Equal(t, []ErrorKind{SchemaViolation}, kinds(errs))
				return
			}
			require.Empty(t, errs)
			require.Len(t, reg.Methods, 1)
			params, ok := reg.Methods[0].Parameters.(map[string]any)
			require.True(t, ok, "parameters = %#v", reg.Methods[0].Parameters)
			assert.Equal(t, "object", params["type"])
		})
	}
}

func TestCorporaRegistryChecksumMismatch(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.WriteFile("data/corpora/a.csv", "A,1\n")
	w.WriteFile("data/corpora/b.csv", "B,1\n")
	w.WriteFile("data/corpora/registry.csv", fmt.Sprintf(
		"id,type,path,checksum\nCORP-a,unigram,a.csv,%s\nCORP-b,Quadgram,b.csv,%s\nCORP-c,Other,c.csv,%s\n",
		testutil.SHA256Hex("A,1\n"), testutil.SHA256Hex("tampered"), testutil.SHA256Hex("")))

	entries, errs := ParseCorporaRegistry(w.Paths().CorporaRegistry)
	assert.Equal(t, []ErrorKind{ChecksumMismatch, MissingFile}, kinds(errs))
	require.Len(t, entries, 1)
	assert.Equal(t, "CORP-a", entries[0].ID)
	assert.Equal(t, ir.CorpusUnigram, entries[0].Type, "lower-case types are normalized")

	var pe *ParseError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, 3, pe.Line)
}

func TestCorporaRegistryLegacyColumns(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.WriteFile("data/corpora/fw.txt", "the\nof\n")
	w.WriteFile("data/corpora/registry.csv", fmt.Sprintf(
		"id,type,filename,bytes,sha256,source\nCORP-fw,lexicon,fw.txt,7,%s,manual\n",
		testutil.SHA256Hex("the\nof\n")))

	entries, errs := ParseCorporaRegistry(w.Paths().CorporaRegistry)
	require.Empty(t, errs)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.CorpusWordlist, entries[0].Type)
	assert.Equal(t, "fw.txt", entries[0].Path)
}

func TestRaggedRows(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.WriteFile("data/ciphertexts.csv", fmt.Sprintf(
		"ctx_id,section,letters,length,checksum\nCTX-K9,K9,ABC\n\nCTX-K1,K1,ABC,3,%s\n", testutil.SHA256Hex("ABC")))

	ctx, errs := ParseCiphertexts(w.Paths().Ciphertexts)
	assert.Equal(t, []ErrorKind{RaggedRow}, kinds(errs))
	require.Len(t, ctx, 1)
	assert.Equal(t, "CTX-K1", ctx[0].ID)
}

func TestMalformedQuoteIsReported(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.WriteFile("data/corpora/a.csv", "A,1\n")
	w.WriteFile("data/corpora/registry.csv", fmt.Sprintf(
		"id,type,path,checksum\nCORP-a,Unigram,a.csv,%s\nCORP-a\"b,Other,b.csv,%s\n",
		testutil.SHA256Hex("A,1\n"), testutil.SHA256Hex("")))

	var (
		entries []ir.CorporaEntry
		errs    []error
	)
	require.NotPanics(t, func() {
		entries, errs = ParseCorporaRegistry(w.Paths().CorporaRegistry)
	})
	assert.Equal(t, []ErrorKind{RaggedRow}, kinds(errs))
	require.Len(t, entries, 1)
	assert.Equal(t, "CORP-a", entries[0].ID)

	var pe *ParseError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, 3, pe.Line)
}

func TestCiphertextLengthAndChecksum(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.WriteFile("data/ciphertexts.csv", fmt.Sprintf(
		"ctx_id,section,letters,length,checksum\nCTX-A,K1,ABC,4,%s\nCTX-B,K2,ab c,3,%s\nCTX-C,K3,ABC,3,%s\n",
		testutil.SHA256Hex("ABC"), testutil.SHA256Hex("ABC"), testutil.SHA256Hex("XYZ")))

	ctx, errs := ParseCiphertexts(w.Paths().Ciphertexts)
	assert.Equal(t, []ErrorKind{ChecksumMismatch, ChecksumMismatch}, kinds(errs))
	require.Len(t, ctx, 1)
	assert.Equal(t, "CTX-B", ctx[0].ID)
	assert.Equal(t, "ABC", ctx[0].Letters)
}

func TestMissingRegistryFile(t *testing.T) {
	_, errs := ParseCiphertexts("/nonexistent/ciphertexts.csv")
	assert.Equal(t, []ErrorKind{MissingFile}, kinds(errs))
}
