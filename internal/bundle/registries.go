package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/schema"
)

// ParseRegistries reads the method and scoring directories and the corpora
// and ciphertext registries. Every failure is collected; entries that fail
// are left out of the result and the rest are returned.
func ParseRegistries(layout Layout) (*Registries, []error) {
	reg := &Registries{}
	var errs []error

	if layout.MethodsDir != "" {
		methods, e := parseDefinitionDir(layout.MethodsDir, ir.PrefixMethod)
		errs = append(errs, e...)
		for _, d := range methods {
			reg.Methods = append(reg.Methods, d.method)
		}
	}
	if layout.ScoringDir != "" {
		scorings, e := parseDefinitionDir(layout.ScoringDir, ir.PrefixScoring)
		errs = append(errs, e...)
		for _, d := range scorings {
			reg.Scorings = append(reg.Scorings, d.scoring)
		}
	}
	if layout.CorporaRegistry != "" {
		corpora, e := ParseCorporaRegistry(layout.CorporaRegistry)
		reg.Corpora = corpora
		errs = append(errs, e...)
	}
	if layout.Ciphertexts != "" {
		ctx, e := ParseCiphertexts(layout.Ciphertexts)
		reg.Ciphertexts = ctx
		errs = append(errs, e...)
	}
	return reg, errs
}

type definition struct {
	method  ir.Method
	scoring ir.Scoring
}

// parseDefinitionDir parses every <prefix>*.json in dir, sorted by name.
// A missing directory is treated as empty.
func parseDefinitionDir(dir, prefix string) ([]definition, []error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"*.json"))
	if err != nil {
		return nil, []error{&ParseError{Kind: MissingFile, Path: dir, Message: "cannot list definitions", Err: err}}
	}
	sort.Strings(paths)

	var (
		out  []definition
		errs []error
	)
	for _, path := range paths {
		d, e := parseDefinitionFile(path)
		if len(e) > 0 {
			errs = append(errs, e...)
			continue
		}
		out = append(out, d)
	}
	return out, errs
}

// parseDefinitionFile parses one MTH-*.json or SFX-*.json file. The
// embedded name must equal the file stem and the embedded version must
// equal the version in the file name.
func parseDefinitionFile(path string) (definition, []error) {
	var d definition

	vf, ok := ir.ParseVersionedFile(path)
	if !ok {
		return d, []error{newError(IdentityMismatch, path,
			"file name must look like MTH-<name>-v<major>.<minor>.json or SFX-<name>-v<major>.<minor>.json")}
	}

	doc, err := decodeJSONFile(path)
	if err != nil {
		return d, []error{err}
	}

	kind := schema.KindMethod
	if vf.Prefix == ir.PrefixScoring {
		kind = schema.KindScoring
	}
	body := doc
	if kind == schema.KindMethod {
		body = legacyMethodFields(doc)
	}
	rec, err := schema.Validate(kind, "", body)
	if err != nil {
		return d, []error{&ParseError{Kind: SchemaViolation, Path: path, Message: string(kind), Err: err}}
	}

	var errs []error
	if name := rec.String("name"); name != vf.Stem {
		errs = append(errs, newError(IdentityMismatch, path, "name %q must match file stem %q", name, vf.Stem))
	}
	if version := rec.String("version"); version != vf.Version {
		errs = append(errs, newError(IdentityMismatch, path, "version %q must match file version %q", version, vf.Version))
	}
	if len(errs) > 0 {
		return d, errs
	}

	if kind == schema.KindScoring {
		d.scoring = ir.Scoring{
			Name:        rec.String("name"),
			Description: rec.String("description"),
			Formula:     rec.String("formula"),
			Version:     rec.String("version"),
			Status:      rec.String("status"),
			Corpora:     rec.Strings("corpora"),
			Source:      path,
		}
		return d, nil
	}

	digest, err := ir.DocumentDigest(doc)
	if err != nil {
		return d, []error{&ParseError{Kind: InvalidJSON, Path: path, Message: "cannot digest method", Err: err}}
	}
	d.method = ir.Method{
		Name:        rec.String("name"),
		Description: rec.String("description"),
		Parameters:  rec.Lookup("parameters_schema"),
		Version:     rec.String("version"),
		Status:      ir.MethodStatus(rec.String("status")),
		Notes:       rec.String("notes"),
		Extras:      rec.Object("x"),
		Digest:      digest,
		Source:      path,
	}
	return d, nil
}

// legacyMethodFields maps the older "schema" spelling of a method's
// parameter schema to "parameters_schema". The document itself is not
// modified, so the digest still covers the file as written.
func legacyMethodFields(doc any) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	legacy, hasLegacy := obj["schema"]
	if _, hasCurrent := obj["parameters_schema"]; hasCurrent || !hasLegacy {
		return doc
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k != "schema" {
			out[k] = v
		}
	}
	out["parameters_schema"] = legacy
	return out
}

// ParseCorporaRegistry reads the corpora registry CSV and verifies each
// entry's file against its recorded SHA-256. Paths are relative to the
// registry file. Both the "path,checksum" and the older
// "filename,sha256,bytes" column spellings are read.
func ParseCorporaRegistry(path string) ([]ir.CorporaEntry, []error) {
	_, rows, errs := readCSV(path)
	base := filepath.Dir(path)

	var out []ir.CorporaEntry
	for _, row := range rows {
		cells := map[string]string{
			"id":       row.Cells["id"],
			"type":     normalizeCorpusType(row.Cells["type"]),
			"path":     firstNonEmpty(row.Cells["path"], row.Cells["filename"]),
			"checksum": strings.ToLower(firstNonEmpty(row.Cells["checksum"], row.Cells["sha256"])),
			"source":   row.Cells["source"],
			"license":  row.Cells["license"],
		}
		rec, err := schema.ValidateStrings(schema.KindCorporaEntry, "", cells)
		if err != nil {
			errs = append(errs, &ParseError{Kind: SchemaViolation, Path: path, Line: row.Line, Message: "corpora entry", Err: err})
			continue
		}
		entry := ir.CorporaEntry{
			ID:       rec.String("id"),
			Type:     ir.CorpusType(rec.String("type")),
			Path:     rec.String("path"),
			Checksum: rec.String("checksum"),
			Source:   rec.String("source"),
			License:  rec.String("license"),
		}

		file := entry.Path
		if !filepath.IsAbs(file) {
			file = filepath.Join(base, file)
		}
		sum, size, err := ir.FileSHA256(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				pe := newError(MissingFile, file, "corpus %s file not found", entry.ID)
				pe.Line = row.Line
				errs = append(errs, pe)
				continue
			}
			errs = append(errs, &ParseError{Kind: MissingFile, Path: file, Line: row.Line, Message: "cannot read corpus", Err: err})
			continue
		}
		if sum != entry.Checksum {
			pe := newError(ChecksumMismatch, file, "corpus %s: recorded %s, computed %s", entry.ID, entry.Checksum, sum)
			pe.Line = row.Line
			errs = append(errs, pe)
			continue
		}
		if want := row.Cells["bytes"]; want != "" && want != strconv.FormatInt(size, 10) {
			pe := newError(ChecksumMismatch, file, "corpus %s: recorded %s bytes, found %d", entry.ID, want, size)
			pe.Line = row.Line
			errs = append(errs, pe)
			continue
		}
		out = append(out, entry)
	}
	return out, errs
}

// ParseCiphertexts reads the ciphertext registry CSV. Each row's length
// and checksum must match its letters.
func ParseCiphertexts(path string) ([]ir.Ciphertext, []error) {
	_, rows, errs := readCSV(path)

	var out []ir.Ciphertext
	for _, row := range rows {
		rec, err := schema.ValidateStrings(schema.KindCiphertextEntry, "", row.Cells)
		if err != nil {
			errs = append(errs, &ParseError{Kind: SchemaViolation, Path: path, Line: row.Line, Message: "ciphertext entry", Err: err})
			continue
		}
		letters := ir.NormalizeLetters(rec.String("letters"))
		length, _ := strconv.Atoi(rec.Number("length"))
		c := ir.Ciphertext{
			ID:       rec.String("ctx_id"),
			Section:  rec.String("section"),
			Letters:  letters,
			Length:   length,
			Checksum: strings.ToLower(rec.String("checksum")),
		}
		if c.Length != len(letters) {
			pe := newError(ChecksumMismatch, path, "%s: recorded length %d, letters have %d", c.ID, c.Length, len(letters))
			pe.Line = row.Line
			errs = append(errs, pe)
			continue
		}
		if sum := ir.BytesSHA256([]byte(letters)); sum != c.Checksum {
			pe := newError(ChecksumMismatch, path, "%s: recorded %s, computed %s", c.ID, c.Checksum, sum)
			pe.Line = row.Line
			errs = append(errs, pe)
			continue
		}
		out = append(out, c)
	}
	return out, errs
}

func normalizeCorpusType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unigram":
		return string(ir.CorpusUnigram)
	case "quadgram":
		return string(ir.CorpusQuadgram)
	case "wordlist", "lexicon":
		return string(ir.CorpusWordlist)
	case "other":
		return string(ir.CorpusOther)
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeJSONFile decodes a JSON document preserving number literals.
func decodeJSONFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(MissingFile, path, "file not found")
		}
		return nil, &ParseError{Kind: MissingFile, Path: path, Message: "cannot read file", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Kind: InvalidJSON, Path: path, Message: "invalid JSON", Err: err}
	}
	if dec.More() {
		return nil, newError(InvalidJSON, path, "trailing data after JSON document")
	}
	return doc, nil
}
