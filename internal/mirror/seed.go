package mirror

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/ir"
)

// MethodsSeedFile is the file name of the methods import seed.
const MethodsSeedFile = "methods_seed.csv"

// methodsSeedBase are the fixed columns of the methods seed. Extension
// fields under "x" follow as X.<key> columns in key order.
var methodsSeedBase = []string{"Name", "Description", "Parameters Schema", "Version", "Status", "Notes"}

// EncodeMethodsSeed writes one row per method, sorted by name. The column
// set is the union of every method's extension keys, so the file stays
// rectangular when methods disagree on extras.
func EncodeMethodsSeed(w io.Writer, methods []ir.Method) error {
	sorted := append([]ir.Method(nil), methods...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	extraKeys := map[string]bool{}
	for _, m := range sorted {
		for k := range m.Extras {
			extraKeys[k] = true
		}
	}
	extras := ir.SortedKeys(extraKeys)

	header := append([]string(nil), methodsSeedBase...)
	for _, k := range extras {
		header = append(header, "X."+k)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range sorted {
		params, err := ir.MarshalCanonical(m.Parameters)
		if err != nil {
			return fmt.Errorf("method %s: parameters: %w", m.Name, err)
		}
		rec := []string{m.Name, m.Description, string(params), m.Version, string(m.Status), m.Notes}
		for _, k := range extras {
			cell, err := seedScalar(m.Extras[k])
			if err != nil {
				return fmt.Errorf("method %s: x.%s: %w", m.Name, k, err)
			}
			rec = append(rec, cell)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMethodsSeed atomically replaces path with the methods seed.
func WriteMethodsSeed(path string, methods []ir.Method) error {
	if err := WriteFile(path, func(w io.Writer) error { return EncodeMethodsSeed(w, methods) }); err != nil {
		return fmt.Errorf("mirror: write %s: %w", path, err)
	}
	return nil
}

// seedScalar flattens an extension value into one cell: lists join with
// commas, objects become canonical JSON, missing values stay empty.
func seedScalar(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			s, err := seedScalar(item)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		b, err := ir.MarshalCanonical(val)
		return string(b), err
	default:
		return fmt.Sprint(val), nil
	}
}

// corporaRegistryHeader uses the column spelling ParseCorporaRegistry
// prefers, plus the byte count it checks when present.
var corporaRegistryHeader = []string{"id", "type", "path", "bytes", "checksum", "source", "license"}

// EncodeCorporaRegistry writes a corpora registry in the order given.
func EncodeCorporaRegistry(w io.Writer, files []bundle.CorpusFile) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(corporaRegistryHeader); err != nil {
		return err
	}
	for _, f := range files {
		rec := []string{f.ID, string(f.Type), f.Path, strconv.FormatInt(f.Bytes, 10), f.Checksum, f.Source, f.License}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
