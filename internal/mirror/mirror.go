package mirror

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/roach88/psb/internal/ir"
)

// FileName returns the mirror file name of a table.
func FileName(t ir.TableName) string {
	return string(t) + ".csv"
}

// Encode writes the rows of one table as CSV with a schema header.
func Encode(w io.Writer, t ir.TableName, rows []ir.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ir.Schema(t).Header()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write replaces the four table files under dir and returns their paths in
// table order.
func Write(dir string, tables *ir.Tables) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mirror: create %s: %w", dir, err)
	}

	staged := make([]*pending, 0, len(ir.TableOrder))
	cleanup := func() {
		for _, p := range staged {
			p.discard()
		}
	}
	for _, t := range ir.TableOrder {
		p, err := stage(dir, FileName(t), func(w io.Writer) error {
			return Encode(w, t, tables.Rows(t))
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("mirror: write %s: %w", FileName(t), err)
		}
		staged = append(staged, p)
	}

	paths := make([]string, 0, len(staged))
	for i, p := range staged {
		if err := p.commit(); err != nil {
			for _, rest := range staged[i:] {
				rest.discard()
			}
			return paths, fmt.Errorf("mirror: replace %s: %w", p.target, err)
		}
		paths = append(paths, p.target)
	}
	return paths, nil
}

// Read loads a mirror written by Write. A missing file reads as an empty
// table. Origins are not part of the mirror and come back empty.
func Read(dir string) (*ir.Tables, error) {
	tables := &ir.Tables{}
	for _, t := range ir.TableOrder {
		rows, err := readTable(filepath.Join(dir, FileName(t)), t)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			tables.Append(r)
		}
	}
	return tables, nil
}

func readTable(path string, t ir.TableName) ([]ir.Row, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: %s: %w", path, err)
	}
	schema := ir.Schema(t)
	for _, name := range header {
		if _, ok := schema.Column(name); !ok {
			return nil, fmt.Errorf("mirror: %s: unknown column %q", path, name)
		}
	}

	var rows []ir.Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mirror: %s: %w", path, err)
		}
		values := make(map[string]string, len(header))
		for i, name := range header {
			values[name] = rec[i]
		}
		rows = append(rows, rowFromValues(t, values))
	}
	return rows, nil
}

// rowFromValues rebuilds the identity of a row from its column values.
func rowFromValues(t ir.TableName, values map[string]string) ir.Row {
	r := ir.Row{Table: t, Values: values}
	switch t {
	case ir.TableRuns:
		r.RunID = values["RUN ID"]
		r.Key = r.RunID
	case ir.TableArtifacts:
		r.RunID = values["RUN"]
		r.Key = ir.ArtifactKey(r.RunID, values["Path/URL"])
	default:
		r.RunID = values["RUN"]
		r.Key = r.RunID
	}
	return r
}
