package bundle

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
)

// csvRow is one data row keyed by header name.
type csvRow struct {
	Line  int
	Cells map[string]string
}

// readCSV reads a headered CSV file. Blank rows are skipped and a UTF-8
// BOM is stripped. Rows whose width differs from the header are reported
// as RaggedRow and left out of the result.
func readCSV(path string) ([]string, []csvRow, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, []error{newError(MissingFile, path, "registry file not found")}
		}
		return nil, nil, []error{&ParseError{Kind: MissingFile, Path: path, Message: "cannot read registry", Err: err}}
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.Comment = '#'

	var (
		header []string
		rows   []csvRow
		errs   []error
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			pe := &ParseError{Kind: RaggedRow, Path: path, Message: "malformed CSV", Err: err}
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				pe.Line = csvErr.StartLine
			}
			errs = append(errs, pe)
			break
		}
		line, _ := r.FieldPos(0)
		if blank(rec) {
			continue
		}
		if header == nil {
			header = make([]string, len(rec))
			for i, h := range rec {
				header[i] = strings.TrimSpace(h)
			}
			continue
		}
		if len(rec) != len(header) {
			pe := newError(RaggedRow, path, "row has %d cells, header has %d", len(rec), len(header))
			pe.Line = line
			errs = append(errs, pe)
			continue
		}
		cells := make(map[string]string, len(header))
		for i, h := range header {
			cells[h] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, csvRow{Line: line, Cells: cells})
	}
	if header == nil && len(errs) == 0 {
		errs = append(errs, newError(RaggedRow, path, "missing header row"))
	}
	return header, rows, errs
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
