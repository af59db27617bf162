package manifest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

func parseDelimited(path string, data []byte, sep rune) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sep
	r.Comment = '#'
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Path: path, Msg: "empty manifest"}
	}
	if err != nil {
		return nil, &ParseError{Path: path, Msg: err.Error()}
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{ColProject, ColCategory} {
		if _, ok := cols[required]; !ok {
			return nil, &ParseError{Path: path, Line: 1, Msg: fmt.Sprintf("missing required column %q", required)}
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Path: path, Msg: err.Error()}
		}
		line, _ := r.FieldPos(0)
		row := Row{
			ProjectID:      field(rec, ColProject),
			SampleCategory: field(rec, ColCategory),
			QueryString:    field(rec, ColQuery),
			ColumnsToKeep:  field(rec, ColKeep),
			ColumnsToDrop:  field(rec, ColDrop),
		}
		if err := row.validate(path, line); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
