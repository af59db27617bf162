// Package manifest loads the samples' batches table that drives a run.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Column names recognised in tabular manifests.
const (
	ColProject  = "recount3_project_name"
	ColCategory = "recount3_samples_category"
	ColQuery    = "query_string"
	ColKeep     = "metadata_to_keep"
	ColDrop     = "metadata_to_drop"
)

// Row is one batch of samples. Empty optional fields mean "not provided".
type Row struct {
	ProjectID      string `yaml:"-"`
	SampleCategory string `yaml:"-"`
	QueryString    string `yaml:"query_string"`
	ColumnsToKeep  string `yaml:"metadata_to_keep"`
	ColumnsToDrop  string `yaml:"metadata_to_drop"`
}

// ParseError points at the offending location of a manifest.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// Load reads the manifest at path. The format is chosen by file extension.
func Load(path string) ([]Row, error) {
	if path == "" {
		return nil, fmt.Errorf("no samples' batches file given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return parseDelimited(path, data, ',')
	case ".tsv":
		return parseDelimited(path, data, '\t')
	case ".yaml", ".yml":
		return parseYAML(path, data)
	default:
		return nil, &ParseError{Path: path, Msg: fmt.Sprintf("unsupported manifest format %q (want .csv, .tsv, .yaml or .yml)", ext)}
	}
}

func (r Row) validate(path string, line int) error {
	if r.ProjectID == "" {
		return &ParseError{Path: path, Line: line, Msg: "missing " + ColProject}
	}
	if r.SampleCategory == "" {
		return &ParseError{Path: path, Line: line, Msg: "missing " + ColCategory}
	}
	return nil
}
