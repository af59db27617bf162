package core

import (
	"fmt"
	"path/filepath"

	"github.com/3cpo-dev/dgdbatch/internal/manifest"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// DefaultExecutable is the single-batch worker program.
const DefaultExecutable = "_dgd_get_recount3_data_single_batch"

// RunConfig holds the run-wide settings that shape every batch invocation.
type RunConfig struct {
	Executable   string
	WorkDir      string
	SaveGeneSums bool
	SaveMetadata bool
	LogConsole   bool
	Verbose      bool
	Debug        bool
}

// BatchFileName is the name shared by a batch's output and log files.
func BatchFileName(project, category string, batchNumber int, ext string) string {
	return fmt.Sprintf("%s_%s_%d.%s", project, category, batchNumber, ext)
}

// Build turns one manifest row into the worker invocation for batchNumber.
// The worker parses these flags by name, and the log path must stay at
// the position it has always had, so the order below is fixed.
func Build(row manifest.Row, batchNumber int, cfg RunConfig) api.JobSpec {
	program := cfg.Executable
	if program == "" {
		program = DefaultExecutable
	}
	output := filepath.Join(cfg.WorkDir, BatchFileName(row.ProjectID, row.SampleCategory, batchNumber, "csv"))
	logPath := filepath.Join(cfg.WorkDir, BatchFileName(row.ProjectID, row.SampleCategory, batchNumber, "log"))

	args := []string{
		"-ip", row.ProjectID,
		"-is", row.SampleCategory,
		"-o", output,
		"-d", cfg.WorkDir,
		"-lf", logPath,
	}
	args = appendOption(args, "-qs", row.QueryString)
	args = appendOption(args, "-mk", row.ColumnsToKeep)
	args = appendOption(args, "-md", row.ColumnsToDrop)
	args = appendFlag(args, "-sg", cfg.SaveGeneSums)
	args = appendFlag(args, "-sm", cfg.SaveMetadata)
	args = appendFlag(args, "-lc", cfg.LogConsole)
	args = appendFlag(args, "-v", cfg.Verbose)
	args = appendFlag(args, "-vv", cfg.Debug)

	return api.JobSpec{
		BatchNumber: batchNumber,
		Program:     program,
		Args:        args,
		Project:     row.ProjectID,
		Category:    row.SampleCategory,
		OutputPath:  output,
		LogPath:     logPath,
	}
}

// BuildAll numbers rows from 1 in manifest order.
func BuildAll(rows []manifest.Row, cfg RunConfig) []api.JobSpec {
	specs := make([]api.JobSpec, 0, len(rows))
	for i, row := range rows {
		specs = append(specs, Build(row, i+1, cfg))
	}
	return specs
}

func appendOption(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	return append(args, flag, value)
}

func appendFlag(args []string, flag string, on bool) []string {
	if !on {
		return args
	}
	return append(args, flag)
}
