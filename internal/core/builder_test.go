package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dgdbatch/internal/manifest"
)

func TestBuildRequiredArguments(t *testing.T) {
	row := manifest.Row{ProjectID: "SRP107565", SampleCategory: "blood"}
	spec := Build(row, 3, RunConfig{WorkDir: "/data/wd"})

	out := filepath.Join("/data/wd", "SRP107565_blood_3.csv")
	logPath := filepath.Join("/data/wd", "SRP107565_blood_3.log")
	assert.Equal(t, DefaultExecutable, spec.Program)
	assert.Equal(t, []string{
		"-ip", "SRP107565",
		"-is", "blood",
		"-o", out,
		"-d", "/data/wd",
		"-lf", logPath,
	}, spec.Args)
	assert.Equal(t, 3, spec.BatchNumber)
	assert.Equal(t, out, spec.OutputPath)
	assert.Equal(t, logPath, spec.LogPath)
	assert.Equal(t, "SRP107565", spec.Project)
	assert.Equal(t, "blood", spec.Category)
}

func TestBuildOptionalFields(t *testing.T) {
	tests := []struct {
		name    string
		row     manifest.Row
		cfg     RunConfig
		present []string
		absent  []string
	}{
		{
			name:   "nothing optional",
			row:    manifest.Row{ProjectID: "P", SampleCategory: "C"},
			absent: []string{"-qs", "-mk", "-md", "-sg", "-sm", "-lc", "-v", "-vv"},
		},
		{
			name:    "query string only",
			row:     manifest.Row{ProjectID: "P", SampleCategory: "C", QueryString: "age > 30"},
			present: []string{"-qs"},
			absent:  []string{"-mk", "-md"},
		},
		{
			name:    "metadata columns",
			row:     manifest.Row{ProjectID: "P", SampleCategory: "C", ColumnsToKeep: "a|b", ColumnsToDrop: "c"},
			present: []string{"-mk", "-md"},
			absent:  []string{"-qs"},
		},
		{
			name:    "every flag",
			row:     manifest.Row{ProjectID: "P", SampleCategory: "C"},
			cfg:     RunConfig{SaveGeneSums: true, SaveMetadata: true, LogConsole: true, Verbose: true, Debug: true},
			present: []string{"-sg", "-sm", "-lc", "-v", "-vv"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := Build(tt.row, 1, tt.cfg)
			for _, flag := range tt.present {
				assert.Equal(t, 1, count(spec.Args, flag), "flag %s", flag)
			}
			for _, flag := range tt.absent {
				assert.Zero(t, count(spec.Args, flag), "flag %s", flag)
			}
			assert.NotContains(t, spec.Args, "")
		})
	}
}

func TestBuildArgumentOrder(t *testing.T) {
	row := manifest.Row{ProjectID: "P", SampleCategory: "C", QueryString: "q", ColumnsToKeep: "k", ColumnsToDrop: "d"}
	cfg := RunConfig{Executable: "worker", WorkDir: "wd", SaveGeneSums: true, SaveMetadata: true, LogConsole: true, Verbose: true, Debug: true}
	spec := Build(row, 7, cfg)

	assert.Equal(t, "worker", spec.Program)
	want := []string{
		"-ip", "P", "-is", "C",
		"-o", filepath.Join("wd", "P_C_7.csv"),
		"-d", "wd",
		"-lf", filepath.Join("wd", "P_C_7.log"),
		"-qs", "q", "-mk", "k", "-md", "d",
		"-sg", "-sm", "-lc", "-v", "-vv",
	}
	assert.Equal(t, want, spec.Args)
}

func TestBuildIsDeterministic(t *testing.T) {
	row := manifest.Row{ProjectID: "P", SampleCategory: "C", QueryString: "q"}
	cfg := RunConfig{WorkDir: "/w", SaveMetadata: true}
	assert.Equal(t, Build(row, 2, cfg), Build(row, 2, cfg))
}

func TestBuildAllNumbersFromOne(t *testing.T) {
	rows := []manifest.Row{
		{ProjectID: "A", SampleCategory: "x"},
		{ProjectID: "B", SampleCategory: "y"},
		{ProjectID: "A", SampleCategory: "x"},
	}
	specs := BuildAll(rows, RunConfig{WorkDir: "/w"})
	require.Len(t, specs, 3)
	for i, spec := range specs {
		assert.Equal(t, i+1, spec.BatchNumber)
	}
	assert.NotEqual(t, specs[0].OutputPath, specs[2].OutputPath)
	assert.Empty(t, BuildAll(nil, RunConfig{}))
}

func count(args []string, flag string) int {
	n := 0
	for i := range args {
		if args[i] == flag {
			n++
		}
	}
	return n
}
