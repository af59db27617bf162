package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/3cpo-dev/dgdbatch/internal/core"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

const manifestCSV = `recount3_project_name,recount3_samples_category,query_string
gtex,adipose_subcutaneous,
gtex,liver,
sra,SRP179061,sra.library_layout == 'paired'
`

// worker fails the batch whose log file ends in _2.log.
const worker = `#!/bin/sh
for a in "$@"; do
  case "$a" in
    *_2.log) echo "no samples for category" >&2; exit 1 ;;
  esac
done
exit 0
`

type fixture struct {
	dir      string
	manifest string
	worker   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts need /bin/sh")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	f := fixture{
		dir:      dir,
		manifest: filepath.Join(dir, "batches.csv"),
		worker:   filepath.Join(dir, "worker.sh"),
	}
	require.NoError(t, os.WriteFile(f.manifest, []byte(manifestCSV), 0o644))
	require.NoError(t, os.WriteFile(f.worker, []byte(worker), 0o755))
	return f
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, api.ExitOK, code)
	assert.True(t, strings.HasPrefix(out, "dgdbatch "+version))
}

func TestRunReportsFailedBatch(t *testing.T) {
	f := newFixture(t)
	work := filepath.Join(f.dir, "out")
	history := filepath.Join(f.dir, "history.db")

	code, out, _ := run(t, "run", "-i", f.manifest, "-d", work, "-n", "2", "--executable", f.worker, "--history", history, "-v")
	assert.Equal(t, api.ExitBatchesFailed, code)
	assert.Contains(t, out, "3 batches: 2 succeeded, 1 failed")
	assert.Contains(t, out, "batch 2 failed")

	logData, err := os.ReadFile(filepath.Join(work, core.DefaultLogFile))
	require.NoError(t, err)
	logText := string(logData)
	assert.Contains(t, logText, "The run for batch # 1 completed successfully.")
	assert.Contains(t, logText, "The run for batch # 3 completed successfully.")
	assert.Contains(t, logText, "The run for batch # 2 failed. Please check the log file '"+filepath.Join(work, "gtex_liver_2.log")+"' for more details.")

	code, out, _ = run(t, "history", "--history", history)
	assert.Equal(t, api.ExitOK, code)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, f.manifest)

	store, err := core.NewStore(context.Background(), history)
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)

	code, out, _ = run(t, "history", "--history", history, "--run", runs[0].ID)
	assert.Equal(t, api.ExitOK, code)
	assert.Contains(t, out, "SRP179061")
	assert.Contains(t, out, "gtex_liver_2.log")
}

func TestRunAllSucceeded(t *testing.T) {
	f := newFixture(t)
	ok := filepath.Join(f.dir, "ok.sh")
	require.NoError(t, os.WriteFile(ok, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	code, out, _ := run(t, "run", "-i", f.manifest, "-d", f.dir, "--executable", ok)
	assert.Equal(t, api.ExitOK, code)
	assert.Contains(t, out, "3 batches: 3 succeeded, 0 failed")
}

func TestRunFatalErrors(t *testing.T) {
	f := newFixture(t)

	code, _, stderr := run(t, "run", "-i", filepath.Join(f.dir, "missing.csv"), "-d", f.dir, "--executable", f.worker)
	assert.Equal(t, api.ExitFatal, code)
	assert.Contains(t, stderr, "missing.csv")

	code, _, stderr = run(t, "run", "-i", f.manifest, "-d", f.dir, "--executable", f.worker, "-n", "-3")
	assert.Equal(t, api.ExitFatal, code)
	assert.Contains(t, stderr, "invalid worker pool size")

	code, _, _ = run(t, "run", "-d", f.dir)
	assert.Equal(t, api.ExitFatal, code)
}

func TestRunRejectsPoolSizeWithoutBatches(t *testing.T) {
	f := newFixture(t)
	headerOnly := filepath.Join(f.dir, "header.csv")
	require.NoError(t, os.WriteFile(headerOnly, []byte("recount3_project_name,recount3_samples_category\n"), 0o644))

	code, _, stderr := run(t, "run", "-i", headerOnly, "-d", f.dir, "--executable", f.worker, "-n", "-5")
	assert.Equal(t, api.ExitFatal, code)
	assert.Contains(t, stderr, "invalid worker pool size")

	code, _, _ = run(t, "run", "-i", headerOnly, "-d", f.dir, "--executable", f.worker, "-n", "2")
	assert.Equal(t, api.ExitOK, code)
}

func TestPlanPrintsCommandLines(t *testing.T) {
	f := newFixture(t)
	code, out, _ := run(t, "plan", "-i", f.manifest, "-d", f.dir, "--save-metadata", "-vv")
	require.Equal(t, api.ExitOK, code)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "1\t"+core.DefaultExecutable+" -ip gtex -is adipose_subcutaneous"))
	assert.Contains(t, lines[2], "-qs sra.library_layout == 'paired'")
	for _, line := range lines {
		assert.True(t, strings.HasSuffix(line, "-sm -v -vv"), line)
	}
}

func TestCompletion(t *testing.T) {
	code, out, _ := run(t, "completion", "bash")
	assert.Equal(t, api.ExitOK, code)
	assert.Contains(t, out, "dgdbatch")

	code, _, _ = run(t, "completion", "tcsh")
	assert.Equal(t, api.ExitFatal, code)
}
