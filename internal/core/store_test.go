package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStoreRequiresPath(t *testing.T) {
	_, err := NewStore(context.Background(), "")
	assert.Error(t, err)
}

func TestStoreRecordsRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Ping(ctx))

	specs := threeBatches("worker", "/wd")
	result := api.NewRunResult()
	result.Record(api.Outcome{BatchNumber: 3, Status: api.BatchSucceeded, LogPath: specs[2].LogPath, Duration: 1500 * time.Millisecond})
	result.Record(api.Outcome{BatchNumber: 1, Status: api.BatchFailed, Reason: "timeout", ExitCode: -1, LogPath: specs[0].LogPath})
	result.Record(api.Outcome{BatchNumber: 2, Status: api.BatchSucceeded, LogPath: specs[1].LogPath})

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	older := RunRecord{ID: "run-old", StartedAt: started.Add(-time.Hour), FinishedAt: started.Add(-time.Hour), PoolSize: 1, Status: api.RunSucceeded}
	require.NoError(t, s.RecordRun(ctx, older, nil, api.NewRunResult()))
	rec := RunRecord{ID: "run-new", StartedAt: started, FinishedAt: started.Add(time.Minute), PoolSize: 2, Manifest: "batches.csv", WorkDir: "/wd", Status: api.RunFailed}
	require.NoError(t, s.RecordRun(ctx, rec, specs, result))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].ID)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, "batches.csv", runs[0].Manifest)
	assert.True(t, started.Equal(runs[0].StartedAt))

	limited, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	batches, err := s.RunBatches(ctx, "run-new")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, 1, batches[0].BatchNumber)
	assert.Equal(t, api.BatchFailed, batches[0].Status)
	assert.Equal(t, "timeout", batches[0].Reason)
	assert.Equal(t, 2, batches[0].Completed)
	assert.Equal(t, 1, batches[2].Completed)
	assert.Equal(t, 1500*time.Millisecond, batches[2].Duration)
	assert.Contains(t, batches[2].Command, "-ip SRP2")
}

func TestStoreRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := RunRecord{ID: "same", StartedAt: time.Now(), FinishedAt: time.Now(), PoolSize: 1, Status: api.RunSucceeded}
	require.NoError(t, s.RecordRun(ctx, rec, nil, api.NewRunResult()))
	assert.Error(t, s.RecordRun(ctx, rec, nil, api.NewRunResult()))
}
