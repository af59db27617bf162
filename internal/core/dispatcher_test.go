package core

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

type recordingSubmitter struct {
	closed    bool
	submitted []api.JobSpec
}

func (s *recordingSubmitter) Submit(spec api.JobSpec) (*Future, error) {
	if s.closed {
		return nil, ErrPoolClosed
	}
	s.submitted = append(s.submitted, spec)
	return newFuture(spec), nil
}

func (s *recordingSubmitter) Accepting() bool { return !s.closed }

func TestDispatchAllPreservesOrder(t *testing.T) {
	sub := &recordingSubmitter{}
	specs := []api.JobSpec{testSpec(1), testSpec(2), testSpec(3)}

	futures, err := NewDispatcher(sub, zerolog.Nop()).DispatchAll(specs)
	require.NoError(t, err)
	require.Len(t, futures, 3)
	for i, f := range futures {
		assert.Equal(t, specs[i].BatchNumber, f.BatchNumber())
	}
	assert.Equal(t, specs, sub.submitted)
}

func TestDispatchAllRejectsBadSetsBeforeSubmitting(t *testing.T) {
	noProgram := testSpec(2)
	noProgram.Program = ""

	tests := []struct {
		name  string
		specs []api.JobSpec
		want  string
	}{
		{"empty program", []api.JobSpec{testSpec(1), noProgram}, "empty program"},
		{"zero batch", []api.JobSpec{testSpec(0)}, "invalid batch number 0"},
		{"duplicate batch", []api.JobSpec{testSpec(1), testSpec(2), testSpec(1)}, "duplicate batch number 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{}
			futures, err := NewDispatcher(sub, zerolog.Nop()).DispatchAll(tt.specs)
			assert.ErrorContains(t, err, tt.want)
			assert.Nil(t, futures)
			assert.Empty(t, sub.submitted)
		})
	}
}

func TestDispatchAllClosedPool(t *testing.T) {
	sub := &recordingSubmitter{closed: true}
	_, err := NewDispatcher(sub, zerolog.Nop()).DispatchAll([]api.JobSpec{testSpec(1)})
	assert.ErrorIs(t, err, ErrPoolClosed)

	futures, err := NewDispatcher(sub, zerolog.Nop()).DispatchAll(nil)
	assert.NoError(t, err)
	assert.Empty(t, futures)
}
