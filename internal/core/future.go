package core

import (
	"context"
	"slices"
	"sync"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// Future is the handle to a submitted batch. It resolves exactly once,
// when the worker slot is done with it.
type Future struct {
	spec   api.JobSpec
	done   chan struct{}
	once   sync.Once
	result ProcessResult
}

func newFuture(spec api.JobSpec) *Future {
	spec.Args = slices.Clone(spec.Args)
	return &Future{spec: spec, done: make(chan struct{})}
}

// Spec returns the invocation this future tracks.
func (f *Future) Spec() api.JobSpec { return f.spec }

func (f *Future) BatchNumber() int { return f.spec.BatchNumber }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result without blocking; ok is false while pending.
func (f *Future) Result() (res ProcessResult, ok bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return ProcessResult{}, false
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (ProcessResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return ProcessResult{}, ctx.Err()
	}
}

func (f *Future) resolve(res ProcessResult) bool {
	resolved := false
	f.once.Do(func() {
		f.result = res
		resolved = true
		close(f.done)
	})
	return resolved
}
