package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// AsCompleted yields each future once it resolves, in completion order.
// The channel is closed after every future has been yielded or ctx ends.
func AsCompleted(ctx context.Context, futures []*Future) <-chan *Future {
	out := make(chan *Future, len(futures))
	var wg sync.WaitGroup
	for _, f := range futures {
		wg.Add(1)
		go func(f *Future) {
			defer wg.Done()
			select {
			case <-f.Done():
				out <- f
			case <-ctx.Done():
			}
		}(f)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Aggregator turns resolved futures into the run's outcome map.
type Aggregator struct {
	Log zerolog.Logger
	// Timeout bounds the whole drain. Zero waits indefinitely.
	Timeout time.Duration
	// OnOutcome is called for each recorded outcome, in record order.
	OnOutcome func(api.Outcome)
}

// Drain waits for futures and reports one outcome per distinct batch.
// Batches still pending when the timeout or ctx expires are failed with
// reason "timeout" or "canceled".
func (a *Aggregator) Drain(ctx context.Context, futures []*Future) api.RunResult {
	result := api.NewRunResult()
	if len(futures) == 0 {
		return result
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var expired <-chan time.Time
	if a.Timeout > 0 {
		timer := time.NewTimer(a.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	byBatch := make(map[int]*Future, len(futures))
	for _, f := range futures {
		byBatch[f.BatchNumber()] = f
	}

	completed := AsCompleted(waitCtx, futures)
	for {
		select {
		case f, ok := <-completed:
			if !ok {
				a.abandon(&result, byBatch, api.ReasonCanceled)
				return result
			}
			a.record(&result, a.inspect(f))
			delete(byBatch, f.BatchNumber())
			if len(byBatch) == 0 {
				return result
			}
		case <-expired:
			cancel()
			a.Log.Error().Dur("timeout", a.Timeout).Int("pending", len(byBatch)).Msg("run timed out waiting for batches")
			a.abandon(&result, byBatch, api.ReasonTimeout)
			return result
		case <-ctx.Done():
			a.abandon(&result, byBatch, api.ReasonCanceled)
			return result
		}
	}
}

// inspect reads a resolved future. A result that cannot be read fails its
// batch instead of the run.
func (a *Aggregator) inspect(f *Future) (o api.Outcome) {
	spec := f.Spec()
	o = api.Outcome{BatchNumber: spec.BatchNumber, Status: api.BatchFailed, ExitCode: -1, LogPath: spec.LogPath}
	defer func() {
		if r := recover(); r != nil {
			o.Status = api.BatchFailed
			o.Reason = fmt.Sprintf("reading batch result: %v", r)
		}
	}()

	res, ok := f.Result()
	if !ok {
		o.Reason = "result not available"
		return o
	}
	o.ExitCode = res.ExitCode
	o.Duration = res.Duration
	if err := res.Check(); err != nil {
		o.Reason = failureReason(spec.LogPath, err)
		return o
	}
	o.Status = api.BatchSucceeded
	return o
}

func (a *Aggregator) record(result *api.RunResult, o api.Outcome) {
	if !result.Record(o) {
		a.Log.Warn().Int("batch", o.BatchNumber).Msg("duplicate outcome ignored")
		return
	}
	if o.Succeeded() {
		a.Log.Info().Int("batch", o.BatchNumber).Dur("duration", o.Duration).
			Msgf("The run for batch # %d completed successfully.", o.BatchNumber)
	} else {
		a.Log.Error().Int("batch", o.BatchNumber).Int("exit_code", o.ExitCode).Str("reason", o.Reason).
			Msgf("The run for batch # %d failed. Please check the log file '%s' for more details.", o.BatchNumber, o.LogPath)
	}
	if a.OnOutcome != nil {
		a.OnOutcome(o)
	}
}

// abandon fails every unresolved future with reason. Futures that resolved
// but were never forwarded keep their real outcome.
func (a *Aggregator) abandon(result *api.RunResult, pending map[int]*Future, reason string) {
	batches := make([]int, 0, len(pending))
	for n := range pending {
		batches = append(batches, n)
	}
	sort.Ints(batches)
	for _, n := range batches {
		f := pending[n]
		if _, ok := f.Result(); ok {
			a.record(result, a.inspect(f))
			continue
		}
		a.record(result, api.Outcome{
			BatchNumber: n,
			Status:      api.BatchFailed,
			Reason:      reason,
			ExitCode:    -1,
			LogPath:     f.Spec().LogPath,
		})
	}
}
