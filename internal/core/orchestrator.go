package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/dgdbatch/internal/telemetry"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// RunOptions are the run-wide settings that do not shape worker arguments.
type RunOptions struct {
	// Executable is checked on PATH before any slot is created.
	Executable string
	// Timeout bounds the wait for all batches. Zero disables it.
	Timeout     time.Duration
	Grace       time.Duration
	Env         []string
	WorkerLevel zerolog.Level
	// Manifest and WorkDir are recorded in run history only.
	Manifest string
	WorkDir  string
}

// HistoryRecorder persists a finished run. It is never read back to resume.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord, specs []api.JobSpec, result api.RunResult) error
}

// Publisher ships the files of succeeded batches somewhere after the run.
type Publisher interface {
	Publish(ctx context.Context, specs []api.JobSpec, result api.RunResult) error
}

// Orchestrator runs one manifest's batches through a worker pool.
type Orchestrator struct {
	opts      RunOptions
	log       zerolog.Logger
	runner    ProcessRunner
	monitor   *telemetry.RunMonitor
	history   HistoryRecorder
	publisher Publisher
}

type Option func(*Orchestrator)

// WithRunner replaces the OS process runner.
func WithRunner(r ProcessRunner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

func WithMonitor(m *telemetry.RunMonitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

func WithHistory(h HistoryRecorder) Option {
	return func(o *Orchestrator) { o.history = h }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func NewOrchestrator(opts RunOptions, logger zerolog.Logger, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opts:   opts,
		log:    logger.With().Str("component", "orchestrator").Logger(),
		runner: ExecRunner{Grace: opts.Grace},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Run executes specs on poolSize slots and blocks until every batch has an
// outcome. A failed batch is reported in the result, not as an error; the
// error is reserved for failures that stop the run as a whole.
func (o *Orchestrator) Run(ctx context.Context, specs []api.JobSpec, poolSize int) (api.RunResult, error) {
	runID := uuid.NewString()
	logger := o.log.With().Str("run", runID).Logger()
	started := time.Now()

	if _, err := validatePoolSize(poolSize); err != nil {
		return api.RunResult{}, fmt.Errorf("start worker pool: %w", err)
	}
	if len(specs) == 0 {
		logger.Info().Msg("no batches to run")
		return api.NewRunResult(), nil
	}
	for _, spec := range specs {
		logger.Info().
			Int("batch", spec.BatchNumber).
			Str("project", spec.Project).
			Str("category", spec.Category).
			Msgf("Batch # %d will write its output to '%s' and its log to '%s'.", spec.BatchNumber, spec.OutputPath, spec.LogPath)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pool, err := StartPool(runCtx, PoolConfig{
		Size:        poolSize,
		Runner:      o.runner,
		Executable:  o.opts.Executable,
		Env:         o.opts.Env,
		Log:         logger,
		WorkerLevel: o.opts.WorkerLevel,
		Monitor:     o.monitor,
	})
	if err != nil {
		return api.RunResult{}, fmt.Errorf("start worker pool: %w", err)
	}
	defer pool.Shutdown(ShutdownCancel)

	o.monitor.Begin(runID, len(specs))
	futures, err := NewDispatcher(pool, logger).DispatchAll(specs)
	if err != nil {
		return api.RunResult{}, fmt.Errorf("dispatch batches: %w", err)
	}

	agg := &Aggregator{Log: logger, Timeout: o.opts.Timeout, OnOutcome: o.monitor.RecordOutcome}
	result := agg.Drain(runCtx, futures)

	mode := ShutdownDrain
	if !allResolved(futures) {
		mode = ShutdownCancel
		if ctx.Err() == nil {
			cancel(ErrTimeout)
		}
	}
	_ = pool.Shutdown(mode)

	elapsed := time.Since(started)
	o.monitor.Finish(result, elapsed)
	logger.Info().
		Int("batches", result.Len()).
		Int("succeeded", len(result.Succeeded())).
		Int("failed", len(result.Failed())).
		Dur("elapsed", elapsed).
		Msg("run finished")

	// Bookkeeping outlives an interrupted run.
	bookCtx := context.WithoutCancel(ctx)
	if o.history != nil {
		rec := RunRecord{
			ID:         runID,
			StartedAt:  started,
			FinishedAt: started.Add(elapsed),
			PoolSize:   pool.Size(),
			Manifest:   o.opts.Manifest,
			WorkDir:    o.opts.WorkDir,
			Status:     runStatus(result),
		}
		if err := o.history.RecordRun(bookCtx, rec, specs, result); err != nil {
			logger.Warn().Err(err).Msg("failed to record run history")
		}
	}
	if o.publisher != nil && len(result.Succeeded()) > 0 {
		if err := o.publisher.Publish(bookCtx, specs, result); err != nil {
			logger.Warn().Err(err).Msg("failed to publish batch results")
		}
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run interrupted: %w", context.Cause(ctx))
	}
	return result, nil
}

func allResolved(futures []*Future) bool {
	for _, f := range futures {
		if _, ok := f.Result(); !ok {
			return false
		}
	}
	return true
}

func runStatus(result api.RunResult) api.RunStatus {
	if result.OK() {
		return api.RunSucceeded
	}
	return api.RunFailed
}
