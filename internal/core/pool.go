package core

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/dgdbatch/internal/telemetry"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// MaxPoolSize bounds the number of worker slots.
const MaxPoolSize = 1024

// ShutdownMode selects how Shutdown treats outstanding batches.
type ShutdownMode int

const (
	// ShutdownDrain lets queued and running batches finish.
	ShutdownDrain ShutdownMode = iota
	// ShutdownCancel stops running workers and fails queued batches.
	ShutdownCancel
)

func (m ShutdownMode) String() string {
	if m == ShutdownCancel {
		return "cancel"
	}
	return "drain"
}

// PoolConfig configures StartPool.
type PoolConfig struct {
	// Size is the number of slots; zero means 1.
	Size   int
	Runner ProcessRunner
	// Executable is resolved on PATH at start when set.
	Executable string
	Env        []string
	Log        zerolog.Logger
	// WorkerLevel is the minimum level of slot loggers.
	WorkerLevel zerolog.Level
	Monitor     *telemetry.RunMonitor
}

// Pool runs submitted batches in a fixed number of slots, one OS process
// per slot at a time. Slot state is only touched by the pool itself.
type Pool struct {
	cfg     PoolConfig
	slots   chan int
	loggers []zerolog.Logger
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// validatePoolSize returns the effective slot count. Zero means one slot.
func validatePoolSize(size int) (int, error) {
	if size == 0 {
		return 1, nil
	}
	if size < 1 || size > MaxPoolSize {
		return 0, fmt.Errorf("%w: %d (must be between 1 and %d)", ErrPoolSize, size, MaxPoolSize)
	}
	return size, nil
}

// StartPool creates the slots. Failing to do so is fatal for a run.
func StartPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	size, err := validatePoolSize(cfg.Size)
	if err != nil {
		return nil, err
	}
	cfg.Size = size
	if cfg.Executable != "" {
		if _, err := exec.LookPath(cfg.Executable); err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}

	p := &Pool{
		cfg:     cfg,
		slots:   make(chan int, cfg.Size),
		loggers: make([]zerolog.Logger, cfg.Size),
		log:     cfg.Log.With().Str("component", "pool").Logger(),
	}
	p.ctx, p.cancel = context.WithCancelCause(ctx)
	for i := range cfg.Size {
		p.loggers[i] = workerLogger(cfg.Log, cfg.WorkerLevel, i)
		p.slots <- i
	}

	p.log.Debug().Int("slots", cfg.Size).Msg("worker pool started")
	return p, nil
}

func (p *Pool) Size() int { return p.cfg.Size }

// Accepting reports whether Submit will take new work.
func (p *Pool) Accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Submit queues spec and returns immediately with its future.
func (p *Pool) Submit(spec api.JobSpec) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	f := newFuture(spec)
	p.wg.Add(1)
	p.cfg.Monitor.BatchQueued(spec.BatchNumber)
	go p.run(f)
	return f, nil
}

func (p *Pool) run(f *Future) {
	defer p.wg.Done()
	batch := f.BatchNumber()

	var slot int
	select {
	case slot = <-p.slots:
	case <-p.ctx.Done():
		p.abort(f)
		return
	}
	if p.ctx.Err() != nil {
		p.slots <- slot
		p.abort(f)
		return
	}

	logger := p.loggers[slot].With().Int("batch", batch).Logger()
	p.cfg.Monitor.BatchStarted(batch, slot)
	res := p.execute(logger.WithContext(p.ctx), f.Spec())
	res.Slot = slot
	p.slots <- slot

	if err := res.Check(); err != nil && res.Stderr != "" {
		logger.Warn().Str("stderr", res.Stderr).Msg("worker reported errors")
	}
	p.cfg.Monitor.BatchFinished(batch, slot, res.Duration)
	f.resolve(res)
}

// execute shields the slot from a runner that panics.
func (p *Pool) execute(ctx context.Context, spec api.JobSpec) (res ProcessResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ProcessResult{Args: spec.CommandLine(), ExitCode: -1, Err: fmt.Errorf("worker slot crashed: %v", r)}
		}
	}()
	return p.cfg.Runner.Run(ctx, spec, p.cfg.Env)
}

func (p *Pool) abort(f *Future) {
	spec := f.Spec()
	f.resolve(ProcessResult{
		Args:      spec.CommandLine(),
		ExitCode:  -1,
		Slot:      -1,
		StartedAt: time.Now(),
		Err:       fmt.Errorf("%w before start: %w", ErrCanceled, context.Cause(p.ctx)),
	})
	p.cfg.Monitor.BatchFinished(spec.BatchNumber, -1, 0)
}

// Shutdown stops accepting work and returns once every submitted batch has
// resolved. It is safe to call more than once; defer it right after StartPool.
func (p *Pool) Shutdown(mode ShutdownMode) error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	if mode == ShutdownCancel {
		p.cancel(ErrPoolClosed)
	}
	p.wg.Wait()
	p.cancel(ErrPoolClosed)

	if !already {
		p.log.Debug().Stringer("mode", mode).Msg("worker pool stopped")
	}
	return nil
}
