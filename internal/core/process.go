package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

const (
	// maxStderrBytes caps the amount of stderr kept from a worker.
	maxStderrBytes = 64 * 1024

	// DefaultGrace is the wait between SIGTERM and SIGKILL.
	DefaultGrace = 5 * time.Second
)

// ProcessResult is what a worker slot hands back for one invocation.
type ProcessResult struct {
	Args      []string      `json:"args"`
	ExitCode  int           `json:"exit_code"`
	Stderr    string        `json:"stderr,omitempty"`
	Slot      int           `json:"slot"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// Err is set when the process could not be started, waited for or
	// was canceled. A non-zero exit alone leaves it nil.
	Err error `json:"-"`
}

// Check returns nil only for a process that ran and exited with status 0.
func (r ProcessResult) Check() error {
	if r.Err != nil {
		return r.Err
	}
	if r.ExitCode != 0 {
		return &ExitError{Args: r.Args, Code: r.ExitCode}
	}
	return nil
}

// ProcessRunner executes one invocation to completion. The slot logger is
// available through zerolog.Ctx(ctx). Cancellation of ctx must stop the process.
type ProcessRunner interface {
	Run(ctx context.Context, spec api.JobSpec, env []string) ProcessResult
}

// RunnerFunc adapts a function to ProcessRunner.
type RunnerFunc func(ctx context.Context, spec api.JobSpec, env []string) ProcessResult

func (f RunnerFunc) Run(ctx context.Context, spec api.JobSpec, env []string) ProcessResult {
	return f(ctx, spec, env)
}

// ExecRunner runs the worker as a child OS process.
type ExecRunner struct {
	// Grace is the time allowed after SIGTERM before SIGKILL.
	Grace time.Duration
	// Stdout receives the worker's standard output. Nil discards it.
	Stdout io.Writer
}

func (r ExecRunner) Run(ctx context.Context, spec api.JobSpec, env []string) ProcessResult {
	logger := zerolog.Ctx(ctx)
	start := time.Now()
	res := ProcessResult{Args: spec.CommandLine(), ExitCode: -1, StartedAt: start}

	// Termination is managed below so the worker gets a chance to flush its log.
	cmd := exec.Command(spec.Program, spec.Args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = r.Stdout
	cmd.Stderr = stderr
	// Grandchildren holding stderr open must not keep the slot busy.
	cmd.WaitDelay = time.Second

	logger.Debug().Strs("args", res.Args).Msg("spawning worker")
	if err := cmd.Start(); err != nil {
		res.Err = fmt.Errorf("start %s: %w", spec.Program, err)
		res.Duration = time.Since(start)
		return res
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		logger.Warn().Msg("worker canceled, sending SIGTERM")
		if sigErr := cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			logger.Debug().Err(sigErr).Msg("SIGTERM not delivered")
		}
		grace := time.NewTimer(r.grace())
		defer grace.Stop()
		select {
		case err = <-waitErr:
		case <-grace.C:
			logger.Warn().Msg("worker did not exit after SIGTERM, sending SIGKILL")
			if killErr := cmd.Process.Kill(); killErr != nil {
				logger.Error().Err(killErr).Msg("failed to send SIGKILL")
			}
			err = <-waitErr
		}
		res.Err = fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	res.Duration = time.Since(start)
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		logger.Warn().Msg("worker exited but its output was still held open")
		err = nil
	}
	var exitErr *exec.ExitError
	if res.Err == nil && err != nil && !errors.As(err, &exitErr) {
		res.Err = fmt.Errorf("wait for %s: %w", spec.Program, err)
	}
	return res
}

func (r ExecRunner) grace() time.Duration {
	if r.Grace > 0 {
		return r.Grace
	}
	return DefaultGrace
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
