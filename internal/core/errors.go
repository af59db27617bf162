package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrPoolSize reports a pool size outside 1..MaxPoolSize.
	ErrPoolSize = errors.New("invalid worker pool size")
	// ErrCanceled marks batches stopped by pool cancellation.
	ErrCanceled = errors.New("batch canceled")
	// ErrTimeout is the cancellation cause once the run timeout expires.
	ErrTimeout = errors.New("run timed out")
	// ErrBatchesFailed is returned by the CLI when at least one batch failed.
	ErrBatchesFailed = errors.New("one or more batches failed")
)

// ExitError reports a worker that terminated with a non-zero status.
type ExitError struct {
	Args []string
	Code int
}

func (e *ExitError) Error() string {
	name := "worker"
	if len(e.Args) > 0 {
		name = e.Args[0]
	}
	if e.Code < 0 {
		return fmt.Sprintf("%s was terminated by a signal", name)
	}
	return fmt.Sprintf("%s exited with status %d", name, e.Code)
}

func failureReason(logPath string, err error) string {
	msg := strings.TrimSpace(err.Error())
	if logPath == "" {
		return msg
	}
	return fmt.Sprintf("%s; check the log file '%s' for more details", msg, logPath)
}
