package api

import (
	"sort"
	"time"
)

// v0 contains the public types shared between the orchestrator and its callers.

// JobSpec is one fully resolved worker invocation derived from a manifest batch.
type JobSpec struct {
	BatchNumber int      `json:"batch_number" yaml:"batch_number"`
	Program     string   `json:"program" yaml:"program"`
	Args        []string `json:"args" yaml:"args"`
	Project     string   `json:"project" yaml:"project"`
	Category    string   `json:"category" yaml:"category"`
	OutputPath  string   `json:"output_path" yaml:"output_path"`
	LogPath     string   `json:"log_path" yaml:"log_path"`
}

// CommandLine returns the program followed by its arguments.
func (s JobSpec) CommandLine() []string {
	out := make([]string, 0, len(s.Args)+1)
	out = append(out, s.Program)
	return append(out, s.Args...)
}

type BatchStatus string

const (
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
)

// Reasons used for batches that never resolved.
const (
	ReasonTimeout  = "timeout"
	ReasonCanceled = "canceled"
)

// Outcome is the final state of a single batch.
type Outcome struct {
	BatchNumber int           `json:"batch_number"`
	Status      BatchStatus   `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	ExitCode    int           `json:"exit_code"`
	LogPath     string        `json:"log_path"`
	Duration    time.Duration `json:"duration"`
}

func (o Outcome) Succeeded() bool { return o.Status == BatchSucceeded }

// RunResult is the per-batch report of one orchestrator invocation.
// Order lists batch numbers in the order their outcomes were recorded.
type RunResult struct {
	Outcomes map[int]Outcome `json:"outcomes"`
	Order    []int           `json:"order"`
}

func NewRunResult() RunResult {
	return RunResult{Outcomes: map[int]Outcome{}}
}

// Record stores an outcome. It reports false if the batch already has one.
func (r *RunResult) Record(o Outcome) bool {
	if r.Outcomes == nil {
		r.Outcomes = map[int]Outcome{}
	}
	if _, seen := r.Outcomes[o.BatchNumber]; seen {
		return false
	}
	r.Outcomes[o.BatchNumber] = o
	r.Order = append(r.Order, o.BatchNumber)
	return true
}

func (r RunResult) Len() int { return len(r.Outcomes) }

// Succeeded returns the sorted batch numbers that succeeded.
func (r RunResult) Succeeded() []int { return r.filter(BatchSucceeded) }

// Failed returns the sorted batch numbers that failed.
func (r RunResult) Failed() []int { return r.filter(BatchFailed) }

// OK reports whether no batch failed. An empty result is OK.
func (r RunResult) OK() bool { return len(r.Failed()) == 0 }

// Process exit statuses of a dgdbatch run.
const (
	ExitOK            = 0
	ExitFatal         = 1
	ExitBatchesFailed = 2
)

// ExitCode is the process exit status convention for the whole run.
func (r RunResult) ExitCode() int {
	if r.OK() {
		return ExitOK
	}
	return ExitBatchesFailed
}

func (r RunResult) filter(status BatchStatus) []int {
	var out []int
	for n, o := range r.Outcomes {
		if o.Status == status {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)
