package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Queued    int           `json:"queued"`
	Running   int           `json:"running"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Slots     map[int]int   `json:"slots"` // slot -> batch number
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Done      bool          `json:"done"`
}

// RunMonitor tracks batch progress and feeds the collector. A nil
// *RunMonitor is valid and records nothing.
type RunMonitor struct {
	mu        sync.RWMutex
	collector *Collector
	progress  Progress
}

func NewRunMonitor(collector *Collector) *RunMonitor {
	return &RunMonitor{collector: collector, progress: Progress{Slots: map[int]int{}}}
}

// Begin resets the monitor for a new run of total batches.
func (m *RunMonitor) Begin(runID string, total int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.progress = Progress{RunID: runID, Total: total, Slots: map[int]int{}, StartedAt: time.Now()}
	m.mu.Unlock()
	m.collector.Gauge("dgdbatch_batches_total", float64(total), map[string]string{"run": runID})
}

func (m *RunMonitor) BatchQueued(batch int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.progress.Queued++
	m.mu.Unlock()
}

func (m *RunMonitor) BatchStarted(batch, slot int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.progress.Queued--
	m.progress.Running++
	m.progress.Slots[slot] = batch
	running := m.progress.Running
	m.mu.Unlock()
	m.collector.Gauge("dgdbatch_slots_busy", float64(running), nil)
}

// BatchFinished frees the slot. It is called whether or not a process ran.
func (m *RunMonitor) BatchFinished(batch, slot int, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if slot >= 0 {
		m.progress.Running--
		delete(m.progress.Slots, slot)
	} else {
		m.progress.Queued--
	}
	running := m.progress.Running
	m.mu.Unlock()
	m.collector.Gauge("dgdbatch_slots_busy", float64(running), nil)
	if slot >= 0 {
		m.collector.Timer("dgdbatch_batch_duration", d, map[string]string{"batch": strconv.Itoa(batch)})
	}
}

// RecordOutcome counts the final state of one batch.
func (m *RunMonitor) RecordOutcome(o api.Outcome) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if o.Succeeded() {
		m.progress.Succeeded++
	} else {
		m.progress.Failed++
	}
	m.mu.Unlock()

	labels := map[string]string{"status": string(o.Status)}
	m.collector.Counter("dgdbatch_batches_completed", 1, labels)
}

// Finish records run-level figures.
func (m *RunMonitor) Finish(result api.RunResult, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.progress.Done = true
	runID := m.progress.RunID
	m.mu.Unlock()

	labels := map[string]string{"run": runID}
	succeeded, failed := len(result.Succeeded()), len(result.Failed())
	m.collector.Timer("dgdbatch_run_duration", d, labels)
	if total := succeeded + failed; total > 0 {
		m.collector.Gauge("dgdbatch_run_success_rate", float64(succeeded)/float64(total)*100, labels)
	}
}

// Progress returns a copy of the current progress.
func (m *RunMonitor) Progress() Progress {
	if m == nil {
		return Progress{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.progress
	p.Slots = make(map[int]int, len(m.progress.Slots))
	for k, v := range m.progress.Slots {
		p.Slots[k] = v
	}
	if !p.StartedAt.IsZero() {
		p.Elapsed = time.Since(p.StartedAt)
	}
	return p
}
