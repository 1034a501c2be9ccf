// Package admission tracks in-flight workers and decides whether a
// newly arrived job may be admitted, under a global concurrency cap
// and per-instrument fairness caps.
package admission

import (
	"sync"
	"time"

	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/types"
	"github.com/shirou/gopsutil/v3/process"
)

// Decision is the outcome of Admit.
type Decision int

const (
	// Accept means the message should be ack'd and processed.
	Accept Decision = iota
	// Reject means the message should be nack'd; the broker's
	// redelivery policy decides what happens next.
	Reject
	// NoInstrument means the message carries no instrument field (or
	// per-instrument accounting is disabled): accept without
	// per-instrument bookkeeping.
	NoInstrument
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case NoInstrument:
		return "no_instrument"
	default:
		return "unknown"
	}
}

// Controller is the admission controller described in spec §4.3. It is
// safe for concurrent use; the mutex it holds is never held across a
// broker call or a process-wait call.
type Controller struct {
	maxConcurrent     int
	jobsPerInstrument int
	pollInterval      time.Duration

	// AliveFunc reports whether pid is still a running process. It
	// defaults to a gopsutil-backed check and is overridable in tests.
	AliveFunc func(pid int) bool

	mu         sync.Mutex
	global     map[int]*types.WorkerRecord
	instrument map[string]map[int]*types.WorkerRecord
}

// NewController creates a controller enforcing maxConcurrent global
// workers and jobsPerInstrument workers per instrument (0 disables the
// per-instrument check).
func NewController(maxConcurrent, jobsPerInstrument int) *Controller {
	return &Controller{
		maxConcurrent:     maxConcurrent,
		jobsPerInstrument: jobsPerInstrument,
		pollInterval:      500 * time.Millisecond,
		AliveFunc:         processAlive,
		global:            make(map[int]*types.WorkerRecord),
		instrument:        make(map[string]map[int]*types.WorkerRecord),
	}
}

// Admit sweeps finished workers, then decides whether a job for
// instrumentName may proceed. It does not itself reserve a slot; the
// caller registers the worker via Record once it has been spawned.
func (c *Controller) Admit(instrumentName string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	if instrumentName == "" || c.jobsPerInstrument <= 0 {
		return NoInstrument
	}
	if len(c.instrument[instrumentName]) >= c.jobsPerInstrument {
		return Reject
	}
	return Accept
}

// Record inserts a newly spawned worker into both indexes.
func (c *Controller) Record(pid int, instrumentName string, msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &types.WorkerRecord{
		PID:        pid,
		Instrument: instrumentName,
		Message:    msg,
		StartedAt:  time.Now(),
	}
	c.global[pid] = rec
	if instrumentName != "" {
		if c.instrument[instrumentName] == nil {
			c.instrument[instrumentName] = make(map[int]*types.WorkerRecord)
		}
		c.instrument[instrumentName][pid] = rec
	}
	metrics.WorkersTotal.WithLabelValues(instrumentName).Inc()
}

// Release removes a worker record once its process has been reaped.
// Safe to call more than once for the same pid.
func (c *Controller) Release(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(pid)
}

func (c *Controller) releaseLocked(pid int) {
	rec, ok := c.global[pid]
	if !ok {
		return
	}
	delete(c.global, pid)
	if rec.Instrument != "" {
		delete(c.instrument[rec.Instrument], pid)
		if len(c.instrument[rec.Instrument]) == 0 {
			delete(c.instrument, rec.Instrument)
		}
	}
	metrics.WorkersTotal.WithLabelValues(rec.Instrument).Dec()
}

// sweepLocked drops any record whose process is no longer running.
// Called with c.mu held.
func (c *Controller) sweepLocked() {
	for pid := range c.global {
		if !c.AliveFunc(pid) {
			c.releaseLocked(pid)
		}
	}
}

// GlobalCount returns the current tracked worker count.
func (c *Controller) GlobalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.global)
}

// InstrumentCount returns the current tracked worker count for instrumentName.
func (c *Controller) InstrumentCount(instrumentName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instrument[instrumentName])
}

// Snapshot returns the current global count and a copy of the
// per-instrument counts, for the liveness endpoint and metrics.
func (c *Controller) Snapshot() (global int, byInstrument map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byInstrument = make(map[string]int, len(c.instrument))
	for instrumentName, recs := range c.instrument {
		byInstrument[instrumentName] = len(recs)
	}
	return len(c.global), byInstrument
}

// WaitForSlot blocks until the global worker count is at or below the
// configured maximum, sweeping finished workers on each poll. It
// returns early if stop is closed.
func (c *Controller) WaitForSlot(stop <-chan struct{}) {
	for {
		c.mu.Lock()
		c.sweepLocked()
		n := len(c.global)
		c.mu.Unlock()

		if n <= c.maxConcurrent {
			return
		}
		select {
		case <-time.After(c.pollInterval):
		case <-stop:
			return
		}
	}
}

func processAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return alive
}
