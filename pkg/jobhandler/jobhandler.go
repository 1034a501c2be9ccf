// Package jobhandler runs one worker subprocess per job, bounded by
// memory and wall-clock limits, and classifies its outcome.
package jobhandler

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/neutrons/post-processing-agent/pkg/log"
	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/types"
	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
)

// Config bounds one worker's resource usage. Zero-value MemPercent or
// WallClockLimit disables the corresponding check.
type Config struct {
	PythonExecutable  string
	MemPercent        float64
	MemCheckInterval  time.Duration
	WallClockLimit    time.Duration
	GraceTimeout      time.Duration
	KillTimeout       time.Duration
	CommunicationOnly bool
	IgnorablePatterns []*regexp.Regexp

	// TotalSystemMemory overrides the system memory total used to
	// compute the absolute memory ceiling; tests set this to avoid
	// depending on the host's real memory size.
	TotalSystemMemory uint64
}

// Outcome is the result of running and classifying one worker.
type Outcome struct {
	Success bool
	Note    types.Message
}

// Handler runs worker subprocesses under Config's resource limits.
type Handler struct {
	cfg Config
}

// New constructs a Handler with documented defaults applied to any
// zero-valued timing field.
func New(cfg Config) *Handler {
	if cfg.PythonExecutable == "" {
		cfg.PythonExecutable = "python3"
	}
	if cfg.MemCheckInterval <= 0 {
		cfg.MemCheckInterval = 200 * time.Millisecond
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 5 * time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.TotalSystemMemory == 0 {
		cfg.TotalSystemMemory = memory.TotalMemory()
	}
	return &Handler{cfg: cfg}
}

// Run executes script against inputFile with outputDir as both the
// worker's trailing argument and working directory, capturing its
// streams to logPath/errPath, then classifies the result. onSpawn, if
// non-nil, is invoked with the worker's PID as soon as the process
// starts so the caller can register it with the admission controller
// before Run returns.
func (h *Handler) Run(script, inputFile, outputDir, logPath, errPath string, onSpawn func(pid int)) (Outcome, error) {
	logger := log.WithComponent("jobhandler")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobDuration)

	if h.cfg.CommunicationOnly {
		return Outcome{Success: true, Note: types.Message{}}, nil
	}

	if _, err := os.Stat(script); err != nil {
		return Outcome{}, fmt.Errorf("reduction script not found: %s", script)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	errFile, err := os.Create(errPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating error file: %w", err)
	}
	defer errFile.Close()

	args := []string{script, inputFile, outputDir + "/"}
	cmd := exec.Command(h.cfg.PythonExecutable, args...)
	cmd.Dir = outputDir
	cmd.Stdout = logFile
	cmd.Stderr = errFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("starting worker: %w", err)
	}
	pid := cmd.Process.Pid
	if onSpawn != nil {
		onSpawn(pid)
	}
	logger.Info().Int("pid", pid).Str("script", script).Msg("worker started")

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()

	h.supervise(pid, done, errFile, logger)
	<-done // cmd.Wait already returned once supervise observed exit, or will shortly

	success, note := Classify(errPath, h.cfg.IgnorablePatterns)
	logger.Info().Int("pid", pid).Bool("success", success).Msg("worker finished")
	return Outcome{Success: success, Note: note}, nil
}

// supervise samples the worker's process tree until it exits, killing
// the tree if it crosses the memory or wall-clock limit. It returns as
// soon as done fires, so the caller's subsequent <-done is immediate.
func (h *Handler) supervise(pid int, done <-chan error, errFile *os.File, logger zerolog.Logger) {
	memLimit := uint64(0)
	if h.cfg.MemPercent > 0 {
		memLimit = uint64(float64(h.cfg.TotalSystemMemory) * h.cfg.MemPercent / 100.0)
	}

	start := time.Now()
	ticker := time.NewTicker(h.cfg.MemCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if memLimit > 0 {
				if rss := treeRSS(int32(pid)); rss > memLimit {
					writeDiagnostic(errFile, "Total memory usage exceeded limit: %d bytes > %d bytes", rss, memLimit)
					h.killTree(pid, done, logger)
					return
				}
			}
			if h.cfg.WallClockLimit > 0 && time.Since(start) > h.cfg.WallClockLimit {
				writeDiagnostic(errFile, "Wall clock time exceeded limit: %s", time.Since(start))
				h.killTree(pid, done, logger)
				return
			}
		}
	}
}

// killTree sends SIGTERM to every process in the tree, waits up to
// GraceTimeout, then SIGKILL and waits up to KillTimeout, logging a
// warning if a survivor remains.
func (h *Handler) killTree(pid int, done <-chan error, logger zerolog.Logger) {
	signalTree(pid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(h.cfg.GraceTimeout):
	}

	signalTree(pid, syscall.SIGKILL)
	select {
	case <-done:
		return
	case <-time.After(h.cfg.KillTimeout):
		logger.Warn().Int("pid", pid).Msg("worker tree survived SIGKILL")
	}
}

func signalTree(pid int, sig syscall.Signal) {
	tree := pidsInTree(int32(pid))
	if len(tree) == 0 {
		tree = []int32{int32(pid)}
	}
	for _, p := range tree {
		// A descendant may already have exited; ignore ESRCH and the like.
		_ = syscall.Kill(int(p), sig)
	}
}

func writeDiagnostic(f *os.File, format string, args ...any) {
	_, _ = fmt.Fprintf(f, format+"\n", args...)
}
