package jobhandler

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript writes a POSIX shell script standing in for a reduction
// script; Handler.Run always invokes PythonExecutable with
// [script, inputFile, outputDir+"/"] as arguments, so a shell
// interpreter given a shell script works as a fake worker.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reduce_FAKE.py")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	cfg.PythonExecutable = "/bin/sh"
	if cfg.TotalSystemMemory == 0 {
		cfg.TotalSystemMemory = 1 << 34 // 16 GiB, keeps memory checks inert unless overridden
	}
	return New(cfg)
}

func TestRunCommunicationOnlyDoesNotSpawn(t *testing.T) {
	h := newTestHandler(t, Config{CommunicationOnly: true})
	dir := t.TempDir()
	spawned := false
	outcome, err := h.Run(
		filepath.Join(dir, "missing.py"),
		filepath.Join(dir, "in.nxs"),
		dir,
		filepath.Join(dir, "job.log"),
		filepath.Join(dir, "job.err"),
		func(pid int) { spawned = true },
	)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.False(t, spawned)
}

func TestRunMissingScriptErrors(t *testing.T) {
	h := newTestHandler(t, Config{})
	dir := t.TempDir()
	_, err := h.Run(
		filepath.Join(dir, "does-not-exist.py"),
		filepath.Join(dir, "in.nxs"),
		dir,
		filepath.Join(dir, "job.log"),
		filepath.Join(dir, "job.err"),
		nil,
	)
	assert.Error(t, err)
}

func TestRunHappyPathSucceeds(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `echo "reducing $1 into $2" >&1
exit 0
`)
	h := newTestHandler(t, Config{})

	var pid int
	outcome, err := h.Run(
		script,
		filepath.Join(dir, "in.nxs"),
		dir,
		filepath.Join(dir, "job.log"),
		filepath.Join(dir, "job.err"),
		func(p int) { pid = p },
	)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.Note)
	assert.NotZero(t, pid)

	logContents, err := os.ReadFile(filepath.Join(dir, "job.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logContents), "reducing")
}

func TestRunClassifiesWorkerFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `echo "Error: segmentation fault" >&2
exit 1
`)
	h := newTestHandler(t, Config{})

	outcome, err := h.Run(
		script,
		filepath.Join(dir, "in.nxs"),
		dir,
		filepath.Join(dir, "job.log"),
		filepath.Join(dir, "job.err"),
		nil,
	)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, "REDUCTION: segmentation fault", outcome.Note.String("error"))
}

func TestRunClassifiesIgnorableWorkerFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `echo "Error: Error in logging framework" >&2
exit 1
`)
	h := newTestHandler(t, Config{
		IgnorablePatterns: []*regexp.Regexp{regexp.MustCompile("Error in logging framework")},
	})

	outcome, err := h.Run(
		script,
		filepath.Join(dir, "in.nxs"),
		dir,
		filepath.Join(dir, "job.log"),
		filepath.Join(dir, "job.err"),
		nil,
	)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "Error in logging framework", outcome.Note.String("information"))
}

func TestRunKillsOnWallClockLimit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `sleep 5
exit 0
`)
	h := newTestHandler(t, Config{
		WallClockLimit:   50 * time.Millisecond,
		MemCheckInterval: 10 * time.Millisecond,
		GraceTimeout:     200 * time.Millisecond,
		KillTimeout:      200 * time.Millisecond,
	})

	start := time.Now()
	outcome, err := h.Run(
		script,
		filepath.Join(dir, "in.nxs"),
		dir,
		filepath.Join(dir, "job.log"),
		filepath.Join(dir, "job.err"),
		nil,
	)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Note.String("error"), "Wall clock")
}
