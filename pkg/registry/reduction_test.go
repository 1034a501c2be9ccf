package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neutrons/post-processing-agent/pkg/jobhandler"
	"github.com/neutrons/post-processing-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outcome jobhandler.Outcome
	err     error
	pid     int
	calls   int
}

func (f *fakeRunner) Run(script, inputFile, outputDir, logPath, errPath string, onSpawn func(pid int)) (jobhandler.Outcome, error) {
	f.calls++
	if onSpawn != nil {
		onSpawn(f.pid)
	}
	return f.outcome, f.err
}

type recordingPublisher struct {
	sent []sentMessage
}

type sentMessage struct {
	destination string
	msg         types.Message
}

func (r *recordingPublisher) publish(destination string, msg types.Message) error {
	r.sent = append(r.sent, sentMessage{destination, msg})
	return nil
}

func newFixture(t *testing.T) (dir string, dataFile string) {
	t.Helper()
	dir = t.TempDir()
	dataFile = filepath.Join(dir, "run1.nxs")
	require.NoError(t, os.WriteFile(dataFile, []byte("data"), 0o644))
	return dir, dataFile
}

func TestReductionProcessorDisabledWhenScriptMissing(t *testing.T) {
	dir, dataFile := newFixture(t)
	runner := &fakeRunner{}
	paths := func(facility, instrument, ipts string) (string, string) {
		return filepath.Join(dir, "instrument-shared"), filepath.Join(dir, "proposal-shared")
	}
	p := NewReductionProcessor("/queue/REDUCTION.DATA_READY", runner, paths)
	p.DisabledDestination = "/queue/REDUCTION.DISABLED"

	pub := &recordingPublisher{}
	msg := types.Message{
		"facility": "SNS", "instrument": "EQSANS", "ipts": "IPTS-10674",
		"run_number": "30892", "data_file": dataFile,
	}
	err := p.Handle(msg, pub.publish, nil)
	require.NoError(t, err)
	require.Len(t, pub.sent, 2) // started, disabled
	assert.Equal(t, "/queue/REDUCTION.DISABLED", pub.sent[1].destination)
	assert.Equal(t, 0, runner.calls)
}

func TestReductionProcessorMissingDataFileErrors(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	paths := func(facility, instrument, ipts string) (string, string) {
		return dir, dir
	}
	p := NewReductionProcessor("/queue/REDUCTION.DATA_READY", runner, paths)

	pub := &recordingPublisher{}
	msg := types.Message{
		"facility": "SNS", "instrument": "EQSANS", "ipts": "IPTS-10674",
		"run_number": "30892", "data_file": "/does/not/exist",
	}
	err := p.Handle(msg, pub.publish, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/does/not/exist")
	assert.Empty(t, pub.sent)
}

func TestReductionProcessorHappyPath(t *testing.T) {
	dir, dataFile := newFixture(t)
	instrumentShared := filepath.Join(dir, "instrument-shared")
	require.NoError(t, os.MkdirAll(instrumentShared, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(instrumentShared, "reduce_EQSANS.py"), []byte("#!/bin/sh\n"), 0o755))
	proposalShared := filepath.Join(dir, "proposal-shared")

	runner := &fakeRunner{outcome: jobhandler.Outcome{Success: true, Note: types.Message{}}}
	var spawnedPID int
	var spawnedInstrument string
	runner.pid = 4242

	paths := func(facility, instrument, ipts string) (string, string) {
		return instrumentShared, proposalShared
	}
	p := NewReductionProcessor("/queue/REDUCTION.DATA_READY", runner, paths)
	p.StartedDestination = "/queue/REDUCTION.STARTED"
	p.CompleteDestination = "/queue/REDUCTION.COMPLETE"
	p.ErrorDestination = "/queue/REDUCTION.ERROR"

	pub := &recordingPublisher{}
	msg := types.Message{
		"facility": "SNS", "instrument": "EQSANS", "ipts": "IPTS-10674",
		"run_number": "30892", "data_file": dataFile,
	}
	err := p.Handle(msg, pub.publish, func(pid int, instrument string, m types.Message) {
		spawnedPID = pid
		spawnedInstrument = instrument
	})
	require.NoError(t, err)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "/queue/REDUCTION.STARTED", pub.sent[0].destination)
	assert.Equal(t, "/queue/REDUCTION.COMPLETE", pub.sent[1].destination)
	assert.Equal(t, 4242, spawnedPID)
	assert.Equal(t, "EQSANS", spawnedInstrument)
}

func TestReductionProcessorErrorTransition(t *testing.T) {
	dir, dataFile := newFixture(t)
	instrumentShared := filepath.Join(dir, "instrument-shared")
	require.NoError(t, os.MkdirAll(instrumentShared, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(instrumentShared, "reduce_EQSANS.py"), []byte("#!/bin/sh\n"), 0o755))
	proposalShared := filepath.Join(dir, "proposal-shared")

	runner := &fakeRunner{outcome: jobhandler.Outcome{Success: false, Note: types.Message{"error": "REDUCTION: boom"}}}
	paths := func(facility, instrument, ipts string) (string, string) {
		return instrumentShared, proposalShared
	}
	p := NewReductionProcessor("/queue/REDUCTION.DATA_READY", runner, paths)
	p.StartedDestination = "/queue/REDUCTION.STARTED"
	p.CompleteDestination = "/queue/REDUCTION.COMPLETE"
	p.ErrorDestination = "/queue/REDUCTION.ERROR"

	pub := &recordingPublisher{}
	msg := types.Message{
		"facility": "SNS", "instrument": "EQSANS", "ipts": "IPTS-10674",
		"run_number": "30892", "data_file": dataFile,
	}
	err := p.Handle(msg, pub.publish, nil)
	require.NoError(t, err)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "/queue/REDUCTION.ERROR", pub.sent[1].destination)
	assert.Equal(t, "REDUCTION: boom", pub.sent[1].msg.String("error"))
}
