package registry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/neutrons/post-processing-agent/pkg/jobhandler"
	"github.com/neutrons/post-processing-agent/pkg/log"
	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/types"
	"github.com/rs/zerolog"
)

// JobRunner is the subset of jobhandler.Handler that ReductionProcessor
// depends on; tests substitute a fake to avoid spawning real processes.
type JobRunner interface {
	Run(script, inputFile, outputDir, logPath, errPath string, onSpawn func(pid int)) (jobhandler.Outcome, error)
}

// PathResolver computes the instrument-shared and proposal-shared
// directories for a job, honoring the dev_instrument_shared /
// dev_output_dir configuration overrides.
type PathResolver func(facility, instrument, ipts string) (instrumentShared, proposalShared string)

// DefaultPathResolver implements the standard /F/I/shared/autoreduce
// and /F/I/P/shared/autoreduce layout, substituting devInstrumentShared
// / devOutputDir when non-empty.
func DefaultPathResolver(devInstrumentShared, devOutputDir string) PathResolver {
	return func(facility, instrument, ipts string) (string, string) {
		instrumentShared := devInstrumentShared
		if instrumentShared == "" {
			instrumentShared = filepath.Join("/", facility, instrument, "shared", "autoreduce")
		}
		proposalShared := devOutputDir
		if proposalShared == "" {
			proposalShared = filepath.Join("/", facility, instrument, ipts, "shared", "autoreduce")
		}
		return instrumentShared, proposalShared
	}
}

// ReductionProcessor runs a per-instrument reduction script against an
// incoming data-ready job message.
type ReductionProcessor struct {
	StartedDestination  string
	CompleteDestination string
	ErrorDestination    string
	DisabledDestination string

	Runner   JobRunner
	Paths    PathResolver
	inputDst string
}

// NewReductionProcessor constructs a ReductionProcessor subscribed to
// inputDestination.
func NewReductionProcessor(inputDestination string, runner JobRunner, paths PathResolver) *ReductionProcessor {
	return &ReductionProcessor{
		inputDst: inputDestination,
		Runner:   runner,
		Paths:    paths,
	}
}

// InputDestination implements Processor.
func (p *ReductionProcessor) InputDestination() string { return p.inputDst }

// Handle implements Processor. A non-nil error means msg failed
// validation before "started" was ever published; the dispatcher is
// expected to route it to the agent-wide error destination rather than
// p.ErrorDestination, mirroring the original agent's top-level
// exception handler.
func (p *ReductionProcessor) Handle(msg types.Message, publish PublishFunc, onSpawn SpawnFunc) error {
	dataFile := msg.String("data_file")
	facility := msg.Upper("facility")
	instrument := msg.Upper("instrument")
	ipts := msg.Upper("ipts")
	runNumber := msg.String("run_number")

	if dataFile == "" {
		return fmt.Errorf("job message missing data_file")
	}
	if f, err := os.Open(dataFile); err != nil {
		return fmt.Errorf("Data file does not exist or is not readable: %s", dataFile)
	} else {
		f.Close()
	}
	if facility == "" || instrument == "" || ipts == "" || runNumber == "" {
		return fmt.Errorf("job message missing facility/instrument/ipts/run_number")
	}

	logger := log.WithInstrument(instrument)

	if err := publish(p.StartedDestination, msg); err != nil {
		logger.Warn().Err(err).Msg("failed to publish started transition")
	}
	metrics.JobsTotal.WithLabelValues("started").Inc()

	instrumentShared, proposalShared := p.Paths(facility, instrument, ipts)
	script := filepath.Join(instrumentShared, fmt.Sprintf("reduce_%s.py", instrument))

	if _, err := os.Stat(script); err != nil {
		metrics.JobsTotal.WithLabelValues("disabled").Inc()
		return publish(p.DisabledDestination, msg)
	}

	runSummaryDiscovery(instrumentShared, instrument, dataFile, proposalShared, logger)

	basename := fmt.Sprintf("%s_%s_%s", instrument, ipts, runNumber)
	logDir := filepath.Join(proposalShared, "reduction_log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating reduction log directory: %w", err)
	}
	logPath := filepath.Join(logDir, basename+".log")
	errPath := filepath.Join(logDir, basename+".err")

	outcome, err := p.Runner.Run(script, dataFile, proposalShared, logPath, errPath, func(pid int) {
		if onSpawn != nil {
			onSpawn(pid, instrument, msg)
		}
	})
	if err != nil {
		return fmt.Errorf("running reduction script: %w", err)
	}

	if outcome.Success {
		_ = os.Remove(errPath)
		result := msg.Clone()
		for k, v := range outcome.Note {
			result[k] = v
		}
		metrics.JobsTotal.WithLabelValues("complete").Inc()
		return publish(p.CompleteDestination, result)
	}

	result := msg.Clone()
	for k, v := range outcome.Note {
		result[k] = v
	}
	metrics.JobsTotal.WithLabelValues("error").Inc()
	return publish(p.ErrorDestination, result)
}

// runSummaryDiscovery invokes the optional per-instrument run-summary
// script if present, best-effort: a missing script or a non-zero exit
// never affects the reduction outcome.
func runSummaryDiscovery(instrumentShared, instrument, dataFile, proposalShared string, logger zerolog.Logger) {
	summaryScript := filepath.Join(instrumentShared, fmt.Sprintf("sumRun_%s.py", instrument))
	if _, err := os.Stat(summaryScript); err != nil {
		return
	}
	cmd := exec.Command("python3", summaryScript, dataFile, proposalShared)
	if err := cmd.Run(); err != nil {
		logger.Warn().Err(err).Msg("run-summary script failed")
	}
}
