package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neutrons/post-processing-agent/pkg/admission"
	"github.com/neutrons/post-processing-agent/pkg/config"
	"github.com/neutrons/post-processing-agent/pkg/dispatcher"
	"github.com/neutrons/post-processing-agent/pkg/health"
	"github.com/neutrons/post-processing-agent/pkg/jobhandler"
	"github.com/neutrons/post-processing-agent/pkg/log"
	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/registry"
	"github.com/neutrons/post-processing-agent/pkg/session"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "post-processing-agent - dispatches reduction and cataloging jobs from the facility message broker",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agent version %s (%s)\n", Version, Commit))
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the agent's YAML configuration file (required)")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "force JSON log output regardless of configuration")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logLevel := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		logLevel = override
	}
	logJSON := *cfg.LogJSON
	if jsonFlag, _ := cmd.Flags().GetBool("log-json"); jsonFlag {
		logJSON = true
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	logger := log.WithComponent("main")
	logger.Info().Str("config", configPath).Msg("starting post-processing agent")

	adm := admission.NewController(cfg.MaxProcs, *cfg.JobsPerInstrument)

	jh := jobhandler.New(jobhandler.Config{
		PythonExecutable:  cfg.PythonExecutable,
		MemPercent:        cfg.SystemMemLimitPerc,
		MemCheckInterval:  time.Duration(cfg.MemCheckIntervalSec * float64(time.Second)),
		WallClockLimit:    time.Duration(cfg.WallClockLimitSec * float64(time.Second)),
		CommunicationOnly: cfg.CommunicationOnly,
		IgnorablePatterns: cfg.IgnorablePatterns(),
	})

	paths := registry.DefaultPathResolver(cfg.DevInstrumentShared, cfg.DevOutputDir)
	reduction := registry.NewReductionProcessor(cfg.ReductionDataReady, jh, paths)
	reduction.StartedDestination = cfg.ReductionStarted
	reduction.CompleteDestination = cfg.ReductionComplete
	reduction.ErrorDestination = cfg.ReductionError
	reduction.DisabledDestination = cfg.ReductionDisabled

	processors := []registry.Processor{reduction}
	if cfg.CatalogIngestURL != "" {
		catalog := registry.NewCatalogProcessor(cfg.CatalogDataReady, cfg.CatalogIngestURL)
		catalog.StartedDestination = cfg.CatalogStarted
		catalog.CompleteDestination = cfg.CatalogComplete
		catalog.ErrorDestination = cfg.CatalogError
		processors = append(processors, catalog)
	}
	scriptWriter := registry.NewScriptWriterProcessor(cfg.CreateReductionScript, cfg.ServiceStatus, func(instrument string) string {
		shared, _ := paths("SNS", instrument, "")
		return shared
	})
	processors = append(processors, scriptWriter)

	reg, err := registry.New(processors...)
	if err != nil {
		return fmt.Errorf("building processor registry: %w", err)
	}

	sess := session.New(session.Config{
		Brokers:       cfg.Brokers,
		Login:         cfg.AMQUser,
		Passcode:      cfg.AMQPwd,
		HeartbeatDest: cfg.HeartBeat,
	})
	if err := sess.Connect(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	disp := dispatcher.New(dispatcher.Config{
		PingDestination:  cfg.HeartbeatPing,
		ErrorDestination: cfg.PostprocessError,
	}, sess, reg, adm)

	if cfg.MetricsListen != "" {
		startObservabilityServer(cfg.MetricsListen, sess, adm)
	}

	stop := make(chan struct{})
	runErr := make(chan error, 1)
	go func() { runErr <- disp.Run(stop) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal, draining in-flight workers")
	case err := <-runErr:
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher exited unexpectedly")
		}
	}

	close(stop)
	drained := make(chan struct{})
	go func() {
		disp.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Duration(cfg.DrainTimeoutSec) * time.Second):
		logger.Warn().Msg("drain timeout elapsed with workers still in flight")
	case <-sigCh:
		logger.Warn().Msg("second signal received, exiting without waiting for drain")
	}

	sess.Stop()
	logger.Info().Msg("post-processing agent stopped")
	return nil
}

func startObservabilityServer(addr string, sess *session.Manager, adm *admission.Controller) {
	reporter := &health.Reporter{
		Connected: func() bool { return sess.State() == session.Connected },
		Snapshot:  adm.Snapshot,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", reporter.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("observability").Warn().Err(err).Msg("observability server stopped")
		}
	}()
}
