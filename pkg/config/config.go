// Package config loads the agent's single YAML configuration file and
// applies the documented defaults to anything left unset.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved configuration for one agent process.
type Config struct {
	AMQUser string `yaml:"amq_user"`
	AMQPwd  string `yaml:"amq_pwd"`
	Brokers []string `yaml:"brokers"`

	ReductionDataReady string `yaml:"reduction_data_ready"`
	ReductionStarted   string `yaml:"reduction_started"`
	ReductionComplete  string `yaml:"reduction_complete"`
	ReductionError     string `yaml:"reduction_error"`
	ReductionDisabled  string `yaml:"reduction_disabled"`

	CreateReductionScript string `yaml:"create_reduction_script"`
	ServiceStatus         string `yaml:"service_status"`

	CatalogDataReady string `yaml:"catalog_data_ready"`
	CatalogStarted   string `yaml:"catalog_started"`
	CatalogComplete  string `yaml:"catalog_complete"`
	CatalogError     string `yaml:"catalog_error"`
	CatalogIngestURL string `yaml:"catalog_ingest_url"`

	HeartbeatPing string `yaml:"heartbeat_ping"`
	HeartBeat     string `yaml:"heart_beat"`
	PostprocessError string `yaml:"postprocess_error"`

	MaxProcs int `yaml:"max_procs"`
	// JobsPerInstrument is a pointer so an explicit 0 (disabling the
	// per-instrument cap) survives applyDefaults instead of being
	// indistinguishable from an unset field.
	JobsPerInstrument *int     `yaml:"jobs_per_instrument"`
	Exceptions        []string `yaml:"exceptions"`

	SystemMemLimitPerc  float64 `yaml:"system_mem_limit_perc"`
	MemCheckIntervalSec float64 `yaml:"mem_check_interval_sec"`
	WallClockLimitSec   float64 `yaml:"wall_clock_limit_sec"`

	CommunicationOnly bool `yaml:"communication_only"`

	DevInstrumentShared string `yaml:"dev_instrument_shared"`
	DevOutputDir        string `yaml:"dev_output_dir"`

	PythonExecutable string `yaml:"python_executable"`
	SWDir            string `yaml:"sw_dir"`

	MetricsListen string `yaml:"metrics_listen"`

	LogLevel string `yaml:"log_level"`
	LogJSON  *bool  `yaml:"log_json"`

	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

// Load reads and parses the YAML file at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ReductionDataReady == "" {
		c.ReductionDataReady = "/queue/REDUCTION.DATA_READY"
	}
	if c.ReductionStarted == "" {
		c.ReductionStarted = "/queue/REDUCTION.STARTED"
	}
	if c.ReductionComplete == "" {
		c.ReductionComplete = "/queue/REDUCTION.COMPLETE"
	}
	if c.ReductionError == "" {
		c.ReductionError = "/queue/REDUCTION.ERROR"
	}
	if c.ReductionDisabled == "" {
		c.ReductionDisabled = "/queue/REDUCTION.DISABLED"
	}
	if c.CreateReductionScript == "" {
		c.CreateReductionScript = "/queue/REDUCTION.CREATE_SCRIPT"
	}
	if c.ServiceStatus == "" {
		c.ServiceStatus = "/topic/SNS.${instrument}.STATUS.POSTPROCESS"
	}
	if c.CatalogDataReady == "" {
		c.CatalogDataReady = "/queue/CATALOG.ONCAT.DATA_READY"
	}
	if c.CatalogStarted == "" {
		c.CatalogStarted = "/queue/CATALOG.ONCAT.STARTED"
	}
	if c.CatalogComplete == "" {
		c.CatalogComplete = "/queue/CATALOG.ONCAT.COMPLETE"
	}
	if c.CatalogError == "" {
		c.CatalogError = "/queue/CATALOG.ONCAT.ERROR"
	}
	if c.HeartbeatPing == "" {
		c.HeartbeatPing = "/topic/SNS.COMMON.STATUS.PING"
	}
	if c.MaxProcs == 0 {
		c.MaxProcs = 5
	}
	if c.JobsPerInstrument == nil {
		n := 2
		c.JobsPerInstrument = &n
	}
	if len(c.Exceptions) == 0 {
		c.Exceptions = []string{"Error in logging framework"}
	}
	if c.SystemMemLimitPerc == 0 {
		c.SystemMemLimitPerc = 70.0
	}
	if c.MemCheckIntervalSec == 0 {
		c.MemCheckIntervalSec = 0.2
	}
	if c.PythonExecutable == "" {
		c.PythonExecutable = "python3"
	}
	if c.SWDir == "" {
		c.SWDir = "/opt/postprocessing"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogJSON == nil {
		t := true
		c.LogJSON = &t
	}
	if c.DrainTimeoutSec == 0 {
		c.DrainTimeoutSec = 30
	}
}

func (c *Config) validate() error {
	if c.AMQUser == "" || c.AMQPwd == "" {
		return fmt.Errorf("amq_user and amq_pwd are required")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker endpoint is required")
	}
	if c.HeartBeat == "" {
		return fmt.Errorf("heart_beat destination is required")
	}
	if c.PostprocessError == "" {
		return fmt.Errorf("postprocess_error destination is required")
	}
	for _, pattern := range c.Exceptions {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid ignorable pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// IgnorablePatterns compiles Exceptions into regular expressions. It
// is only called after validate has confirmed they compile.
func (c *Config) IgnorablePatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(c.Exceptions))
	for _, pattern := range c.Exceptions {
		out = append(out, regexp.MustCompile(pattern))
	}
	return out
}
