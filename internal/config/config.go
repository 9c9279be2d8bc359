// Package config provides YAML configuration loading and validation for the
// corralog agent. A generation is immutable once loaded; the Lifecycle
// Controller publishes a new *Generation atomically on config swap.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Generation is one immutable, validated snapshot of the agent's full
// configuration: global settings plus every source and destination.
type Generation struct {
	Global       Global                 `yaml:"global"`
	Sources      []Source               `yaml:"sources"`
	Destinations map[string]Destination `yaml:"destinations"`
}

// Global holds agent-wide settings that are not specific to any one source.
type Global struct {
	LogLevel string `yaml:"log_level"`
	DiagAddr string `yaml:"diag_addr"`

	CheckpointPath string `yaml:"checkpoint_path"`

	MaxCPUCores     float64 `yaml:"max_cpu_cores"`
	MaxRSSBytes     int64   `yaml:"max_rss_bytes"`
	AutoScaleCPU    bool    `yaml:"auto_scale_cpu"`
	GovernorSamples int     `yaml:"governor_consecutive_samples"`

	MaxWatchCount int           `yaml:"max_watch_count"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// Source describes one glob of files to collect: where to find them, how to
// split and merge their lines, how to parse them, and where to send them.
type Source struct {
	Name string `yaml:"name"`

	Glob          string `yaml:"glob"`
	MaxDepth      int    `yaml:"max_depth"`
	Encoding      string `yaml:"encoding"`
	LineTerminator string `yaml:"line_terminator"`

	Multiline MultilineConfig `yaml:"multiline"`
	Parser    ParserConfig    `yaml:"parser"`

	Destination string   `yaml:"destination"`
	Tags        []string `yaml:"tags"`

	ExactlyOnceK int `yaml:"exactly_once_concurrency"`

	TailExistingCutoff time.Duration `yaml:"tail_existing_cutoff"`
	DiscardOldCutoff   time.Duration `yaml:"discard_old_cutoff"`

	SignatureBytes int `yaml:"signature_bytes"`
}

// MultilineConfig selects one of the six multi-line merge modes. Unused
// regex fields for a given Mode are ignored.
type MultilineConfig struct {
	Mode string `yaml:"mode"` // single|start|start_continue|start_end|continue_end|flag

	StartPattern    string `yaml:"start_pattern"`
	ContinuePattern string `yaml:"continue_pattern"`
	EndPattern      string `yaml:"end_pattern"`

	UnmatchedPolicy string        `yaml:"unmatched_policy"` // keep|discard
	Timeout         time.Duration `yaml:"timeout"`
}

// ParserConfig selects one of the Record Parser's modes.
type ParserConfig struct {
	Mode string `yaml:"mode"` // raw|regex|delimiter|json|bracketed

	RawKey string `yaml:"raw_key"`

	RegexPattern    string `yaml:"regex_pattern"`
	TimeField       string `yaml:"time_field"`
	TimeFormat      string `yaml:"time_format"`
	KeepOnMismatch  bool   `yaml:"keep_on_mismatch"`

	Delimiter   string   `yaml:"delimiter"`
	Quote       string   `yaml:"quote"`
	Keys        []string `yaml:"keys"`
}

// Destination describes one remote endpoint the Sender delivers to.
type Destination struct {
	Name string `yaml:"name"`

	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`

	MaxConcurrency int `yaml:"max_concurrency"`
	MinConcurrency int `yaml:"min_concurrency"`

	NetworkErrorThreshold int           `yaml:"network_error_threshold"`
	QuotaErrorThreshold   int           `yaml:"quota_error_threshold"`
	NetworkBackoffBase    time.Duration `yaml:"network_backoff_base"`
	NetworkBackoffMax     time.Duration `yaml:"network_backoff_max"`
	NetworkBackoffFactor  float64       `yaml:"network_backoff_factor"`
	QuotaBackoffBase      time.Duration `yaml:"quota_backoff_base"`
	QuotaBackoffMax       time.Duration `yaml:"quota_backoff_max"`
	QuotaBackoffFactor    float64       `yaml:"quota_backoff_factor"`

	AuthToken string `yaml:"auth_token"`
}

var validMultilineModes = map[string]bool{
	"single": true, "start": true, "start_continue": true,
	"start_end": true, "continue_end": true, "flag": true,
}

var validParserModes = map[string]bool{
	"raw": true, "regex": true, "delimiter": true, "json": true, "bracketed": true,
}

var validUnmatchedPolicies = map[string]bool{"keep": true, "discard": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads the YAML file at path, applies defaults, validates it, and
// returns an immutable Generation. Its validation error joins every
// validation failure found (errors.Join), not just the first.
func Load(path string) (*Generation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals and validates raw YAML bytes into a Generation. Exposed
// separately from Load so tests and the config-reload path can work without
// touching the filesystem.
func Parse(data []byte) (*Generation, error) {
	var gen Generation
	if err := yaml.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("config: cannot parse: %w", err)
	}

	applyDefaults(&gen)

	if err := validate(&gen); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &gen, nil
}

func applyDefaults(gen *Generation) {
	if gen.Global.LogLevel == "" {
		gen.Global.LogLevel = "info"
	}
	if gen.Global.DiagAddr == "" {
		gen.Global.DiagAddr = "127.0.0.1:9000"
	}
	if gen.Global.CheckpointPath == "" {
		gen.Global.CheckpointPath = "/var/lib/corralog/checkpoints.db"
	}
	if gen.Global.PollInterval <= 0 {
		gen.Global.PollInterval = 5 * time.Second
	}
	if gen.Global.MaxWatchCount <= 0 {
		gen.Global.MaxWatchCount = 8192
	}
	if gen.Global.GovernorSamples <= 0 {
		gen.Global.GovernorSamples = 10
	}

	for i := range gen.Sources {
		s := &gen.Sources[i]
		if s.LineTerminator == "" {
			s.LineTerminator = "\n"
		}
		if s.Encoding == "" {
			s.Encoding = "utf-8"
		}
		if s.SignatureBytes <= 0 {
			s.SignatureBytes = 1024
		}
		if s.TailExistingCutoff <= 0 {
			s.TailExistingCutoff = 120 * time.Second
		}
		if s.DiscardOldCutoff <= 0 {
			s.DiscardOldCutoff = 43200 * time.Second
		}
		if s.Multiline.Mode == "" {
			s.Multiline.Mode = "single"
		}
		if s.Multiline.UnmatchedPolicy == "" {
			s.Multiline.UnmatchedPolicy = "keep"
		}
		if s.Multiline.Timeout <= 0 {
			s.Multiline.Timeout = 3 * time.Second
		}
		if s.Parser.Mode == "" {
			s.Parser.Mode = "raw"
		}
		if s.Parser.RawKey == "" {
			s.Parser.RawKey = "content"
		}
	}

	for name, d := range gen.Destinations {
		if d.MaxConcurrency <= 0 {
			d.MaxConcurrency = 8
		}
		if d.MinConcurrency <= 0 {
			d.MinConcurrency = 1
		}
		if d.NetworkErrorThreshold <= 0 {
			d.NetworkErrorThreshold = 60
		}
		if d.QuotaErrorThreshold <= 0 {
			d.QuotaErrorThreshold = 1
		}
		if d.NetworkBackoffBase <= 0 {
			d.NetworkBackoffBase = time.Second
		}
		if d.NetworkBackoffMax <= 0 {
			d.NetworkBackoffMax = 60 * time.Second
		}
		if d.NetworkBackoffFactor <= 0 {
			d.NetworkBackoffFactor = 2
		}
		if d.QuotaBackoffBase <= 0 {
			d.QuotaBackoffBase = 5 * time.Second
		}
		if d.QuotaBackoffMax <= 0 {
			d.QuotaBackoffMax = 300 * time.Second
		}
		if d.QuotaBackoffFactor <= 0 {
			d.QuotaBackoffFactor = 2
		}
		gen.Destinations[name] = d
	}
}

func validate(gen *Generation) error {
	var errs []error

	if !validLogLevels[gen.Global.LogLevel] {
		errs = append(errs, fmt.Errorf("global.log_level %q must be one of: debug, info, warn, error", gen.Global.LogLevel))
	}

	names := make(map[string]bool, len(gen.Sources))
	for i, s := range gen.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate source name %q", prefix, s.Name))
		}
		names[s.Name] = true

		if s.Glob == "" {
			errs = append(errs, fmt.Errorf("%s: glob is required", prefix))
		}
		if !validMultilineModes[s.Multiline.Mode] {
			errs = append(errs, fmt.Errorf("%s: multiline.mode %q invalid", prefix, s.Multiline.Mode))
		}
		if !validUnmatchedPolicies[s.Multiline.UnmatchedPolicy] {
			errs = append(errs, fmt.Errorf("%s: multiline.unmatched_policy %q must be keep or discard", prefix, s.Multiline.UnmatchedPolicy))
		}
		if !validParserModes[s.Parser.Mode] {
			errs = append(errs, fmt.Errorf("%s: parser.mode %q invalid", prefix, s.Parser.Mode))
		}
		if s.Destination == "" {
			errs = append(errs, fmt.Errorf("%s: destination is required", prefix))
		} else if _, ok := gen.Destinations[s.Destination]; !ok {
			errs = append(errs, fmt.Errorf("%s: destination %q is not defined", prefix, s.Destination))
		}
		if s.ExactlyOnceK < 0 {
			errs = append(errs, fmt.Errorf("%s: exactly_once_concurrency must be >= 0", prefix))
		}
	}

	for name, d := range gen.Destinations {
		if d.Endpoint == "" {
			errs = append(errs, fmt.Errorf("destinations[%s]: endpoint is required", name))
		}
		if d.MinConcurrency > d.MaxConcurrency {
			errs = append(errs, fmt.Errorf("destinations[%s]: min_concurrency > max_concurrency", name))
		}
	}

	return errors.Join(errs...)
}
