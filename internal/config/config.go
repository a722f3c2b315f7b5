// Package config handles YAML configuration for cartograph.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvGraphURL          = "GRAPH_URL"
	EnvGraphUsername     = "GRAPH_USERNAME"
	EnvGraphPassword     = "GRAPH_PASSWORD"
	EnvDigitalOceanToken = "DIGITALOCEAN_TOKEN"
)

// MemoryURL selects the in-process graph instead of a Neo4j server.
const MemoryURL = "memory://"

// Config is the root configuration structure.
type Config struct {
	Graph        GraphConfig        `yaml:"graph"`
	Scanner      ScannerConfig      `yaml:"scanner"`
	AWS          AWSConfig          `yaml:"aws"`
	DigitalOcean DigitalOceanConfig `yaml:"digitalocean"`
	Kubernetes   KubernetesConfig   `yaml:"kubernetes"`
	Filter       FilterConfig       `yaml:"filter"`
	Journal      JournalConfig      `yaml:"journal"`
	Server       ServerConfig       `yaml:"server"`
	OTEL         OTELConfig         `yaml:"otel"`
	Log          LogConfig          `yaml:"log"`
}

// GraphConfig holds graph store connection settings.
type GraphConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	MaxPool  int           `yaml:"max_pool"`
	Timeout  time.Duration `yaml:"timeout"`
}

// InMemory reports whether the in-process graph is selected.
func (g GraphConfig) InMemory() bool {
	return g.URL == MemoryURL
}

// ScannerConfig holds orchestrator and scheduler settings.
type ScannerConfig struct {
	// PartialPass is "sweep" or "skip".
	PartialPass       string        `yaml:"partial_pass"`
	Interval          time.Duration `yaml:"interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Workers           int           `yaml:"workers"`
	ControlWorkers    int           `yaml:"control_workers"`
	LowWater          float64       `yaml:"low_water"`
	MaxWait           time.Duration `yaml:"max_wait"`
	// Intervals overrides Interval per entity type.
	Intervals map[string]time.Duration `yaml:"intervals"`
}

// IntervalFor returns the full scan interval of entityType.
func (s ScannerConfig) IntervalFor(entityType string) time.Duration {
	if d, ok := s.Intervals[entityType]; ok && d > 0 {
		return d
	}
	return s.Interval
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Profile string   `yaml:"profile"`
	Regions []string `yaml:"regions"`
	// Account pins the expected account. Empty resolves it from the
	// credentials at startup.
	Account     string   `yaml:"account"`
	EntityTypes []string `yaml:"entity_types"`
}

// DigitalOceanConfig holds DigitalOcean provider settings.
type DigitalOceanConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// KubernetesConfig holds the EKS clusters whose namespaces are scanned.
type KubernetesConfig struct {
	EKSClusters  []EKSClusterConfig `yaml:"eks_clusters"`
	TokenRefresh time.Duration      `yaml:"token_refresh"`
}

// EKSClusterConfig names one EKS cluster.
type EKSClusterConfig struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
}

// FilterConfig holds admission settings.
type FilterConfig struct {
	ExcludeTypes []string          `yaml:"exclude_types"`
	IncludeTags  map[string]string `yaml:"include_tags"`
	ExcludeTags  map[string]string `yaml:"exclude_tags"`
	// Policy is a path to a Rego module defining data.cartograph.admit.
	Policy string `yaml:"policy"`
}

// JournalConfig holds pass journal settings.
type JournalConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

// ServerConfig holds the metrics and health endpoint settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console", "json" or "auto".
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file. An empty path loads defaults
// and the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvGraphURL); v != "" {
		cfg.Graph.URL = v
	}
	if v := getenv(EnvGraphUsername); v != "" {
		cfg.Graph.Username = v
	}
	if v := getenv(EnvGraphPassword); v != "" {
		cfg.Graph.Password = v
	}
	if v := getenv(EnvDigitalOceanToken); v != "" {
		cfg.DigitalOcean.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Graph.URL == "" {
		cfg.Graph.URL = "bolt://localhost:7687"
	}
	if cfg.Graph.Timeout == 0 {
		cfg.Graph.Timeout = 10 * time.Second
	}
	if cfg.Scanner.PartialPass == "" {
		cfg.Scanner.PartialPass = "sweep"
	}
	if cfg.Scanner.Interval == 0 {
		cfg.Scanner.Interval = 10 * time.Minute
	}
	if cfg.Scanner.HeartbeatInterval == 0 {
		cfg.Scanner.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Scanner.Workers == 0 {
		cfg.Scanner.Workers = 4
	}
	if cfg.Scanner.ControlWorkers == 0 {
		cfg.Scanner.ControlWorkers = 2
	}
	if cfg.Kubernetes.TokenRefresh == 0 {
		cfg.Kubernetes.TokenRefresh = 5 * time.Minute
	}
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = "./cartograph-data"
	}
	if cfg.Journal.Keep == 0 {
		cfg.Journal.Keep = 10000
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "cartograph"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
}

// Validate checks the configuration is valid. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error
	if c.Graph.URL == "" {
		errs = append(errs, errors.New("graph: url required"))
	}
	if c.Scanner.PartialPass != "sweep" && c.Scanner.PartialPass != "skip" {
		errs = append(errs, fmt.Errorf("scanner: partial_pass must be sweep or skip (got %q)", c.Scanner.PartialPass))
	}
	if c.Scanner.Interval < time.Second {
		errs = append(errs, fmt.Errorf("scanner: interval must be at least 1s (got %s)", c.Scanner.Interval))
	}
	for typ, d := range c.Scanner.Intervals {
		if d < time.Second {
			errs = append(errs, fmt.Errorf("scanner: interval of %s must be at least 1s (got %s)", typ, d))
		}
	}
	if c.Scanner.Workers < 1 || c.Scanner.ControlWorkers < 1 {
		errs = append(errs, errors.New("scanner: workers and control_workers must be positive"))
	}
	if c.Scanner.LowWater < 0 || c.Scanner.LowWater >= 1 {
		errs = append(errs, fmt.Errorf("scanner: low_water must be in [0, 1) (got %v)", c.Scanner.LowWater))
	}
	if !c.AWS.Enabled && !c.DigitalOcean.Enabled {
		errs = append(errs, errors.New("at least one provider must be enabled"))
	}
	if c.AWS.Enabled && len(c.AWS.Regions) == 0 {
		errs = append(errs, errors.New("aws: at least one region required"))
	}
	if c.DigitalOcean.Enabled && c.DigitalOcean.Token == "" {
		errs = append(errs, fmt.Errorf("digitalocean: token required (set %s)", EnvDigitalOceanToken))
	}
	if len(c.Kubernetes.EKSClusters) > 0 && !c.AWS.Enabled {
		errs = append(errs, errors.New("kubernetes: eks_clusters require the aws provider"))
	}
	for i, cl := range c.Kubernetes.EKSClusters {
		if cl.Name == "" {
			errs = append(errs, fmt.Errorf("kubernetes: eks_clusters[%d] has no name", i))
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log: format must be auto, console or json (got %q)", c.Log.Format))
	}
	return errors.Join(errs...)
}
