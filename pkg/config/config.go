package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "10s" or "1m30s" in YAML
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full dynsched configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Sidecar    SidecarConfig    `yaml:"sidecar"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Storage    StorageConfig    `yaml:"storage"`
	Volumes    VolumesConfig    `yaml:"volumes"`
	API        APIConfig        `yaml:"api"`
	Events     EventsConfig     `yaml:"events"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SchedulerConfig controls the observation loops
type SchedulerConfig struct {
	Interval                     Duration `yaml:"interval"`
	PendingVolumeRemovalInterval Duration `yaml:"pending_volume_removal_interval"`
	ShutdownTimeout              Duration `yaml:"shutdown_timeout"`
	Enabled                      bool     `yaml:"enabled"`
}

// SidecarConfig controls how sidecars are created and talked to
type SidecarConfig struct {
	Image                  string   `yaml:"image"`
	ProxyImage             string   `yaml:"proxy_image"`
	Port                   int      `yaml:"port"`
	RequestTimeout         Duration `yaml:"request_timeout"`
	Retries                int      `yaml:"retries"`
	HealthFailureThreshold int      `yaml:"health_failure_threshold"`
	StartupTimeout         Duration `yaml:"startup_timeout"`
	StopGracePeriod        Duration `yaml:"stop_grace_period"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type VolumesConfig struct {
	BasePath string `yaml:"base_path"`
}

type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// EventsConfig configures the NATS forwarder. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			Interval:                     Duration(5 * time.Second),
			PendingVolumeRemovalInterval: Duration(30 * time.Minute),
			ShutdownTimeout:              Duration(5 * time.Second),
			Enabled:                      true,
		},
		Sidecar: SidecarConfig{
			Image:                  "docker.io/itisfoundation/dynamic-sidecar:latest",
			Port:                   8000,
			RequestTimeout:         Duration(15 * time.Second),
			Retries:                3,
			HealthFailureThreshold: 3,
			StartupTimeout:         Duration(5 * time.Minute),
			StopGracePeriod:        Duration(10 * time.Second),
		},
		Containerd: ContainerdConfig{
			Socket:    "/run/containerd/containerd.sock",
			Namespace: "dynsched",
		},
		Storage: StorageConfig{DataDir: "/var/lib/dynsched"},
		Volumes: VolumesConfig{BasePath: "/var/lib/dynsched/volumes"},
		API: APIConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":9091",
		},
		Events: EventsConfig{SubjectPrefix: "dynsched"},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the scheduler misbehave
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.PendingVolumeRemovalInterval <= 0 {
		errs = append(errs, errors.New("scheduler.pending_volume_removal_interval must be positive"))
	}
	if c.Scheduler.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.shutdown_timeout must be positive"))
	}
	if c.Sidecar.Port <= 0 || c.Sidecar.Port > 65535 {
		errs = append(errs, fmt.Errorf("sidecar.port %d out of range", c.Sidecar.Port))
	}
	if c.Sidecar.Retries < 1 {
		errs = append(errs, errors.New("sidecar.retries must be at least 1"))
	}
	if c.Sidecar.HealthFailureThreshold < 1 {
		errs = append(errs, errors.New("sidecar.health_failure_threshold must be at least 1"))
	}
	if c.Sidecar.StartupTimeout <= 0 {
		errs = append(errs, errors.New("sidecar.startup_timeout must be positive"))
	}
	if _, err := name.ParseReference(c.Sidecar.Image, name.StrictValidation); err != nil {
		errs = append(errs, fmt.Errorf("sidecar.image: %w", err))
	}
	if c.Sidecar.ProxyImage != "" {
		if _, err := name.ParseReference(c.Sidecar.ProxyImage, name.StrictValidation); err != nil {
			errs = append(errs, fmt.Errorf("sidecar.proxy_image: %w", err))
		}
	}
	if c.Containerd.Namespace == "" {
		errs = append(errs, errors.New("containerd.namespace is required"))
	}

	return errors.Join(errs...)
}
