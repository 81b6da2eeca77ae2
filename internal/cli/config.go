package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"valveautomation"
)

// Config is the valvectl configuration file.
type Config struct {
	AssignmentPath string        `yaml:"assignment_path"`
	LogDir         string        `yaml:"log_dir"`
	ValvePorts     []string      `yaml:"valve_ports"`
	BaudRate       int           `yaml:"baud_rate"`
	FrameFormat    string        `yaml:"frame_format"`
	Threshold      float64       `yaml:"threshold"`
	Timeout        time.Duration `yaml:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Simulation     SimConfig     `yaml:"simulation"`
}

// SimConfig shapes the simulated electrodes used by simulate.
type SimConfig struct {
	InitialPF      float64 `yaml:"initial_pf"`
	DrainPFPerRead float64 `yaml:"drain_pf_per_read"`
	FloorPF        float64 `yaml:"floor_pf"`
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AssignmentPath == "" {
		c.AssignmentPath = "electrode_assignment.csv"
	}
	if c.LogDir == "" {
		c.LogDir = "./logs"
	}
	if c.BaudRate == 0 {
		c.BaudRate = 115200
	}
	if c.FrameFormat == "" {
		c.FrameFormat = string(valveautomation.FrameTagged)
	}
	if c.Threshold == 0 {
		c.Threshold = valveautomation.DefaultThreshold
	}
	if c.Timeout == 0 {
		c.Timeout = valveautomation.DefaultTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = valveautomation.DefaultPollInterval
	}
	if c.Simulation.InitialPF == 0 {
		c.Simulation.InitialPF = 20
	}
	if c.Simulation.DrainPFPerRead == 0 {
		c.Simulation.DrainPFPerRead = 4
	}
	if c.Simulation.FloorPF == 0 {
		c.Simulation.FloorPF = 1
	}
}

func (c *Config) validate() error {
	if !valveautomation.FrameFormat(c.FrameFormat).Valid() {
		return fmt.Errorf("frame_format must be %q or %q, got %q",
			valveautomation.FrameTagged, valveautomation.FrameLegacy, c.FrameFormat)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	if c.Timeout < 0 || c.PollInterval < 0 {
		return fmt.Errorf("timeout and poll_interval must not be negative")
	}
	if c.BaudRate < 0 {
		return fmt.Errorf("baud_rate must not be negative")
	}
	return nil
}

func (c *Config) sessionConfig() valveautomation.SessionConfig {
	return valveautomation.SessionConfig{
		Threshold:    c.Threshold,
		Timeout:      c.Timeout,
		PollInterval: c.PollInterval,
	}
}

// candidatePorts returns the configured ports, or every discovered one.
func (c *Config) candidatePorts() ([]string, error) {
	if len(c.ValvePorts) > 0 {
		return c.ValvePorts, nil
	}
	return valveautomation.DiscoverPorts()
}
