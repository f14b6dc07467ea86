package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oblq/gpufan/modules/cli"
	"github.com/oblq/gpufan/modules/ipmi"
)

const configFileName = "gpufan.yaml"

const (
	sensorNVML = "nvml"
	sensorCli  = "cli"
)

var ErrInvalidConfig = errors.New("invalid config")

type SensorConfig struct {
	// Type is the temperature source: `nvml` or `cli`.
	Type string `yaml:"type"`

	// Timeout bounds a single read of all the GPUs, in seconds.
	Timeout int `yaml:"timeout"`

	// Cmd is the command used by the `cli` sensor,
	// it must print one temperature per line.
	Cmd string `yaml:"cmd"`
}

type Config struct {
	// CheckInterval is the time between checks, in seconds.
	CheckInterval int `yaml:"check_interval"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Sensor SensorConfig  `yaml:"sensor"`
	IPMI   ipmi.Config   `yaml:"ipmi"`
	Policy ThermalPolicy `yaml:"policy"`
}

func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 10,
		LogLevel:      "info",
		Sensor: SensorConfig{
			Type:    sensorNVML,
			Timeout: 5,
			Cmd:     cli.DefaultCmd,
		},
		IPMI: ipmi.Config{
			Tool:      "ipmitool",
			Interface: "lanplus",
			Timeout:   10,
		},
		Policy: ThermalPolicy{
			HighThreshold: 70,
			LowThreshold:  45,
			Hysteresis:    5,
			HighSpeed:     0x32, // 50%
			LowSpeed:      0x15, // 21%
		},
	}
}

// LoadConfig read `gpufan.yaml` from dir over the defaults.
// A missing file is not an error, found is false and the defaults are returned.
func LoadConfig(dir string) (config *Config, found bool, err error) {
	config = DefaultConfig()

	configPath := filepath.Join(dir, configFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, false, nil
		}
		return nil, false, err
	}

	if err = yaml.Unmarshal(data, config); err != nil {
		return nil, true, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	return config, true, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("check_interval (%d) must be positive", c.CheckInterval))
	}

	switch c.Sensor.Type {
	case sensorNVML, sensorCli:
	default:
		errs = append(errs, fmt.Errorf("unknown sensor type %q, must be %q or %q", c.Sensor.Type, sensorNVML, sensorCli))
	}
	if c.Sensor.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sensor timeout (%d) must be positive", c.Sensor.Timeout))
	}

	if c.IPMI.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("ipmi timeout (%d) must be positive", c.IPMI.Timeout))
	}
	if c.IPMI.Host != "" && c.IPMI.Username == "" {
		errs = append(errs, fmt.Errorf("ipmi username is required for host %s", c.IPMI.Host))
	}

	if err := c.Policy.validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) interval() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

func (c *Config) sensorTimeout() time.Duration {
	return time.Duration(c.Sensor.Timeout) * time.Second
}
