// Package config holds the arclog configuration and its yaml loader.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type (
	// Config holds the full arclog configuration.
	Config struct {
		LogLevel string  `yaml:"log_level"`
		Storage  Storage `yaml:"storage"`
		Metrics  Metrics `yaml:"metrics"`
	}

	// Storage holds the storage engine configuration.
	Storage struct {
		Directory    string `yaml:"directory"`
		SegmentBytes int64  `yaml:"segment_bytes"`
		Compaction   bool   `yaml:"compaction"`
		// CompactionInterval is a duration string, e.g. "30s"
		CompactionInterval string `yaml:"compaction_interval"`
		CompactionMode     string `yaml:"compaction_mode"`
	}

	// Metrics holds the prometheus exporter configuration.
	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	}
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage: Storage{
			Directory:          "./data",
			SegmentBytes:       1 << 22,
			Compaction:         true,
			CompactionInterval: "30s",
			CompactionMode:     "sequential",
		},
		Metrics: Metrics{
			Enabled: false,
			Port:    9100,
		},
	}
}

// Load reads a yaml configuration from path, applying defaults for any
// fields the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file: %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse config file: %s", path)
	}

	return cfg, nil
}

// Interval parses the storage section's compaction interval.
func (s Storage) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(s.CompactionInterval)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid compaction interval %+q", s.CompactionInterval)
	}

	return d, nil
}
