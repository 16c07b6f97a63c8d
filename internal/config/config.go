package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mave-metrics/agent/internal/logging"
)

// DefaultSocketPath is used when no socket path is configured.
const DefaultSocketPath = "ws://localhost:3000/socket"

type Config struct {
	Collector  Collector      `yaml:"collector"`
	Normalizer Normalizer     `yaml:"normalizer"`
	Log        logging.Config `yaml:"log"`
}

type Collector struct {
	APIKey            string          `yaml:"api_key"`
	SocketPath        string          `yaml:"socket_path"`
	PushTimeout       time.Duration   `yaml:"push_timeout"`
	JoinTimeout       time.Duration   `yaml:"join_timeout"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	MaxPendingPushes  int             `yaml:"max_pending_pushes"`
	RetrySchedule     []time.Duration `yaml:"retry_schedule"`
	RetryCeiling      time.Duration   `yaml:"retry_ceiling"`
	// HealthThreshold is the number of consecutive push timeouts on a
	// channel before its delivery is reported as degraded.
	HealthThreshold int `yaml:"health_threshold"`
}

type Normalizer struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeMargin   time.Duration `yaml:"probe_margin"`
	// SeekThreshold is the position delta in seconds above which a jump is
	// treated as a pause followed by a play.
	SeekThreshold float64 `yaml:"seek_threshold"`
	// ZeroThreshold is the distance from zero in seconds under which a play
	// position is reported as 0.
	ZeroThreshold      float64 `yaml:"zero_threshold"`
	MinPauseReadyState int     `yaml:"min_pause_ready_state"`
	ListenSeeking      bool    `yaml:"listen_seeking"`
}

// Default returns the configuration used when no file is loaded.
func Default() *Config {
	return &Config{
		Collector: Collector{
			PushTimeout:       10 * time.Second,
			JoinTimeout:       10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxPendingPushes:  100,
			RetrySchedule:     []time.Duration{time.Second, 5 * time.Second, 10 * time.Second},
			RetryCeiling:      25 * time.Second,
			HealthThreshold:   3,
		},
		Normalizer: Normalizer{
			ProbeInterval:      50 * time.Millisecond,
			ProbeMargin:        20 * time.Millisecond,
			SeekThreshold:      0.5,
			ZeroThreshold:      0.1,
			MinPauseReadyState: 3,
			ListenSeeking:      true,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Collector.PushTimeout <= 0 {
		errs = append(errs, errors.New("collector.push_timeout must be positive"))
	}
	if c.Collector.JoinTimeout <= 0 {
		errs = append(errs, errors.New("collector.join_timeout must be positive"))
	}
	if c.Collector.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("collector.heartbeat_interval must be positive"))
	}
	if c.Collector.MaxPendingPushes < 0 {
		errs = append(errs, errors.New("collector.max_pending_pushes must not be negative"))
	}
	if c.Collector.RetryCeiling <= 0 {
		errs = append(errs, errors.New("collector.retry_ceiling must be positive"))
	}
	if c.Normalizer.ProbeInterval <= 0 {
		errs = append(errs, errors.New("normalizer.probe_interval must be positive"))
	}
	if c.Normalizer.ProbeMargin < 0 || c.Normalizer.ProbeMargin >= c.Normalizer.ProbeInterval {
		errs = append(errs, fmt.Errorf("normalizer.probe_margin %v must be in [0, probe_interval)", c.Normalizer.ProbeMargin))
	}
	if c.Normalizer.SeekThreshold < 0 {
		errs = append(errs, errors.New("normalizer.seek_threshold must not be negative"))
	}
	if c.Normalizer.ZeroThreshold < 0 {
		errs = append(errs, errors.New("normalizer.zero_threshold must not be negative"))
	}
	if c.Normalizer.MinPauseReadyState < 0 || c.Normalizer.MinPauseReadyState > 4 {
		errs = append(errs, errors.New("normalizer.min_pause_ready_state must be between 0 and 4"))
	}
	return errors.Join(errs...)
}

// RetryAfter returns the reconnect/rejoin delay for the given attempt
// (1-based): the schedule entry if there is one, the ceiling otherwise.
func (c Collector) RetryAfter(tries int) time.Duration {
	if tries >= 1 && tries <= len(c.RetrySchedule) {
		return c.RetrySchedule[tries-1]
	}
	return c.RetryCeiling
}
