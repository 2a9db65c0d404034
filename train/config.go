package train

import (
	"os"
	"time"

	"github.com/Arxtage/hyperpose/distributed"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the recognized configuration surface of a training run.
type Config struct {
	// Step budget and batch geometry.
	TotalStep int64 `yaml:"total_step"`
	BatchSize int   `yaml:"batch_size"`

	// Optimization.
	LRInit            float64 `yaml:"lr_init"`
	LRDecayFactor     float64 `yaml:"lr_decay_factor"`
	LRDecaySteps      []int64 `yaml:"lr_decay_steps"`
	WeightDecayFactor float64 `yaml:"weight_decay_factor"`
	Optimizer         string  `yaml:"optimizer"`

	// Reporting and persistence intervals, in steps.
	LogInterval  int64 `yaml:"log_interval"`
	VisInterval  int64 `yaml:"vis_interval"`
	SaveInterval int64 `yaml:"save_interval"`

	// SavePeriod optionally adds a wall-clock save cadence on top of
	// SaveInterval, as a duration string ("30m"). Empty disables it.
	SavePeriod string `yaml:"save_period"`

	// Paths.
	CheckpointDir string `yaml:"checkpoint_dir"`
	PretrainDir   string `yaml:"pretrain_dir"`
	VisDir        string `yaml:"vis_dir"`

	// Domain adaptation.
	DomainAdaptationEnabled bool `yaml:"domain_adaptation_enabled"`

	// Multi-worker mode.
	MultiWorkerSyncStrategy string `yaml:"multi_worker_sync_strategy"`

	// Tensor layout consumed by the model.
	ChannelOrder string `yaml:"channel_order"`

	// Pipeline tuning.
	ShuffleBuffer int   `yaml:"shuffle_buffer"`
	Prefetch      int   `yaml:"prefetch"`
	Parallelism   int   `yaml:"parallelism"`
	Jitter        bool  `yaml:"jitter"`
	Seed          int64 `yaml:"seed"`
}

// DefaultConfig returns the defaults every run starts from.
func DefaultConfig() Config {
	return Config{
		TotalStep:               1_000_000,
		BatchSize:               8,
		LRInit:                  1e-4,
		LRDecayFactor:           DefaultDecayFactor,
		WeightDecayFactor:       5e-4,
		Optimizer:               "adam",
		LogInterval:             100,
		VisInterval:             1000,
		SaveInterval:            5000,
		CheckpointDir:           "checkpoints",
		MultiWorkerSyncStrategy: distributed.SyncSGD.String(),
		ChannelOrder:            pose.ChannelsFirst.String(),
		ShuffleBuffer:           DefaultShuffleBuffer,
		Prefetch:                DefaultPrefetch,
		Jitter:                  true,
		Seed:                    1,
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return config, errors.WithMessagef(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(contents, &config); err != nil {
		return config, errors.WithMessagef(err, "parsing config %q", path)
	}
	return config, config.Validate()
}

// Validate rejects fatal misconfigurations: an unreachable step budget,
// non-positive intervals or unrecognized enum values.
func (c *Config) Validate() error {
	if c.TotalStep <= 0 {
		return errors.Errorf("total_step %d is unreachable", c.TotalStep)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("invalid batch_size %d", c.BatchSize)
	}
	if c.LRInit <= 0 {
		return errors.Errorf("invalid lr_init %g", c.LRInit)
	}
	if c.LRDecayFactor <= 0 || c.LRDecayFactor > 1 {
		return errors.Errorf("invalid lr_decay_factor %g", c.LRDecayFactor)
	}
	for _, interval := range []int64{c.LogInterval, c.VisInterval, c.SaveInterval} {
		if interval <= 0 {
			return errors.New("log_interval, vis_interval and save_interval must be positive")
		}
	}
	if _, err := c.SavePeriodDuration(); err != nil {
		return err
	}
	if c.CheckpointDir == "" {
		return errors.New("checkpoint_dir is required")
	}
	if _, err := distributed.ParseStrategy(c.MultiWorkerSyncStrategy); err != nil {
		return err
	}
	if _, err := c.Layout(); err != nil {
		return err
	}
	switch c.Optimizer {
	case "adam", "sgd":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	return nil
}

// SavePeriodDuration parses the save_period option. Zero means disabled.
func (c *Config) SavePeriodDuration() (time.Duration, error) {
	if c.SavePeriod == "" {
		return 0, nil
	}
	period, err := time.ParseDuration(c.SavePeriod)
	if err != nil || period <= 0 {
		return 0, errors.Errorf("invalid save_period %q", c.SavePeriod)
	}
	return period, nil
}

// Layout parses the channel_order option.
func (c *Config) Layout() (pose.ChannelOrder, error) {
	switch c.ChannelOrder {
	case pose.ChannelsFirst.String():
		return pose.ChannelsFirst, nil
	case pose.ChannelsLast.String():
		return pose.ChannelsLast, nil
	}
	return 0, errors.Errorf("unknown channel_order %q", c.ChannelOrder)
}

// Strategy parses the multi_worker_sync_strategy option.
func (c *Config) Strategy() (distributed.Strategy, error) {
	return distributed.ParseStrategy(c.MultiWorkerSyncStrategy)
}

// Schedule builds the learning-rate schedule of the run.
func (c *Config) Schedule() *DecaySchedule {
	return NewDecaySchedule(c.LRInit, c.LRDecayFactor, c.LRDecaySteps)
}
