// Package config holds the attach configuration of the probe.
package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Bounds enforced by Validate.
const (
	MinRingSize   = 11
	MaxRingSize   = 4095
	MinQueueLimit = 1
	MaxQueueLimit = 1000
	MaxFlushEvery = 65535
)

// targets maps a supported queue discipline to the kernel symbol intercepted for it.
var targets = map[string]string{
	"pfifo": "pfifo_enqueue",
	"bfifo": "bfifo_enqueue",
}

// Config holds the attach configuration. Values come from AQMPROBE_* environment
// variables and are then overridden by command-line flags.
type Config struct {
	// Target is the queue discipline to observe.
	Target string `env:"AQMPROBE_TARGET" envDefault:"pfifo"`
	// MaxActive bounds the number of concurrently in-flight intercepted calls.
	MaxActive int `env:"AQMPROBE_MAX_ACTIVE" envDefault:"64"`
	// RingSize is the requested slot count; it is rounded up to a power of two.
	RingSize int `env:"AQMPROBE_RING_SIZE" envDefault:"1024"`
	// QueueLimit is the expected queue capacity and the snapshot length bound.
	QueueLimit int `env:"AQMPROBE_QUEUE_LIMIT" envDefault:"1000"`
	// FlushEvery forces a read to return after that many records. Zero disables it.
	FlushEvery int `env:"AQMPROBE_FLUSH_EVERY" envDefault:"1024"`
	// SelfCorrect adopts an observed queue capacity that differs from QueueLimit.
	SelfCorrect bool `env:"AQMPROBE_SELF_CORRECT" envDefault:"true"`
	// Snapshot captures the queue contents on drops.
	Snapshot bool `env:"AQMPROBE_SNAPSHOT" envDefault:"true"`
	// Filter selects the observed units. Empty matches everything.
	Filter string `env:"AQMPROBE_FILTER" envDefault:"proto == 6"`
	// MemoryLimit bounds the ring allocation in bytes.
	MemoryLimit int64 `env:"AQMPROBE_MEMORY_LIMIT" envDefault:"268435456"`

	Socket    string `env:"AQMPROBE_SOCKET" envDefault:"/run/aqmprobe.sock"`
	BPFObject string `env:"AQMPROBE_BPF_OBJECT" envDefault:"/usr/lib/aqmprobe/aqmprobe.bpf.o"`
	LogLevel  string `env:"AQMPROBE_LOG_LEVEL" envDefault:"info"`
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks every field against its supported range.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := targets[c.Target]; !ok {
		errs = append(errs, fmt.Errorf("%w: unknown target %q (supported: %v)", ErrInvalid, c.Target, Targets()))
	}
	if c.MaxActive < 1 {
		errs = append(errs, fmt.Errorf("%w: max active invocations must be 1 or greater, got %d", ErrInvalid, c.MaxActive))
	}
	if c.RingSize < MinRingSize || c.RingSize > MaxRingSize {
		errs = append(errs, fmt.Errorf("%w: ring size must be in range [%d-%d], got %d", ErrInvalid, MinRingSize, MaxRingSize, c.RingSize))
	}
	if c.QueueLimit < MinQueueLimit || c.QueueLimit > MaxQueueLimit {
		errs = append(errs, fmt.Errorf("%w: queue limit must be in range [%d-%d], got %d", ErrInvalid, MinQueueLimit, MaxQueueLimit, c.QueueLimit))
	}
	if c.FlushEvery < 0 || c.FlushEvery > MaxFlushEvery {
		errs = append(errs, fmt.Errorf("%w: flush cadence must be 0 or in range [1-%d], got %d", ErrInvalid, MaxFlushEvery, c.FlushEvery))
	}
	if c.MemoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: memory limit must be positive, got %d", ErrInvalid, c.MemoryLimit))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	return errors.Join(errs...)
}

// Symbol returns the kernel symbol intercepted for the configured target.
func (c *Config) Symbol() string {
	return targets[c.Target]
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Targets lists the supported target names.
func Targets() []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
