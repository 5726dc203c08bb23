// Package config holds the transport tuning knobs. Everything has a
// working default; a YAML file only needs the fields it wants to change.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "250ms" or "30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all transport configuration.
type Config struct {
	// MaxPeers is how many joiners a host accepts. The platform layer
	// refuses connections beyond this, so a late joiner fails at connect
	// time rather than after subscribing.
	MaxPeers int `yaml:"max_peers"`

	// ConnectTimeout bounds the joiner's connect->subscribe sequence.
	// A connect attempt that neither succeeds nor fails inside this
	// window is treated as failed.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// ReassemblyTimeout is how long a partially reassembled packet is
	// kept before stale-fragment garbage collection discards it.
	ReassemblyTimeout Duration `yaml:"reassembly_timeout"`

	// InterFragmentDelay paces fragment writes of a single packet so the
	// local radio's outgoing buffer is not overrun. It is a throttle,
	// not a correctness requirement.
	InterFragmentDelay Duration `yaml:"inter_fragment_delay"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with working defaults: 4 peers, 10s connect
// timeout, 30s reassembly GC, 8ms fragment pacing.
func Default() *Config {
	return &Config{
		MaxPeers:           4,
		ConnectTimeout:     Duration(10 * time.Second),
		ReassemblyTimeout:  Duration(30 * time.Second),
		InterFragmentDelay: Duration(8 * time.Millisecond),
		LogLevel:           "info",
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = Default().MaxPeers
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = Default().ConnectTimeout
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = Default().ReassemblyTimeout
	}
	if cfg.InterFragmentDelay < 0 {
		cfg.InterFragmentDelay = Default().InterFragmentDelay
	}
	return cfg, nil
}
