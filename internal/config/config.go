// Package config defines the tunable parameters of a bound socket and the
// ways they can be produced: hardcoded defaults, a generic map (the shape an
// embedding application's flag/env parser naturally produces), or a YAML
// file on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized tuning knob, all optional, all defaulted.
type Config struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	HeartbeatGood   time.Duration `mapstructure:"heartbeat_good" yaml:"heartbeat_good"`
	HeartbeatBad    time.Duration `mapstructure:"heartbeat_bad" yaml:"heartbeat_bad"`
	RTTThreshold    time.Duration `mapstructure:"rtt_threshold" yaml:"rtt_threshold"`
	RTTThresholdDur time.Duration `mapstructure:"rtt_threshold_duration" yaml:"rtt_threshold_duration"`
	RTOMin          time.Duration `mapstructure:"rto_min" yaml:"rto_min"`
	RTOMax          time.Duration `mapstructure:"rto_max" yaml:"rto_max"`
	MaxFragments    int           `mapstructure:"max_fragments" yaml:"max_fragments"`
	FragmentSize    int           `mapstructure:"fragment_size" yaml:"fragment_size"`
	MaxUnestablished int          `mapstructure:"max_unestablished_connections" yaml:"max_unestablished_connections"`
	MaxPacketsInFlight int        `mapstructure:"max_packets_in_flight" yaml:"max_packets_in_flight"`
	ReceiveBufferMaxSize int      `mapstructure:"receive_buffer_max_size" yaml:"receive_buffer_max_size"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	TickInterval    time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	EventQueueCapacity    int     `mapstructure:"event_queue_capacity" yaml:"event_queue_capacity"`
	OutboundQueueCapacity int     `mapstructure:"outbound_queue_capacity" yaml:"outbound_queue_capacity"`
	OrderBufferCap  int           `mapstructure:"order_buffer_cap" yaml:"order_buffer_cap"`
}

// FieldError reports an out-of-range config field, mirroring the
// field/message/value shape of a hand-validated settings struct.
type FieldError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e FieldError) Error() string {
	return fmt.Sprintf("config: field %q %s (value: %v)", e.Field, e.Message, e.Value)
}

// Default returns the configuration described in SPEC_FULL.md §6.
func Default() *Config {
	return &Config{
		IdleTimeout:          5 * time.Second,
		HeartbeatGood:        25 * time.Millisecond,
		HeartbeatBad:         200 * time.Millisecond,
		RTTThreshold:         250 * time.Millisecond,
		RTTThresholdDur:      1 * time.Second,
		RTOMin:               100 * time.Millisecond,
		RTOMax:               1 * time.Second,
		MaxFragments:         255,
		FragmentSize:         1450,
		MaxUnestablished:     50,
		MaxPacketsInFlight:   1024,
		ReceiveBufferMaxSize: 1500,
		MaxConnections:       128,
		TickInterval:         5 * time.Millisecond,
		EventQueueCapacity:    1024,
		OutboundQueueCapacity: 1024,
		OrderBufferCap:        1024,
	}
}

// FromMap overlays values decoded from a generic map (e.g. parsed flags or
// environment variables collected by the embedding application) onto the
// defaults. Unknown keys are ignored; recognized keys overwrite the default.
func FromMap(m map[string]interface{}) (*Config, error) {
	cfg := Default()
	if len(m) == 0 {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("config: decode map: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML reads and decodes a YAML config file on top of the defaults.
func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the engine's invariants
// impossible to satisfy.
func (c *Config) Validate() error {
	switch {
	case c.IdleTimeout <= 0:
		return FieldError{"idle_timeout", "must be positive", c.IdleTimeout}
	case c.HeartbeatGood <= 0 || c.HeartbeatBad <= 0:
		return FieldError{"heartbeat_good/heartbeat_bad", "must be positive", nil}
	case c.RTOMin <= 0 || c.RTOMax < c.RTOMin:
		return FieldError{"rto_min/rto_max", "rto_max must be >= rto_min > 0", nil}
	case c.MaxFragments <= 0 || c.MaxFragments > 255:
		return FieldError{"max_fragments", "must be in (0, 255]", c.MaxFragments}
	case c.FragmentSize <= 0:
		return FieldError{"fragment_size", "must be positive", c.FragmentSize}
	case c.MaxConnections <= 0:
		return FieldError{"max_connections", "must be positive", c.MaxConnections}
	case c.MaxUnestablished <= 0 || c.MaxUnestablished > c.MaxConnections:
		return FieldError{"max_unestablished_connections", "must be positive and <= max_connections", c.MaxUnestablished}
	case c.MaxPacketsInFlight <= 0:
		return FieldError{"max_packets_in_flight", "must be positive", c.MaxPacketsInFlight}
	case c.TickInterval <= 0 || c.TickInterval > 5*time.Millisecond:
		return FieldError{"tick_interval", "must be in (0, 5ms]", c.TickInterval}
	case c.OrderBufferCap <= 0:
		return FieldError{"order_buffer_cap", "must be positive", c.OrderBufferCap}
	}
	return nil
}

// MaxPayload is the largest application message OutboundQueue will accept,
// per SPEC_FULL.md §6.
func (c *Config) MaxPayload() int {
	return c.FragmentSize * c.MaxFragments
}

// ReassemblyTimeout is the per-entry deadline for stuck fragment reassembly,
// 5x rto_max per the design notes.
func (c *Config) ReassemblyTimeout() time.Duration {
	return 5 * c.RTOMax
}
