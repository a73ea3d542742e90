// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Config holds the processor's tunables. Zero values are replaced by
// defaults in applyDefaultsAndValidate.
type Config struct {
	// MaxConcurrentWrites bounds how many frame writes the frame builder may
	// have in flight against the durable log at once. Must be > 0. Default 1.
	MaxConcurrentWrites int `yaml:"max_concurrent_writes"`

	// MaxReadAtOnce bounds how many pending operations a single intake_queue
	// drain pulls per loop iteration. Must be > 0. Default 1000.
	MaxReadAtOnce int `yaml:"max_read_at_once"`

	// ShutdownTimeout is defaulted and loaded like the other fields
	// (default 10s), but Stop does not consult it: Stop's wait is bounded
	// only by the context passed to it, and on that context's expiry
	// operations still awaiting a frame commit are not failed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoadConfig reads a YAML config file into a Config with defaults applied.
// This is an alternative entry point to the functional Option pattern below;
// it produces the same Config type and neither is required to use the other.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("opstore: read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("opstore: parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentWrites <= 0 {
		c.MaxConcurrentWrites = 1
	}
	if c.MaxReadAtOnce <= 0 {
		c.MaxReadAtOnce = 1000
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Option mutates a Processor during construction. Options are applied in
// order, before validation.
type Option func(*Processor)

// WithConfig overrides the default Config wholesale. Zero fields are still
// defaulted by applyDefaultsAndValidate.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithLogger sets the structured logger used for all diagnostic output.
// Defaults to a no-op logger if never set.
func WithLogger(l log.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithRegisterer sets the prometheus registerer metrics are registered
// against. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Processor) { p.reg = reg }
}

// WithCheckpointPolicy overrides the default MetadataCheckpointPolicy.
func WithCheckpointPolicy(policy MetadataCheckpointPolicy) Option {
	return func(p *Processor) { p.checkpointPolicy = policy }
}

func (p *Processor) applyDefaultsAndValidate() error {
	p.cfg.applyDefaults()
	if p.logger == nil {
		p.logger = log.NewNopLogger()
	}
	if p.reg == nil {
		p.reg = prometheus.DefaultRegisterer
	}
	if p.cfg.MaxConcurrentWrites <= 0 {
		return fmt.Errorf("opstore: MaxConcurrentWrites must be > 0")
	}
	if p.cfg.MaxReadAtOnce <= 0 {
		return fmt.Errorf("opstore: MaxReadAtOnce must be > 0")
	}
	return nil
}
