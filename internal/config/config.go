// Package config loads a node's static configuration: its own id, the
// address to listen on, the peer mesh it should dial, and the tunables for
// the measurement loop and delay logs.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is one verifier's or client's run configuration.
type Config struct {
	SelfID      string            `yaml:"self_id"`
	ListenAddr  string            `yaml:"listen_addr"`
	Peers       map[string]string `yaml:"peers"`
	Iterations  int               `yaml:"iterations"`
	SettleDelay time.Duration     `yaml:"settle_delay"`
	MPLogPath   string            `yaml:"mp_log_path"`
	AVLogPath   string            `yaml:"av_log_path"`
	MetricsAddr string            `yaml:"metrics_addr"`
}

// ReadConfig loads and validates Config from a YAML file at path.
func ReadConfig(path string) (*Config, error) {
	c := &Config{
		Iterations:  10,
		SettleDelay: time.Second,
		MPLogPath:   "delays_mp.json",
		AVLogPath:   "delays_av.json",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks the fields every node needs regardless of role.
// listen_addr is only required of a verifier (a client never binds a
// listener) so it is not enforced here; cmd/cpv-verifier checks it itself
// before calling supervisor.Start.
func (c *Config) validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("config: self_id is required")
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("config: iterations must be positive, got %d", c.Iterations)
	}
	return nil
}
