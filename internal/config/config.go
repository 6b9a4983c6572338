// Package config handles configuration loading and validation for blocksync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blocksync/blocksync/pkg/bytesize"
)

// NodeConfig holds configuration for one blocksync node.
type NodeConfig struct {
	MetricsListen string         `yaml:"metrics_listen"` // Prometheus endpoint (default: ":9618")
	LogLevel      string         `yaml:"log_level"`      // zerolog level (default: "info")
	Helper        string         `yaml:"helper"`         // external hook command (optional)
	Devices       []DeviceConfig `yaml:"devices"`
}

// DeviceConfig holds configuration for one replicated device.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Backing string `yaml:"backing"` // path to the backing file or block device
	Mirror  string `yaml:"mirror"`  // path to the replica's backing file

	BlockSize     string `yaml:"block_size"`      // size string, e.g. "4KB" (default)
	MaxExtentSize string `yaml:"max_extent_size"` // merged request cap (default: "128KB")
	SyncRate      string `yaml:"sync_rate"`       // rate string, e.g. "250KB/s" or "10mbps"
	RunAfter      string `yaml:"run_after"`       // device whose resync this one runs after
	Checksums     bool   `yaml:"checksums"`       // checksum-based resync
	Tick          string `yaml:"tick"`            // generator tick, duration string (default: "100ms")
}

// Load loads node configuration from a YAML file and applies defaults.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.MetricsListen == "" {
		cfg.MetricsListen = ":9618"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.BlockSize == "" {
			d.BlockSize = "4KB"
		}
		if d.MaxExtentSize == "" {
			d.MaxExtentSize = "128KB"
		}
		if d.SyncRate == "" {
			d.SyncRate = "250KB/s"
		}
		if d.Tick == "" {
			d.Tick = "100ms"
		}
		// Expand home directory in backing paths
		for _, p := range []*string{&d.Backing, &d.Mirror} {
			if strings.HasPrefix(*p, "~/") {
				homeDir, err := os.UserHomeDir()
				if err == nil {
					*p = filepath.Join(homeDir, (*p)[2:])
				}
			}
		}
	}

	return cfg, nil
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.RunAfter != "" && !seen[d.RunAfter] {
			return fmt.Errorf("device %q: run_after references unknown device %q", d.Name, d.RunAfter)
		}
		if d.RunAfter == d.Name {
			return fmt.Errorf("device %q: run_after must not reference itself", d.Name)
		}
	}
	return nil
}

// Validate checks if the device configuration is valid.
func (c *DeviceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Backing == "" {
		return fmt.Errorf("backing is required")
	}
	if c.Mirror == "" {
		return fmt.Errorf("mirror is required")
	}
	if c.Mirror == c.Backing {
		return fmt.Errorf("mirror must differ from backing")
	}
	bs, err := c.BlockSizeBytes()
	if err != nil {
		return err
	}
	if bs < 512 || bs&(bs-1) != 0 {
		return fmt.Errorf("block_size must be a power of two and at least 512 bytes")
	}
	mx, err := c.MaxExtentSizeBytes()
	if err != nil {
		return err
	}
	if mx < bs {
		return fmt.Errorf("max_extent_size must be at least one block")
	}
	if _, err := c.SyncRateBytes(); err != nil {
		return err
	}
	if _, err := c.TickDuration(); err != nil {
		return err
	}
	return nil
}

// BlockSizeBytes returns the parsed block size.
func (c *DeviceConfig) BlockSizeBytes() (int64, error) {
	v, err := bytesize.Parse(c.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("invalid block_size: %w", err)
	}
	return v, nil
}

// MaxExtentSizeBytes returns the parsed merged-request cap.
func (c *DeviceConfig) MaxExtentSizeBytes() (int64, error) {
	v, err := bytesize.Parse(c.MaxExtentSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_extent_size: %w", err)
	}
	return v, nil
}

// SyncRateBytes returns the parsed resync rate in bytes per second.
func (c *DeviceConfig) SyncRateBytes() (int64, error) {
	v, err := bytesize.ParseRate(c.SyncRate)
	if err != nil {
		return 0, fmt.Errorf("invalid sync_rate: %w", err)
	}
	return v, nil
}

// TickDuration returns the parsed generator tick.
func (c *DeviceConfig) TickDuration() (time.Duration, error) {
	v, err := time.ParseDuration(c.Tick)
	if err != nil {
		return 0, fmt.Errorf("invalid tick: %w", err)
	}
	if v < time.Millisecond {
		return 0, fmt.Errorf("tick must be at least 1ms")
	}
	return v, nil
}
