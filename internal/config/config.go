// Package config loads and watches the dgpud daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPath is the daemon configuration file.
const DefaultPath = "/etc/dgpud/dgpud.toml"

// Duration is a time.Duration that unmarshals from strings like "30s" or
// "3m", or from plain integer seconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: must be like '30s', '3m' or integer seconds: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// HotplugType selects how the dGPU is powered off in integrated mode.
type HotplugType string

const (
	// HotplugNone manages the device only through the PCI device tree.
	HotplugNone HotplugType = "none"
	// HotplugStd uses the kernel hotplug slot power control.
	HotplugStd HotplugType = "std"
	// HotplugAsus uses the ASUS dgpu_disable ACPI control.
	HotplugAsus HotplugType = "asus"
)

// Config is the daemon configuration loaded from /etc/dgpud/dgpud.toml.
type Config struct {
	Switch SwitchConfig `toml:"switch"`
	Vfio   VfioConfig   `toml:"vfio"`
}

// SwitchConfig controls mode-switch behavior.
type SwitchConfig struct {
	// AlwaysReboot makes every switch take effect on next boot instead of
	// live-switching.
	AlwaysReboot bool `toml:"always_reboot"`
	// NoLogind disables the session guard entirely. Only for systems
	// without logind; disruptive switches run unguarded.
	NoLogind bool `toml:"no_logind"`
	// LogoutTimeout bounds how long a deferred switch waits for sessions to
	// end before giving up. 0 waits forever.
	LogoutTimeout Duration `toml:"logout_timeout"`
	// HotplugType selects the power-off mechanism for integrated mode.
	HotplugType HotplugType `toml:"hotplug_type"`
}

// VfioConfig controls VFIO passthrough support.
type VfioConfig struct {
	// Enable makes the vfio mode available. Requires the vfio drivers to be
	// built as modules.
	Enable bool `toml:"enable"`
	// SaveOnBoot reapplies vfio mode on the next boot instead of falling
	// back to the previous mode.
	SaveOnBoot bool `toml:"save_on_boot"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Switch: SwitchConfig{
			AlwaysReboot:  false,
			NoLogind:      false,
			LogoutTimeout: Duration(3 * time.Minute),
			HotplugType:   HotplugNone,
		},
		Vfio: VfioConfig{
			Enable:     false,
			SaveOnBoot: false,
		},
	}
}

// Load reads the configuration from the given path. A missing file returns
// the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Start with defaults, then overlay with file contents.
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration atomically via a temporary file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Switch.HotplugType {
	case HotplugNone, HotplugStd, HotplugAsus:
	default:
		return fmt.Errorf("invalid hotplug_type %q, must be none, std or asus", c.Switch.HotplugType)
	}
	if c.Switch.LogoutTimeout.Duration() < 0 {
		return fmt.Errorf("logout_timeout must not be negative")
	}
	return nil
}
