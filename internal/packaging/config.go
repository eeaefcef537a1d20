// Package packaging writes the controller's systemd units and drop-ins and
// drives the service manager.
package packaging

import (
	"errors"
)

// Unit names owned by the controller.
const (
	// CgroupUnit recreates the classification group at boot.
	CgroupUnit = "splitwg-cgroup.service"
	// KillSwitchUnit loads the kill-switch chains before networking starts.
	KillSwitchUnit = "splitwg-killswitch.service"
)

// UnitConfig holds the paths used when generating and installing units.
// UnitConfig is passed as a constructor argument.
type UnitConfig struct {
	// UnitDir is where unit files and drop-in directories are written.
	// Default: /etc/systemd/system
	UnitDir string

	// BinaryPath is the installed controller binary referenced by ExecStart.
	// Default: /usr/local/bin/splitwg
	BinaryPath string

	// ConfigPath is the controller configuration passed to every invocation.
	// Default: /etc/splitwg/config.yaml
	ConfigPath string

	// DropInName is the file name of the protected service drop-in.
	// Default: splitwg.conf
	DropInName string
}

// DefaultUnitDir is the default unit directory.
const DefaultUnitDir = "/etc/systemd/system"

// DefaultBinaryPath is the default controller binary location.
const DefaultBinaryPath = "/usr/local/bin/splitwg"

// DefaultConfigPath is the default controller configuration file.
const DefaultConfigPath = "/etc/splitwg/config.yaml"

// DefaultDropInName is the default protected service drop-in name.
const DefaultDropInName = "splitwg.conf"

// ApplyDefaults sets default values for zero-valued fields.
func (c *UnitConfig) ApplyDefaults() {
	if c.UnitDir == "" {
		c.UnitDir = DefaultUnitDir
	}
	if c.BinaryPath == "" {
		c.BinaryPath = DefaultBinaryPath
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath
	}
	if c.DropInName == "" {
		c.DropInName = DefaultDropInName
	}
}

// Validate checks that required fields are set.
func (c *UnitConfig) Validate() error {
	if c.UnitDir == "" {
		return errors.New("packaging: config: UnitDir is required")
	}
	if c.BinaryPath == "" {
		return errors.New("packaging: config: BinaryPath is required")
	}
	if c.ConfigPath == "" {
		return errors.New("packaging: config: ConfigPath is required")
	}
	if c.DropInName == "" {
		return errors.New("packaging: config: DropInName is required")
	}
	return nil
}
