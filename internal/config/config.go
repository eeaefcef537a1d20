// Package config holds the controller configuration and the immutable
// policy value shared by the routing, classification and filter components.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFWMark is the packet mark selecting the policy routing table.
	DefaultFWMark uint32 = 0x11

	// DefaultTable is the policy routing table ID.
	DefaultTable = 211

	// DefaultClassTag is the net_cls class ID of the classification group.
	DefaultClassTag uint32 = 0x00110011

	// DefaultGroupName is the classification group (cgroup) name.
	DefaultGroupName = "splitwg"

	// DefaultTunnelInterface is the WireGuard interface name.
	DefaultTunnelInterface = "wg0"

	// DefaultServicePort is the protected service's inbound port.
	DefaultServicePort = 9735

	// DefaultPath is the controller configuration file.
	DefaultPath = "/etc/splitwg/config.yaml"

	// DefaultStateDir holds the install state record and config backups.
	DefaultStateDir = "/var/lib/splitwg"

	// DefaultUnitDir is where unit files and drop-ins are written.
	DefaultUnitDir = "/etc/systemd/system"

	// DefaultBinaryPath is the controller binary referenced by hooks and units.
	DefaultBinaryPath = "/usr/local/bin/splitwg"

	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultSettleDelay is how long the classifier waits for the protected
	// process to settle into its final PID before attaching it.
	DefaultSettleDelay = 3 * time.Second

	// DefaultServiceWait bounds the wait for a service to report active.
	DefaultServiceWait = 30 * time.Second

	// DefaultProbeTimeout bounds network reachability probes.
	DefaultProbeTimeout = 5 * time.Second
)

var ifaceNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,15}$`)

// Policy is the immutable set of values the routing manager, classifier and
// filter rule set must agree on. It is passed by value into every component
// constructor.
type Policy struct {
	FWMark          uint32
	Table           int
	ClassTag        uint32
	GroupName       string
	TunnelInterface string
	ServicePort     uint16
}

// Validate checks that the policy values are usable.
func (p Policy) Validate() error {
	if p.FWMark == 0 {
		return errors.New("config: policy: fwmark must be non-zero")
	}
	if p.Table <= 0 || (p.Table >= 252 && p.Table <= 255) {
		return fmt.Errorf("config: policy: table %d is reserved or invalid", p.Table)
	}
	if p.ClassTag == 0 {
		return errors.New("config: policy: class tag must be non-zero")
	}
	if !ifaceNameRE.MatchString(p.GroupName) {
		return fmt.Errorf("config: policy: invalid group name %q", p.GroupName)
	}
	if !ifaceNameRE.MatchString(p.TunnelInterface) {
		return fmt.Errorf("config: policy: invalid tunnel interface %q", p.TunnelInterface)
	}
	if p.ServicePort == 0 {
		return errors.New("config: policy: service port must be non-zero")
	}
	return nil
}

// TunnelUnit returns the service-manager unit controlling the tunnel.
func (p Policy) TunnelUnit() string {
	return "wg-quick@" + p.TunnelInterface + ".service"
}

// Legacy lists artifact names created by earlier controller versions. They
// are stopped and removed before a reinstall.
type Legacy struct {
	Units       []string `yaml:"units"`
	Tables      []string `yaml:"nft_tables"`
	DropIns     []string `yaml:"drop_ins"`
	RouteTables []int    `yaml:"route_tables"`
}

// Config is the controller configuration, populated from a YAML file via
// Parse.
type Config struct {
	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// FWMark is the packet mark. Default: 0x11
	FWMark uint32 `yaml:"fwmark"`

	// Table is the policy routing table. Default: 211
	Table int `yaml:"table"`

	// ClassTag is the net_cls class ID. Default: 0x00110011
	ClassTag uint32 `yaml:"class_tag"`

	// GroupName is the classification group name. Default: splitwg
	GroupName string `yaml:"group_name"`

	// TunnelInterface is the WireGuard interface. Default: wg0
	TunnelInterface string `yaml:"tunnel_interface"`

	// ServicePort is the protected service port allowed inbound on the
	// tunnel. Default: 9735
	ServicePort uint16 `yaml:"service_port"`

	// StateDir holds the install state and backups. Default: /var/lib/splitwg
	StateDir string `yaml:"state_dir"`

	// UnitDir receives unit files and drop-ins. Default: /etc/systemd/system
	UnitDir string `yaml:"unit_dir"`

	// BinaryPath is the controller binary invoked by hooks and units.
	// Default: /usr/local/bin/splitwg
	BinaryPath string `yaml:"binary_path"`

	// SettleDelay is the wait before attaching a fresh PID. Default: 3s
	SettleDelay time.Duration `yaml:"settle_delay"`

	// ServiceWait bounds waiting for a unit to become active. Default: 30s
	ServiceWait time.Duration `yaml:"service_wait"`

	// ProbeTimeout bounds reachability probes. Default: 5s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Legacy names artifacts of earlier versions removed on reinstall.
	Legacy Legacy `yaml:"legacy"`
}

// DefaultLegacy returns the artifact names used by earlier releases.
func DefaultLegacy() Legacy {
	return Legacy{
		Units:       []string{"splitwg-splitting.service", "splitwg-nftables.service"},
		Tables:      []string{"splitwg-killswitch", "splitwg-mark"},
		DropIns:     []string{"splitwg-legacy.conf"},
		RouteTables: []int{51820},
	}
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.FWMark == 0 {
		c.FWMark = DefaultFWMark
	}
	if c.Table == 0 {
		c.Table = DefaultTable
	}
	if c.ClassTag == 0 {
		c.ClassTag = DefaultClassTag
	}
	if c.GroupName == "" {
		c.GroupName = DefaultGroupName
	}
	if c.TunnelInterface == "" {
		c.TunnelInterface = DefaultTunnelInterface
	}
	if c.ServicePort == 0 {
		c.ServicePort = DefaultServicePort
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.UnitDir == "" {
		c.UnitDir = DefaultUnitDir
	}
	if c.BinaryPath == "" {
		c.BinaryPath = DefaultBinaryPath
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.ServiceWait == 0 {
		c.ServiceWait = DefaultServiceWait
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if len(c.Legacy.Units) == 0 && len(c.Legacy.Tables) == 0 && len(c.Legacy.DropIns) == 0 && len(c.Legacy.RouteTables) == 0 {
		c.Legacy = DefaultLegacy()
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.LogLevel)
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if c.StateDir == "" {
		return errors.New("config: StateDir is required")
	}
	if c.UnitDir == "" {
		return errors.New("config: UnitDir is required")
	}
	if c.BinaryPath == "" {
		return errors.New("config: BinaryPath is required")
	}
	if c.SettleDelay < 0 || c.ServiceWait < 0 || c.ProbeTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	for _, t := range c.Legacy.RouteTables {
		if t == c.Table {
			return fmt.Errorf("config: legacy route table %d equals the active table", t)
		}
	}
	return nil
}

// Policy returns the immutable policy value derived from the configuration.
func (c *Config) Policy() Policy {
	return Policy{
		FWMark:          c.FWMark,
		Table:           c.Table,
		ClassTag:        c.ClassTag,
		GroupName:       c.GroupName,
		TunnelInterface: c.TunnelInterface,
		ServicePort:     c.ServicePort,
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// Parse reads a YAML configuration file, applies defaults and validates it.
// A missing file yields the defaults.
func Parse(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return append([]byte("# splitwg controller configuration\n"), data...), nil
}
