package packaging

import (
	"io"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// CgroupUnitOptions describes the oneshot unit recreating the
// classification group at boot.
func CgroupUnitOptions(cfg UnitConfig) []*unit.UnitOption {
	cfg.ApplyDefaults()
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "splitwg classification group"),
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		unit.NewUnitOption("Unit", "After", "local-fs.target"),
		unit.NewUnitOption("Unit", "Before", "network-pre.target "+KillSwitchUnit),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
		unit.NewUnitOption("Service", "ExecStart", execLine(cfg, "classify", "ensure")),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
}

// KillSwitchUnitOptions describes the oneshot unit loading the kill-switch
// chains before any network interface is configured.
func KillSwitchUnitOptions(cfg UnitConfig) []*unit.UnitOption {
	cfg.ApplyDefaults()
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "splitwg kill-switch"),
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		unit.NewUnitOption("Unit", "Requires", CgroupUnit),
		unit.NewUnitOption("Unit", "After", CgroupUnit),
		unit.NewUnitOption("Unit", "Before", "network-pre.target"),
		unit.NewUnitOption("Unit", "Wants", "network-pre.target"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
		unit.NewUnitOption("Service", "ExecStart", execLine(cfg, "firewall", "ensure", "--kill-switch-only")),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
}

// ProtectedDropInOptions describes the drop-in binding the protected service
// to the tunnel and attaching its main PID to the classification group on
// every start.
func ProtectedDropInOptions(cfg UnitConfig, tunnelUnit string) []*unit.UnitOption {
	cfg.ApplyDefaults()
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Requires", tunnelUnit),
		unit.NewUnitOption("Unit", "After", tunnelUnit+" "+CgroupUnit),
		unit.NewUnitOption("Service", "ExecStartPost", execLine(cfg, "classify", "attach", "--pid", "${MAINPID}")),
	}
}

// Render serializes unit options into unit file text.
func Render(opts []*unit.UnitOption) (string, error) {
	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return "", err
	}
	return "# Managed by splitwg. Do not edit.\n" + string(data), nil
}

func execLine(cfg UnitConfig, args ...string) string {
	parts := append([]string{cfg.BinaryPath}, args...)
	parts = append(parts, "--config", cfg.ConfigPath)
	return strings.Join(parts, " ")
}
