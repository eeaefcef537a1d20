package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/plexsphere/splitwg/internal/firewall"
	"github.com/plexsphere/splitwg/internal/packaging"
	"github.com/plexsphere/splitwg/internal/state"
	"github.com/plexsphere/splitwg/internal/steps"
)

// ErrNoBackup is reported when a protected config has no backup to restore.
var ErrNoBackup = errors.New("no backup of protected config, remove the splitwg block manually")

// Uninstall removes everything Install created, using the install record
// instead of re-detecting. Every step is best-effort; failures are
// reported as warnings in the returned report. Without an install record
// it returns state.ErrNotInstalled.
//
// The tunnel's wg-quick config file is kept: only the controller's hook
// block is stripped from it, and the tunnel unit is left disabled.
func (c *Controller) Uninstall(ctx context.Context) (steps.Report, error) {
	report := steps.Report{Operation: OpUninstall}
	st, installed, err := c.loadState()
	if err != nil {
		return report, fmt.Errorf("lifecycle: uninstall: %w", err)
	}
	if !installed {
		return report, state.ErrNotInstalled
	}

	c.setPhase(PhaseUninstalling)
	report = c.uninstallSequence(st).Run(ctx)
	c.settlePhase()
	if err := report.Err(); err != nil {
		return report, fmt.Errorf("lifecycle: %w", err)
	}
	c.logger.Info("uninstall complete", "service", st.ServiceUnit, "warnings", report.Issues)
	return report, nil
}

func (c *Controller) uninstallSequence(st state.InstallState) *steps.Sequence {
	seq := steps.NewSequence(OpUninstall, c.logger)
	b := newStepBuilder(OpUninstall, seq)
	sd := c.units.Systemd()

	// The service stops before routing goes away so it never runs unprotected.
	b.add(stepStopService, st.ServiceUnit, func(ctx context.Context) error {
		return sd.Stop(ctx, st.ServiceUnit)
	})
	b.add(stepStopTunnel, c.tunnel.Unit(), c.tunnel.BringDown)
	b.add(stepDisableTunnel, c.tunnel.Unit(), c.tunnel.Disable)
	b.add(stepTeardownRouting, fmt.Sprintf("table %d", c.policy.Table), c.routing.Teardown)
	b.add(stepTeardownFirewall, "nft table "+firewall.TableName, c.firewall.Teardown)

	b.add(stepStopKillUnit, packaging.KillSwitchUnit, func(ctx context.Context) error {
		if err := sd.Stop(ctx, packaging.KillSwitchUnit); err != nil {
			return err
		}
		return sd.Disable(ctx, packaging.KillSwitchUnit)
	})
	b.add(stepStopCgroupUnit, packaging.CgroupUnit, func(ctx context.Context) error {
		if err := sd.Stop(ctx, packaging.CgroupUnit); err != nil {
			return err
		}
		return sd.Disable(ctx, packaging.CgroupUnit)
	})
	b.add(stepRemoveKillUnit, packaging.KillSwitchUnit, func(ctx context.Context) error {
		return c.units.RemoveUnit(packaging.KillSwitchUnit)
	})
	b.add(stepRemoveCgroupUnit, packaging.CgroupUnit, func(ctx context.Context) error {
		return c.units.RemoveUnit(packaging.CgroupUnit)
	})
	b.add(stepRemoveGroup, "net_cls:"+c.policy.GroupName, c.classifier.Remove)

	b.add(stepRemoveDropIn, c.units.DropInPath(st.ServiceUnit), func(ctx context.Context) error {
		return c.units.RemoveDropIn(st.ServiceUnit)
	})
	b.add(stepRemoveHooks, st.TunnelConfig, func(ctx context.Context) error {
		return c.tunnel.RemoveConfig(ctx, st.TunnelConfig)
	})
	b.add(stepDaemonReload, "systemd", sd.DaemonReload)
	b.add(stepRestoreConfig, st.ServiceConfig, func(ctx context.Context) error {
		return c.restoreConfig(st.ServiceConfig)
	})
	b.add(stepDeleteState, c.store.Path(), func(ctx context.Context) error {
		return c.store.Delete()
	})
	b.add(stepRestartService, st.ServiceUnit, func(ctx context.Context) error {
		return sd.Restart(ctx, st.ServiceUnit)
	})
	return seq
}
