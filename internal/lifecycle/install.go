package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/plexsphere/splitwg/internal/firewall"
	"github.com/plexsphere/splitwg/internal/fsutil"
	"github.com/plexsphere/splitwg/internal/packaging"
	"github.com/plexsphere/splitwg/internal/state"
	"github.com/plexsphere/splitwg/internal/steps"
	"github.com/plexsphere/splitwg/internal/svcconf"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

// Install brings the host into the installed state for env. An existing
// install is cleaned up first, so running Install twice converges to the
// same host state. Nothing privileged happens before env is validated.
func (c *Controller) Install(ctx context.Context, env Environment) (steps.Report, error) {
	report := steps.Report{Operation: OpInstall}
	if err := env.Validate(); err != nil {
		return report, fmt.Errorf("lifecycle: install: %w", err)
	}
	hooks, err := tunnel.GenerateHooks(c.hookParams(env))
	if err != nil {
		return report, fmt.Errorf("lifecycle: install: %w", err)
	}
	if err := c.units.Preflight(); err != nil {
		return report, fmt.Errorf("lifecycle: install: %w", err)
	}

	prev, installed, err := c.loadState()
	if err != nil {
		return report, fmt.Errorf("lifecycle: install: %w", err)
	}
	if installed {
		c.setPhase(PhaseReinstalling)
		report.Merge(c.cleanupPrevious(prev, env).Run(ctx))
	} else {
		c.setPhase(PhaseInstalling)
	}

	report.Merge(c.installSequence(env, hooks).Run(ctx))
	c.settlePhase()
	if err := report.Err(); err != nil {
		return report, fmt.Errorf("lifecycle: %w", err)
	}
	c.logger.Info("install complete",
		"service", env.ServiceUnit,
		"tunnel", c.tunnel.Unit(),
		"warnings", report.Issues,
	)
	return report, nil
}

func (c *Controller) hookParams(env Environment) tunnel.HookParams {
	return tunnel.HookParams{
		Policy:      c.policy,
		BinaryPath:  c.units.Config().BinaryPath,
		ConfigPath:  env.ConfigPath,
		ServiceUnit: env.ServiceUnit,
		BypassHost:  env.BypassHost,
		DNS:         env.DNS,
	}
}

func (c *Controller) installSequence(env Environment, hooks tunnel.Hooks) *steps.Sequence {
	seq := steps.NewSequence(OpInstall, c.logger)
	b := newStepBuilder(OpInstall, seq)
	sd := c.units.Systemd()
	unitCfg := c.units.Config()
	unitCfg.ConfigPath = env.ConfigPath

	b.add(stepWriteConfig, env.ConfigPath, func(ctx context.Context) error {
		return c.writeConfig(env.ConfigPath)
	})
	if c.install != nil {
		b.add(stepInstallBinary, unitCfg.BinaryPath, func(ctx context.Context) error {
			return c.install()
		})
	}
	b.add(stepEnsureGroup, "net_cls:"+c.policy.GroupName, c.classifier.EnsureGroup)
	b.add(stepWriteCgroupUnit, packaging.CgroupUnit, func(ctx context.Context) error {
		return c.units.WriteUnit(packaging.CgroupUnit, packaging.CgroupUnitOptions(unitCfg))
	})
	b.add(stepWriteKillUnit, packaging.KillSwitchUnit, func(ctx context.Context) error {
		return c.units.WriteUnit(packaging.KillSwitchUnit, packaging.KillSwitchUnitOptions(unitCfg))
	})
	b.add(stepDaemonReload, "systemd", sd.DaemonReload)
	b.add(stepEnableCgroupUnit, packaging.CgroupUnit, func(ctx context.Context) error {
		return sd.Enable(ctx, packaging.CgroupUnit)
	})
	b.add(stepEnableKillUnit, packaging.KillSwitchUnit, func(ctx context.Context) error {
		return sd.Enable(ctx, packaging.KillSwitchUnit)
	})
	b.add(stepEnsureChains, "nft table "+firewall.TableName, c.firewall.EnsureChains)
	b.add(stepBackupConfig, env.ServiceConfig, func(ctx context.Context) error {
		_, err := c.editor.Backup(env.ServiceConfig)
		return err
	})
	b.add(stepPatchConfig, env.ServiceConfig, func(ctx context.Context) error {
		return c.editor.Apply(env.ServiceConfig, env.Variant, svcconf.Settings{
			ListenPort:     c.policy.ServicePort,
			AdvertisedHost: env.AdvertisedHost,
			AdvertisedPort: env.AdvertisedPort,
		})
	})
	b.add(stepWriteDropIn, c.units.DropInPath(env.ServiceUnit), func(ctx context.Context) error {
		return c.units.WriteDropIn(env.ServiceUnit, packaging.ProtectedDropInOptions(unitCfg, c.tunnel.Unit()))
	})
	b.add(stepDaemonReload, "systemd", sd.DaemonReload)
	b.add(stepHaltService, env.ServiceUnit, func(ctx context.Context) error {
		return c.haltService(ctx, env.ServiceUnit)
	})
	b.add(stepInstallHooks, env.TunnelConfig, func(ctx context.Context) error {
		return c.tunnel.InstallConfig(ctx, env.TunnelConfig, hooks)
	})
	b.add(stepEnableTunnel, c.tunnel.Unit(), c.tunnel.Enable)
	b.add(stepStartTunnel, c.tunnel.Unit(), c.cycleTunnel)
	b.add(stepWaitService, env.ServiceUnit, func(ctx context.Context) error {
		return sd.WaitActive(ctx, env.ServiceUnit, c.cfg.ServiceWait)
	})
	b.add(stepWriteState, c.store.Path(), func(ctx context.Context) error {
		return c.store.Save(c.installState(env))
	})
	return seq
}

// haltService stops a running protected service so that the tunnel's up
// hook starts it again with the patched config and the classify attach.
func (c *Controller) haltService(ctx context.Context, unit string) error {
	sd := c.units.Systemd()
	if !sd.IsActive(ctx, unit) {
		return steps.Absent("running " + unit)
	}
	return sd.Stop(ctx, unit)
}

// cycleTunnel restarts a running tunnel so that its new hooks run, or
// starts a stopped one.
func (c *Controller) cycleTunnel(ctx context.Context) error {
	if c.tunnel.IsActive(ctx) {
		if err := c.tunnel.BringDown(ctx); err != nil {
			return err
		}
	}
	return c.tunnel.BringUp(ctx)
}

func (c *Controller) writeConfig(path string) error {
	data, err := c.cfg.Marshal()
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lifecycle: create config directory: %w", err)
	}
	if err := fsutil.WritePathAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("lifecycle: write config %s: %w", path, err)
	}
	return nil
}

func (c *Controller) installState(env Environment) state.InstallState {
	st := state.InstallState{
		Platform:       env.Platform,
		Variant:        string(env.Variant),
		ServiceUnit:    env.ServiceUnit,
		ServiceConfig:  env.ServiceConfig,
		TunnelConfig:   env.TunnelConfig,
		AdvertisedHost: env.AdvertisedHost,
		AdvertisedPort: env.AdvertisedPort,
		InstalledAt:    c.now().UTC(),
		Version:        env.Version,
	}
	if env.BypassHost != nil {
		st.BypassHost = env.BypassHost.String()
	}
	return st
}

// cleanupPrevious removes everything a previous install, or an earlier
// release, left behind. Every step is best-effort.
func (c *Controller) cleanupPrevious(prev state.InstallState, env Environment) *steps.Sequence {
	seq := steps.NewSequence(OpCleanup, c.logger)
	b := newStepBuilder(OpCleanup, seq)
	sd := c.units.Systemd()
	legacy := c.cfg.Legacy

	b.add(stepStopService, prev.ServiceUnit, func(ctx context.Context) error {
		return sd.Stop(ctx, prev.ServiceUnit)
	})
	b.add(stepStopTunnel, c.tunnel.Unit(), c.tunnel.BringDown)
	b.add(stepDisableTunnel, c.tunnel.Unit(), c.tunnel.Disable)

	for _, u := range legacy.Units {
		b.add(stepStopLegacyUnit, u, func(ctx context.Context) error {
			if err := sd.Stop(ctx, u); err != nil {
				return err
			}
			return sd.Disable(ctx, u)
		})
		b.add(stepRemoveLegacyUnit, u, func(ctx context.Context) error {
			return c.units.RemoveUnit(u)
		})
	}
	for _, t := range legacy.Tables {
		for _, fam := range []firewall.Family{firewall.FamilyIPv4, firewall.FamilyINet} {
			b.add(stepDeleteLegacyTable, string(fam)+" "+t, func(ctx context.Context) error {
				return c.firewall.DeleteTable(ctx, fam, t)
			})
		}
	}
	for _, d := range legacy.DropIns {
		b.add(stepRemoveLegacyDropIn, prev.ServiceUnit+".d/"+d, func(ctx context.Context) error {
			return c.units.RemoveNamedDropIn(prev.ServiceUnit, d)
		})
	}
	for _, t := range legacy.RouteTables {
		b.add(stepPurgeLegacyRoutes, fmt.Sprintf("table %d", t), func(ctx context.Context) error {
			return c.routing.PurgeTable(ctx, t)
		})
	}

	b.add(stepTeardownRouting, fmt.Sprintf("table %d", c.policy.Table), c.routing.Teardown)
	b.add(stepTeardownFirewall, "nft table "+firewall.TableName, c.firewall.Teardown)

	if prev.ServiceUnit != env.ServiceUnit {
		b.add(stepRemoveDropIn, c.units.DropInPath(prev.ServiceUnit), func(ctx context.Context) error {
			return c.units.RemoveDropIn(prev.ServiceUnit)
		})
	}
	if prev.TunnelConfig != env.TunnelConfig {
		b.add(stepRemoveOldHooks, prev.TunnelConfig, func(ctx context.Context) error {
			return c.tunnel.RemoveConfig(ctx, prev.TunnelConfig)
		})
	}
	if prev.ServiceConfig != env.ServiceConfig {
		b.add(stepRestoreOldConfig, prev.ServiceConfig, func(ctx context.Context) error {
			return c.restoreConfig(prev.ServiceConfig)
		})
	}
	b.add(stepDaemonReload, "systemd", sd.DaemonReload)
	return seq
}

// restoreConfig puts the backup of path back in place. A missing backup is
// a warning: the managed block has to be removed by hand.
func (c *Controller) restoreConfig(path string) error {
	restored, err := c.editor.Restore(path)
	if err != nil {
		return err
	}
	if !restored {
		return fmt.Errorf("%w: %s", ErrNoBackup, path)
	}
	return nil
}

// settlePhase derives the resting phase from the install record.
func (c *Controller) settlePhase() {
	if _, installed, _ := c.loadState(); installed {
		c.setPhase(PhaseInstalled)
		return
	}
	c.setPhase(PhaseAbsent)
}
