package cmd

import (
	"log/slog"
	"path/filepath"

	"github.com/plexsphere/splitwg/internal/classify"
	"github.com/plexsphere/splitwg/internal/command"
	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/firewall"
	"github.com/plexsphere/splitwg/internal/lifecycle"
	"github.com/plexsphere/splitwg/internal/netcheck"
	"github.com/plexsphere/splitwg/internal/packaging"
	"github.com/plexsphere/splitwg/internal/routing"
	"github.com/plexsphere/splitwg/internal/state"
	"github.com/plexsphere/splitwg/internal/svcconf"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

// components are the kernel-backed collaborators shared by the commands.
type components struct {
	systemd    packaging.SystemdController
	units      *packaging.Installer
	routing    *routing.Manager
	classifier *classify.Classifier
	firewall   *firewall.Controller
	tunnel     *tunnel.Adapter
	device     *tunnel.Kernel
}

func newComponents(cfg *config.Config, logger *slog.Logger) *components {
	policy := cfg.Policy()
	sd := packaging.NewSystemdController(command.NewExec(logger))
	return &components{
		systemd: sd,
		units: packaging.NewInstaller(packaging.UnitConfig{
			UnitDir:    cfg.UnitDir,
			BinaryPath: cfg.BinaryPath,
			ConfigPath: cfgFile,
		}, sd, packaging.NewRootChecker(), logger),
		routing:    routing.NewManager(routing.NewKernel(), policy, logger),
		classifier: classify.NewClassifier(classify.NewCgroupFS("", logger), policy, cfg.SettleDelay, logger),
		firewall:   firewall.NewController(policy, logger),
		tunnel:     tunnel.NewAdapter(policy, sd, logger),
		device:     tunnel.NewKernel(),
	}
}

func newLifecycle(cfg *config.Config, c *components, logger *slog.Logger) *lifecycle.Controller {
	return lifecycle.New(lifecycle.Deps{
		Config:        cfg,
		Routing:       c.routing,
		Classifier:    c.classifier,
		Firewall:      c.firewall,
		Tunnel:        c.tunnel,
		Device:        c.device,
		Units:         c.units,
		Editor:        svcconf.NewEditor(filepath.Join(cfg.StateDir, "backup"), logger),
		Store:         state.NewStore(cfg.StateDir),
		Prober:        netcheck.NewProber(cfg.ProbeTimeout),
		InstallBinary: c.units.InstallBinary,
	}, logger)
}
