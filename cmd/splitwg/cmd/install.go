package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/plexsphere/splitwg/internal/lifecycle"
	"github.com/plexsphere/splitwg/internal/steps"
	"github.com/plexsphere/splitwg/internal/svcconf"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

var (
	installPlatform       string
	installVariant        string
	installService        string
	installServiceConfig  string
	installTunnelConfig   string
	installAdvertisedHost string
	installAdvertisedPort uint16
	installBypassHost     string
	installDNS            string
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or reinstall the split tunnel for a service",
	Long: "Install classifies the protected service, installs the kill-switch and\n" +
		"policy routing hooks into the tunnel config and patches the service config\n" +
		"to listen and announce through the tunnel. Running it again reinstalls.",
	RunE: runInstall,
}

func init() {
	f := installCmd.Flags()
	f.StringVar(&installPlatform, "platform", "linux", "platform label recorded in the install state")
	f.StringVar(&installVariant, "variant", string(svcconf.LND), "protected service variant (lnd, cln)")
	f.StringVar(&installService, "service", "lnd.service", "protected systemd service unit")
	f.StringVar(&installServiceConfig, "service-config", "", "protected service config file")
	f.StringVar(&installTunnelConfig, "tunnel-config", "", "wg-quick config of the tunnel (default /etc/wireguard/<interface>.conf)")
	f.StringVar(&installAdvertisedHost, "advertised-host", "", "public host announced to peers (default: tunnel endpoint)")
	f.Uint16Var(&installAdvertisedPort, "advertised-port", 0, "public port announced to peers (default: #VPNPort from the tunnel config)")
	f.StringVar(&installBypassHost, "bypass-host", "", "IPv4 host always reached outside the tunnel")
	f.StringVar(&installDNS, "dns", "", "IPv4 DNS server reached through the tunnel (default: DNS from the tunnel config)")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg install: %w", err)
	}
	tunnelConfig := installTunnelConfig
	if tunnelConfig == "" {
		tunnelConfig = filepath.Join("/etc/wireguard", cfg.TunnelInterface+".conf")
	}
	env, err := buildEnvironment(tunnelConfig)
	if err != nil {
		return fmt.Errorf("splitwg install: %w", err)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("splitwg install: %w", err)
	}

	return withLock(func() error {
		ctrl := newLifecycle(cfg, newComponents(cfg, logger), logger)
		report, err := ctrl.Install(cmd.Context(), env)
		printReport(cmd.OutOrStdout(), report)
		if err != nil {
			return fmt.Errorf("splitwg install: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "splitwg installed for %s (%d warnings)\n", env.ServiceUnit, report.Issues)
		return nil
	})
}

// buildEnvironment resolves the install environment from flags and the
// tunnel config at tunnelConfig.
func buildEnvironment(tunnelConfig string) (lifecycle.Environment, error) {
	variant, err := svcconf.ParseVariant(installVariant)
	if err != nil {
		return lifecycle.Environment{}, err
	}
	configPath, err := filepath.Abs(cfgFile)
	if err != nil {
		return lifecycle.Environment{}, err
	}
	serviceConfig := installServiceConfig
	if serviceConfig == "" {
		serviceConfig = defaultServiceConfig(variant)
	}
	env := lifecycle.Environment{
		Platform:       installPlatform,
		Variant:        variant,
		ServiceUnit:    installService,
		ServiceConfig:  serviceConfig,
		TunnelConfig:   tunnelConfig,
		ConfigPath:     configPath,
		AdvertisedHost: installAdvertisedHost,
		AdvertisedPort: installAdvertisedPort,
		Version:        buildVersion,
	}
	if env.BypassHost, err = parseIPv4("bypass host", installBypassHost); err != nil {
		return lifecycle.Environment{}, err
	}
	if env.DNS, err = parseIPv4("dns", installDNS); err != nil {
		return lifecycle.Environment{}, err
	}

	data, err := os.ReadFile(tunnelConfig)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return lifecycle.Environment{}, steps.Undetected("tunnel config %s not found", tunnelConfig)
		}
		return lifecycle.Environment{}, err
	}
	pc, err := tunnel.ParsePeerConfig(data)
	if err != nil {
		return lifecycle.Environment{}, fmt.Errorf("parse %s: %w", tunnelConfig, err)
	}
	env.Complete(pc)
	return env, nil
}

func defaultServiceConfig(v svcconf.Variant) string {
	if v == svcconf.CLN {
		return "/etc/lightning/config"
	}
	return "/etc/lnd/lnd.conf"
}

func parseIPv4(name, s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, steps.Invalid("%s %q is not an IPv4 address", name, s)
	}
	return ip, nil
}
