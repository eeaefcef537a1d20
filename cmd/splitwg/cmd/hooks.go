package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/splitwg/internal/routing"
	"github.com/plexsphere/splitwg/internal/steps"
)

// The commands below are invoked by the tunnel hooks and the controller's
// units, not by users.

var (
	routeBypassHost string
	routeDNS        string
	killSwitchOnly  bool
	attachPID       int
)

var routeCmd = &cobra.Command{
	Use:    "route",
	Short:  "Manage the policy routing state",
	Hidden: true,
}

var routeApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Install the policy rules and mirror routes for the tunnel",
	RunE:  runRouteApply,
}

var routeTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove the policy rules and flush the policy table",
	RunE:  runRouteTeardown,
}

var firewallCmd = &cobra.Command{
	Use:    "firewall",
	Short:  "Manage the packet filter chains",
	Hidden: true,
}

var firewallEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the filter table and chains",
	RunE:  runFirewallEnsure,
}

var classifyCmd = &cobra.Command{
	Use:    "classify",
	Short:  "Manage the classification group",
	Hidden: true,
}

var classifyEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the classification group",
	RunE:  runClassifyEnsure,
}

var classifyAttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a process to the classification group",
	RunE:  runClassifyAttach,
}

func init() {
	routeApplyCmd.Flags().StringVar(&routeBypassHost, "bypass-host", "", "IPv4 host routed outside the tunnel")
	routeApplyCmd.Flags().StringVar(&routeDNS, "dns", "", "IPv4 DNS server routed through the tunnel")
	firewallEnsureCmd.Flags().BoolVar(&killSwitchOnly, "kill-switch-only", false, "only create the marking and kill-switch chains")
	classifyAttachCmd.Flags().IntVar(&attachPID, "pid", 0, "process ID to attach")
	_ = classifyAttachCmd.MarkFlagRequired("pid")

	routeCmd.AddCommand(routeApplyCmd, routeTeardownCmd)
	firewallCmd.AddCommand(firewallEnsureCmd)
	classifyCmd.AddCommand(classifyEnsureCmd, classifyAttachCmd)
	rootCmd.AddCommand(routeCmd, firewallCmd, classifyCmd)
}

func runRouteApply(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg route apply: %w", err)
	}
	bypass, err := parseIPv4("bypass host", routeBypassHost)
	if err != nil {
		return fmt.Errorf("splitwg route apply: %w", err)
	}
	dns, err := parseIPv4("dns", routeDNS)
	if err != nil {
		return fmt.Errorf("splitwg route apply: %w", err)
	}

	c := newComponents(cfg, logger)
	addr, err := c.device.DetectAddress(cfg.TunnelInterface)
	if err != nil {
		return fmt.Errorf("splitwg route apply: %w", err)
	}
	ctx := cmd.Context()
	if err := c.routing.Apply(ctx, routing.ApplyOptions{TunnelAddress: addr, BypassHost: bypass}); err != nil {
		return fmt.Errorf("splitwg route apply: %w", err)
	}
	if dns != nil {
		if err := c.routing.ReplaceHostRoute(ctx, dns); err != nil {
			return fmt.Errorf("splitwg route apply: %w", err)
		}
	}
	return nil
}

func runRouteTeardown(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg route teardown: %w", err)
	}
	err = newComponents(cfg, logger).routing.Teardown(cmd.Context())
	if err != nil && !errors.Is(err, steps.ErrResourceAbsent) {
		return fmt.Errorf("splitwg route teardown: %w", err)
	}
	return nil
}

func runFirewallEnsure(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg firewall ensure: %w", err)
	}
	fw := newComponents(cfg, logger).firewall
	if killSwitchOnly {
		err = fw.EnsureKillSwitch(cmd.Context())
	} else {
		err = fw.EnsureChains(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("splitwg firewall ensure: %w", err)
	}
	return nil
}

func runClassifyEnsure(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg classify ensure: %w", err)
	}
	if err := newComponents(cfg, logger).classifier.EnsureGroup(cmd.Context()); err != nil {
		return fmt.Errorf("splitwg classify ensure: %w", err)
	}
	return nil
}

func runClassifyAttach(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg classify attach: %w", err)
	}
	if err := newComponents(cfg, logger).classifier.Attach(cmd.Context(), attachPID); err != nil {
		return fmt.Errorf("splitwg classify attach: %w", err)
	}
	return nil
}
