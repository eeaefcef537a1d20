package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexsphere/splitwg/internal/lifecycle"
)

var errUnhealthy = errors.New("unhealthy")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the split tunnel state",
	Long: "Read the install record and check the live tunnel, policy routing,\n" +
		"filter chains, classification group and endpoint reachability.\n" +
		"Exits non-zero when any check fails.",
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg status: %w", err)
	}
	ctrl := newLifecycle(cfg, newComponents(cfg, logger), logger)
	rep, err := ctrl.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("splitwg status: %w", err)
	}
	writeStatus(cmd.OutOrStdout(), rep)
	if rep.Installed && !rep.Healthy() {
		return fmt.Errorf("splitwg status: %w: %d problems", errUnhealthy, len(rep.Problems))
	}
	return nil
}

func writeStatus(w io.Writer, rep lifecycle.StatusReport) {
	if !rep.Installed {
		fmt.Fprintln(w, "Installed:        no")
		return
	}
	st := rep.State
	fmt.Fprintf(w, "Installed:        %s (%s, %s)\n", st.InstalledAt.Format(time.RFC3339), st.Version, st.Platform)
	fmt.Fprintf(w, "Service:          %s %s\n", st.ServiceUnit, activeWord(rep.ServiceActive))
	fmt.Fprintf(w, "Tunnel:           %s\n", activeWord(rep.TunnelActive))
	if rep.Device.Endpoint != "" {
		fmt.Fprintf(w, "Peer endpoint:    %s\n", rep.Device.Endpoint)
	}
	if !rep.Device.LastHandshake.IsZero() {
		fmt.Fprintf(w, "Last handshake:   %s\n", rep.Device.LastHandshake.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Transfer:         %d B received, %d B sent\n", rep.Device.RxBytes, rep.Device.TxBytes)
	fmt.Fprintf(w, "Advertised:       %s:%d\n", st.AdvertisedHost, st.AdvertisedPort)
	if rep.Probe != nil {
		if rep.Probe.Reachable {
			fmt.Fprintf(w, "Reachable:        yes (%s)\n", rep.Probe.Latency.Round(time.Millisecond))
		} else {
			fmt.Fprintln(w, "Reachable:        no")
		}
	}
	fmt.Fprintf(w, "Rules:            fwmark=%t source=%t suppress=%t\n", rep.Rules.FWMark, rep.Rules.Source, rep.Rules.Suppress)
	fmt.Fprintf(w, "Routes:           %d\n", len(rep.Routes))
	for _, r := range rep.Routes {
		fmt.Fprintf(w, "  %s\n", r.String())
	}
	fmt.Fprintf(w, "Filter chains:    %s\n", strings.Join(rep.Chains, ", "))
	fmt.Fprintf(w, "Classified PIDs:  %v\n", rep.Members)

	if len(rep.Problems) > 0 {
		fmt.Fprintln(w, "\nProblems:")
		for _, p := range rep.Problems {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
}

func activeWord(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}
