// Package tunnel integrates with the wg-quick managed tunnel: it generates
// and injects the controller's interface hooks, parses the user supplied
// peer configuration and drives the tunnel unit.
package tunnel

import (
	"fmt"
	"net"
	"strings"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/steps"
)

// Op is one hook command, kept as an argument vector until rendered.
type Op struct {
	Args []string
}

// String renders the op as a shell command line.
func (o Op) String() string {
	quoted := make([]string, len(o.Args))
	for i, a := range o.Args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// Hooks are the commands run when the tunnel interface comes up and goes
// down.
type Hooks struct {
	Up   []Op
	Down []Op
}

// HookParams are the inputs to GenerateHooks.
type HookParams struct {
	Policy config.Policy
	// BinaryPath is the splitwg executable the hooks call back into.
	BinaryPath string
	// ConfigPath is passed to every callback with --config.
	ConfigPath string
	// ServiceUnit is the protected service started after the tunnel is up
	// and stopped before it goes down.
	ServiceUnit string
	// BypassHost, when set, is routed outside the tunnel.
	BypassHost net.IP
	// DNS, when set, is routed through the tunnel and registered with
	// systemd-resolved for the tunnel link.
	DNS net.IP
}

// Validate checks the parameters.
func (p HookParams) Validate() error {
	if err := p.Policy.Validate(); err != nil {
		return steps.Invalid("%v", err)
	}
	if p.BinaryPath == "" || !strings.HasPrefix(p.BinaryPath, "/") {
		return steps.Invalid("hook binary path %q must be absolute", p.BinaryPath)
	}
	if p.ConfigPath == "" {
		return steps.Invalid("hook config path is required")
	}
	if p.ServiceUnit == "" {
		return steps.Invalid("protected service unit is required")
	}
	if p.BypassHost != nil && p.BypassHost.To4() == nil {
		return steps.Invalid("bypass host %s is not an IPv4 address", p.BypassHost)
	}
	if p.DNS != nil && p.DNS.To4() == nil {
		return steps.Invalid("dns server %s is not an IPv4 address", p.DNS)
	}
	return nil
}

// GenerateHooks builds the up and down command sequences. The protected
// service is started without blocking because it is ordered after the
// tunnel unit, and it is stopped before the routing state is removed.
func GenerateHooks(p HookParams) (Hooks, error) {
	if err := p.Validate(); err != nil {
		return Hooks{}, fmt.Errorf("tunnel: generate hooks: %w", err)
	}
	self := func(args ...string) Op {
		return Op{Args: append(append([]string{p.BinaryPath}, args...), "--config", p.ConfigPath)}
	}
	tun := p.Policy.TunnelInterface

	apply := []string{"route", "apply"}
	if p.BypassHost != nil {
		apply = append(apply, "--bypass-host", p.BypassHost.String())
	}
	if p.DNS != nil {
		apply = append(apply, "--dns", p.DNS.String())
	}

	var h Hooks
	h.Up = append(h.Up, self("firewall", "ensure"), self(apply...))
	if p.DNS != nil {
		h.Up = append(h.Up, Op{Args: []string{"resolvectl", "dns", tun, p.DNS.String()}})
	}
	h.Up = append(h.Up, Op{Args: []string{"systemctl", "start", "--no-block", p.ServiceUnit}})

	h.Down = append(h.Down, Op{Args: []string{"systemctl", "stop", p.ServiceUnit}})
	if p.DNS != nil {
		h.Down = append(h.Down, Op{Args: []string{"resolvectl", "revert", tun}})
	}
	h.Down = append(h.Down, self("route", "teardown"))
	return h, nil
}

// shellQuote quotes s for the bash -c that wg-quick runs hooks through.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@_+=:,./-", r):
		default:
			safe = false
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
