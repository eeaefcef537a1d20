package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/plexsphere/splitwg/internal/firewall"
	"github.com/plexsphere/splitwg/internal/netcheck"
	"github.com/plexsphere/splitwg/internal/routing"
	"github.com/plexsphere/splitwg/internal/state"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

// handshakeStale is the age after which a WireGuard handshake is considered
// lost. Peers re-handshake every two minutes while traffic flows.
const handshakeStale = 3 * time.Minute

// StatusReport is the observed state of an install.
type StatusReport struct {
	Installed     bool
	State         state.InstallState
	Phase         Phase
	ServiceActive bool
	TunnelActive  bool
	Device        tunnel.DeviceStatus
	Rules         routing.RuleStatus
	Routes        []routing.Route
	Chains        []string
	Members       []int
	Probe         *netcheck.Result
	// Problems lists every check that did not pass, in check order.
	Problems []string
}

// Healthy reports whether the install is present and every check passed.
func (r StatusReport) Healthy() bool {
	return r.Installed && len(r.Problems) == 0
}

// Status reads the install record and inspects the live state it
// describes. A host without an install record reports Installed=false and
// no error.
func (c *Controller) Status(ctx context.Context) (StatusReport, error) {
	st, installed, err := c.loadState()
	if err != nil {
		return StatusReport{}, fmt.Errorf("lifecycle: status: %w", err)
	}
	rep := StatusReport{Installed: installed, State: st, Phase: c.Phase()}
	if !installed {
		return rep, nil
	}
	problem := func(format string, args ...any) {
		rep.Problems = append(rep.Problems, fmt.Sprintf(format, args...))
	}

	sd := c.units.Systemd()
	rep.ServiceActive = sd.IsActive(ctx, st.ServiceUnit)
	if !rep.ServiceActive {
		problem("service %s is not active", st.ServiceUnit)
	}
	rep.TunnelActive = c.tunnel.IsActive(ctx)
	if !rep.TunnelActive {
		problem("tunnel %s is not active", c.tunnel.Unit())
	}

	if c.device != nil {
		dev, err := c.device.Device(c.policy.TunnelInterface)
		switch {
		case err != nil:
			problem("wireguard device: %v", err)
		case dev.LastHandshake.IsZero():
			rep.Device = dev
			problem("no handshake with peer %s", dev.Endpoint)
		default:
			rep.Device = dev
			if age := c.now().Sub(dev.LastHandshake); age > handshakeStale {
				problem("last handshake %s ago", age.Round(time.Second))
			}
		}
	}

	if rules, err := c.routing.RulesPresent(ctx); err != nil {
		problem("policy rules: %v", err)
	} else {
		rep.Rules = rules
		if !rules.FWMark {
			problem("fwmark rule missing")
		}
		if !rules.Source {
			problem("source rule missing")
		}
		if !rules.Suppress {
			problem("suppress rule missing")
		}
	}
	if routes, err := c.routing.Routes(ctx); err != nil {
		problem("policy routes: %v", err)
	} else {
		rep.Routes = routes
		if !hasDefault(routes) {
			problem("no default route in table %d", c.policy.Table)
		}
	}

	if chains, err := c.firewall.Present(ctx); err != nil {
		problem("filter chains: %v", err)
	} else {
		rep.Chains = chains
		if len(chains) != len(firewall.ChainNames) {
			problem("filter chains present %v, want %v", chains, firewall.ChainNames)
		}
	}

	if members, err := c.classifier.Members(ctx); err != nil {
		problem("classification group: %v", err)
	} else {
		rep.Members = members
		if rep.ServiceActive && len(members) == 0 {
			problem("service %s is not classified", st.ServiceUnit)
		}
	}

	if c.prober != nil && st.AdvertisedHost != "" && st.AdvertisedPort != 0 {
		res, err := c.prober.Probe(ctx, st.AdvertisedHost, st.AdvertisedPort)
		if err != nil {
			problem("probe: %v", err)
		} else {
			rep.Probe = &res
			if !res.Reachable {
				problem("%s is not reachable: %v", res.Address, res.Err)
			}
		}
	}
	return rep, nil
}

func hasDefault(routes []routing.Route) bool {
	for _, r := range routes {
		if r.IsDefault() {
			return true
		}
	}
	return false
}
